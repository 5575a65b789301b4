package queue

import (
	"encoding/base64"
	"encoding/json"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// Section names which half of the default listing a cursor continues
// from: the queue (pending ∪ processing) or the finished history.
type Section string

const (
	SectionPending  Section = "pending"
	SectionFinished Section = "finished"
)

// Cursor is an opaque pagination position. Pending cursors carry
// (queuePosition, createdAt, id); finished cursors carry (updatedAt,
// id). The zero QueuePosition pointer means "unqueued row" (sorted
// after every positioned row).
type Cursor struct {
	Section       Section `json:"section"`
	QueuePosition *int64  `json:"queuePosition,omitempty"`
	CreatedAt     string  `json:"createdAt,omitempty"`
	UpdatedAt     string  `json:"updatedAt,omitempty"`
	ID            int64   `json:"id"`
}

// legacyCursor is the untagged {id, created_at} shape emitted by old
// clients. It carries no usable position and decodes to the start of
// the listing.
type legacyCursor struct {
	ID        *int64  `json:"id"`
	CreatedAt *string `json:"created_at"`
}

// EncodeCursor serializes a cursor as base64url(JSON).
func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor token. It accepts the tagged shape and
// the legacy untagged {id, created_at} shape; the latter normalizes to
// nil, the initial position. Malformed input returns ErrInvalidRequest.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, errors.NewInvalidRequestError("malformed cursor: %v", err)
	}

	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.NewInvalidRequestError("malformed cursor: %v", err)
	}

	switch c.Section {
	case SectionPending, SectionFinished:
		return &c, nil
	case "":
		// Legacy untagged shape: accept it as the initial position if
		// it looks like {id, created_at}, reject anything else.
		var legacy legacyCursor
		if err := json.Unmarshal(data, &legacy); err != nil || (legacy.ID == nil && legacy.CreatedAt == nil) {
			return nil, errors.NewInvalidRequestError("malformed cursor: missing section")
		}
		return nil, nil
	default:
		return nil, errors.NewInvalidRequestError("unknown cursor section %q", c.Section)
	}
}
