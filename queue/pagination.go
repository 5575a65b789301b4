package queue

import (
	"math"

	"github.com/SeriousBug/frame-shift-video-sub000/errors"
)

// Page is one window of the default job listing.
type Page struct {
	Jobs       []*Job `json:"jobs"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// unqueuedPosition sorts NULL queue positions after every real one.
const unqueuedPosition = int64(math.MaxInt64)

// GetPaginated returns one page of the default listing: the queue
// (pending ∪ processing, by queue position) followed by finished jobs
// (by most recent update). A page that exhausts the queue section is
// filled from the head of the finished section; the emitted cursor
// names whichever section the next page continues from. Cleared rows
// are excluded unless includeCleared is set.
func (s *Store) GetPaginated(limit int, cursor *Cursor, includeCleared bool) (*Page, error) {
	if limit <= 0 {
		return nil, errors.NewInvalidRequestError("limit must be positive, got %d", limit)
	}

	page := &Page{Jobs: make([]*Job, 0, limit)}

	startFinished := cursor != nil && cursor.Section == SectionFinished

	if !startFinished {
		// Fetch one extra row to learn whether the queue section
		// continues past this page.
		pending, err := s.pendingSection(limit+1, cursor, includeCleared)
		if err != nil {
			return nil, err
		}
		if len(pending) > limit {
			last := pending[limit-1]
			page.Jobs = pending[:limit]
			page.HasMore = true
			page.NextCursor = EncodeCursor(pendingCursorFor(last))
			return page, nil
		}
		page.Jobs = append(page.Jobs, pending...)
	}

	remaining := limit - len(page.Jobs)
	var finishedAfter *Cursor
	if startFinished {
		finishedAfter = cursor
	}

	finished, err := s.finishedSection(remaining+1, finishedAfter, includeCleared)
	if err != nil {
		return nil, err
	}
	if len(finished) > remaining {
		finished = finished[:remaining]
		page.HasMore = true
	}
	page.Jobs = append(page.Jobs, finished...)

	if page.HasMore {
		if len(finished) > 0 {
			last := finished[len(finished)-1]
			page.NextCursor = EncodeCursor(Cursor{
				Section:   SectionFinished,
				UpdatedAt: last.UpdatedAt,
				ID:        last.ID,
			})
		} else {
			// Page ended exactly at the queue/finished boundary: the
			// next page starts at the head of the finished section.
			page.NextCursor = EncodeCursor(Cursor{Section: SectionFinished})
		}
	}
	return page, nil
}

func pendingCursorFor(job *Job) Cursor {
	return Cursor{
		Section:       SectionPending,
		QueuePosition: job.QueuePosition,
		CreatedAt:     job.CreatedAt,
		ID:            job.ID,
	}
}

// pendingSection pages through the queue in strict lexicographic order
// on (queue_position nulls-last, created_at, id).
func (s *Store) pendingSection(limit int, after *Cursor, includeCleared bool) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'processing')`
	args := []interface{}{}

	if !includeCleared {
		query += ` AND cleared = 0`
	}

	if after != nil && after.Section == SectionPending {
		pos := unqueuedPosition
		if after.QueuePosition != nil {
			pos = *after.QueuePosition
		}
		created := denormalizeTime(after.CreatedAt)
		query += `
		AND (COALESCE(queue_position, 9223372036854775807) > ?
		     OR (COALESCE(queue_position, 9223372036854775807) = ?
		         AND (created_at > ? OR (created_at = ? AND id > ?))))`
		args = append(args, pos, pos, created, created, after.ID)
	}

	query += `
		ORDER BY COALESCE(queue_position, 9223372036854775807) ASC, created_at ASC, id ASC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to page queue section")
	}
	defer rows.Close()
	return scanJobs(rows, "queue page")
}

// finishedSection pages through terminal jobs in strict lexicographic
// order on (updated_at desc, id desc).
func (s *Store) finishedSection(limit int, after *Cursor, includeCleared bool) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')`
	args := []interface{}{}

	if !includeCleared {
		query += ` AND cleared = 0`
	}

	// An empty UpdatedAt means "head of the finished section".
	if after != nil && after.Section == SectionFinished && after.UpdatedAt != "" {
		updated := denormalizeTime(after.UpdatedAt)
		query += `
		AND (updated_at < ? OR (updated_at = ? AND id < ?))`
		args = append(args, updated, updated, after.ID)
	}

	query += `
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to page finished section")
	}
	defer rows.Close()
	return scanJobs(rows, "finished page")
}
