// Package bus fans job lifecycle events out to interested subscribers,
// primarily the WebSocket layer.
package bus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Event types pushed over the bus. Data shapes are documented on the
// constructors below.
const (
	EventConnected       = "connected"
	EventJobCreated      = "job:created"
	EventJobUpdated      = "job:updated"
	EventJobProgress     = "job:progress"
	EventStatusCounts    = "status-counts"
	EventJobsCleared     = "jobs:cleared"
	EventFollowersStatus = "followers:status"
)

// Event is one tagged envelope. Data is marshalled once at publish time
// so every subscriber sees identical bytes.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// subscriberBuffer bounds how far a slow subscriber may lag before
// events are dropped.
const subscriberBuffer = 64

// Bus is an in-process publish/subscribe hub. Publishing never blocks;
// a subscriber whose buffer is full is disconnected.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]chan Event
	nextID int64
	logger *zap.SugaredLogger
}

// New creates an event bus. logger may be nil.
func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[int64]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if ch, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish marshals data and delivers the event to every subscriber. A
// subscriber that cannot keep up is unsubscribed and its channel closed
// rather than left to silently miss events.
func (b *Bus) Publish(eventType string, data interface{}) {
	var payload json.RawMessage
	if data != nil {
		marshalled, err := json.Marshal(data)
		if err != nil {
			if b.logger != nil {
				b.logger.Errorw("Failed to marshal event", "type", eventType, "error", err)
			}
			return
		}
		payload = marshalled
	}
	event := Event{Type: eventType, Data: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			delete(b.subs, id)
			close(ch)
			if b.logger != nil {
				b.logger.Warnw("Dropping slow subscriber",
					"type", eventType,
					"subscriber", id,
				)
			}
		}
	}
}

// JobEvent is the payload for job:created and job:updated.
type JobEvent struct {
	Job interface{} `json:"job"`
}

// ProgressEvent is the payload for job:progress.
type ProgressEvent struct {
	JobID       int64   `json:"jobId"`
	Frame       int64   `json:"frame"`
	FPS         float64 `json:"fps"`
	Progress    float64 `json:"progress"`
	TotalFrames *int64  `json:"totalFrames,omitempty"`
}

// ClearedEvent is the payload for jobs:cleared.
type ClearedEvent struct {
	Count int `json:"count"`
}

// PublishJobCreated announces a newly created job.
func (b *Bus) PublishJobCreated(job interface{}) {
	b.Publish(EventJobCreated, JobEvent{Job: job})
}

// PublishJobUpdated announces a job state change.
func (b *Bus) PublishJobUpdated(job interface{}) {
	b.Publish(EventJobUpdated, JobEvent{Job: job})
}

// PublishProgress announces encoding progress for a running job.
func (b *Bus) PublishProgress(p ProgressEvent) {
	b.Publish(EventJobProgress, p)
}

// PublishJobsCleared announces that finished jobs were hidden in bulk.
func (b *Bus) PublishJobsCleared(count int) {
	b.Publish(EventJobsCleared, ClearedEvent{Count: count})
}
