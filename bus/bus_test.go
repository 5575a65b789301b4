package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar())

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.PublishProgress(ProgressEvent{JobID: 7, Frame: 1020, FPS: 24.0, Progress: 42.5})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		assert.Equal(t, EventJobProgress, ev.Type)

		var payload ProgressEvent
		require.NoError(t, json.Unmarshal(ev.Data, &payload))
		assert.Equal(t, int64(7), payload.JobID)
		assert.Equal(t, int64(1020), payload.Frame)
		assert.Equal(t, 24.0, payload.FPS)
		assert.Equal(t, 42.5, payload.Progress)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)

	ch, unsub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	unsub()
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok)

	// Second call is a no-op
	unsub()
}

func TestPublishDisconnectsSlowSubscriber(t *testing.T) {
	b := New(zaptest.NewLogger(t).Sugar())

	slow, slowUnsub := b.Subscribe()
	defer slowUnsub()
	fast, fastUnsub := b.Subscribe()
	defer fastUnsub()

	for i := 0; i <= subscriberBuffer; i++ {
		b.PublishJobsCleared(i)
		// The fast subscriber keeps draining and stays connected.
		receive(t, fast)
	}

	// The slow subscriber's buffer filled; it was unsubscribed and its
	// channel closed after the buffered events.
	assert.Equal(t, 1, b.SubscriberCount())
	for i := 0; i < subscriberBuffer; i++ {
		receive(t, slow)
	}
	_, ok := <-slow
	assert.False(t, ok, "slow subscriber channel closed")
}

func TestPublishWithNilData(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(EventConnected, nil)

	ev := receive(t, ch)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Nil(t, ev.Data)
}
