package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aard-labs/aard/core"
)

func hubEvent(workflowID string, seq int64) *Event {
	return &Event{
		WorkflowID: workflowID,
		Sequence:   seq,
		Stage:      core.StageExecution,
		Status:     StatusOK,
	}
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	chA, cancelA := hub.Subscribe(context.Background(), Filter{WorkflowID: "wf-a"})
	defer cancelA()
	chAll, cancelAll := hub.Subscribe(context.Background(), Filter{})
	defer cancelAll()

	hub.Publish(hubEvent("wf-a", 1))
	hub.Publish(hubEvent("wf-b", 1))

	got := <-chA
	assert.Equal(t, "wf-a", got.WorkflowID)
	select {
	case extra := <-chA:
		t.Fatalf("filtered subscriber received %q", extra.WorkflowID)
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, "wf-a", (<-chAll).WorkflowID)
	assert.Equal(t, "wf-b", (<-chAll).WorkflowID)
}

func TestHubCancelIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	_, cancel := hub.Subscribe(context.Background(), Filter{})
	require.Equal(t, 1, hub.Len())
	cancel()
	cancel()
	assert.Equal(t, 0, hub.Len())
}

func TestHubContextCancellationUnsubscribes(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	_, cancel := hub.Subscribe(ctx, Filter{})
	defer cancel()
	require.Equal(t, 1, hub.Len())

	cancelCtx()
	assert.Eventually(t, func() bool { return hub.Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	ch, cancel := hub.Subscribe(context.Background(), Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overfill the buffer; Publish must not block.
		for i := 0; i < subscriberBuffer+10; i++ {
			hub.Publish(hubEvent("wf-slow", int64(i+1)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds the first subscriberBuffer events; later ones
	// were dropped.
	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestHubCloseTerminatesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(context.Background(), Filter{})
	defer cancel()

	hub.Close()

	_, open := <-ch
	assert.False(t, open, "channel should be closed")

	// Subscribing after close returns a closed channel.
	ch2, cancel2 := hub.Subscribe(context.Background(), Filter{})
	defer cancel2()
	_, open = <-ch2
	assert.False(t, open)

	// Publishing after close is a no-op.
	hub.Publish(hubEvent("wf", 1))
}

func TestFilterMatches(t *testing.T) {
	e := &Event{
		WorkflowID: "wf-1",
		SessionID:  "sess-1",
		Stage:      core.StagePlanning,
		Status:     StatusError,
		Type:       TypeStepFailed,
	}

	assert.True(t, Filter{}.Matches(e))
	assert.True(t, Filter{WorkflowID: "wf-1"}.Matches(e))
	assert.True(t, Filter{Stage: core.StagePlanning, Status: StatusError}.Matches(e))
	assert.True(t, Filter{Type: TypeStepFailed}.Matches(e))

	assert.False(t, Filter{WorkflowID: "wf-2"}.Matches(e))
	assert.False(t, Filter{SessionID: "other"}.Matches(e))
	assert.False(t, Filter{Stage: core.StageExecution}.Matches(e))
	assert.False(t, Filter{Status: StatusOK}.Matches(e))
	assert.False(t, Filter{}.Matches(nil))
}
