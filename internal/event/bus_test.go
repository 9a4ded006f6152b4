// ABOUTME: Tests for the event bus pub/sub and per-run sequencing
// ABOUTME: Covers seq monotonicity, fan-out, wildcard subs, overflow, cleanup

package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan AgentEvent, n int) []AgentEvent {
	t.Helper()
	out := make([]AgentEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBus_SeqIsMonotonicPerRun(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "run-1")

	for range 5 {
		b.Publish(Assistant("run-1", "sess-a", "hi"))
	}
	b.Publish(Assistant("run-2", "sess-a", "other run"))

	events := collect(t, ch, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Seq)
	}

	// A different run starts at seq 0 again.
	ch2, _ := b.Subscribe(t.Context(), "run-2")
	seq := b.Publish(Assistant("run-2", "sess-a", "second"))
	assert.Equal(t, uint64(1), seq)
	got := collect(t, ch2, 1)
	assert.Equal(t, uint64(1), got[0].Seq)
}

func TestBus_FanOutToMultipleSubscribers(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "run-1")
	ch2, _ := b.Subscribe(t.Context(), "run-1")

	b.Publish(Assistant("run-1", "sess-a", "hello"))

	for i, ch := range []<-chan AgentEvent{ch1, ch2} {
		events := collect(t, ch, 1)
		assert.Equal(t, "hello", events[0].Assistant.Text, "subscriber %d", i)
	}
}

func TestBus_RunSubscriberDoesNotSeeOtherRuns(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "run-1")
	b.Publish(Assistant("run-2", "sess-a", "not yours"))

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for run %s", ev.RunID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_WildcardSubscriberSeesAllRuns(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.SubscribeAll(t.Context())
	b.Publish(Assistant("run-1", "sess-a", "one"))
	b.Publish(Assistant("run-2", "sess-b", "two"))

	events := collect(t, ch, 2)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, "run-2", events[1].RunID)
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	// Never read from this one.
	_, _ = b.Subscribe(t.Context(), "run-1")
	ch, _ := b.Subscribe(t.Context(), "run-1")

	done := make(chan struct{})
	go func() {
		for range subscriberBufferSize * 2 {
			b.Publish(Assistant("run-1", "sess-a", "flood"))
		}
		close(done)
	}()

	// Drain the fast subscriber so the publisher finishes.
	go func() {
		for range ch {
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestBus_ContextCancellationRemovesSubscription(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "run-1")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}

func TestBus_ForgetResetsSequence(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	b.Publish(Assistant("run-1", "sess-a", "a"))
	b.Publish(Assistant("run-1", "sess-a", "b"))
	b.Forget("run-1")

	seq := b.Publish(Assistant("run-1", "sess-a", "fresh"))
	assert.Equal(t, uint64(0), seq)
}

func TestBus_CloseClosesAllChannels(t *testing.T) {
	b := NewBus(nil)

	ch1, _ := b.Subscribe(t.Context(), "run-1")
	ch2, _ := b.SubscribeAll(t.Context())
	b.Close()

	for i, ch := range []<-chan AgentEvent{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok, "channel %d should be closed", i)
		case <-time.After(time.Second):
			t.Fatalf("channel %d not closed", i)
		}
	}

	// Publishing after close is a no-op, not a panic.
	b.Publish(Assistant("run-1", "sess-a", "late"))
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			ch, _ := b.Subscribe(t.Context(), "run-shared")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(500 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 8 {
		wg.Go(func() {
			for range 20 {
				b.Publish(Assistant("run-shared", "sess-a", "x"))
			}
		})
	}
	wg.Wait()
}

func TestBus_PublishStampsTimestamp(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "run-1")
	b.Publish(Assistant("run-1", "sess-a", "now"))

	events := collect(t, ch, 1)
	require.False(t, events[0].Timestamp.IsZero())
}
