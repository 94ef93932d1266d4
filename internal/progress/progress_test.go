package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	other, err := bus.Subscribe(ctx, "run-2")
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, bus.Publish(ctx, "run-1", Event{RunID: "run-1", Status: "running", Progress: 20}))

	ev := recvEvent(t, sub)
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, 20, ev.Progress)

	select {
	case ev := <-other.Events():
		t.Fatalf("run-2 subscriber received foreign event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusNoReplayForLateSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, "run-1", Event{RunID: "run-1", Status: "running", Progress: 40}))

	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("late subscriber saw replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

type stubRuns struct{ known map[string]bool }

func (s stubRuns) RunExists(ctx context.Context, runID string) (bool, error) {
	return s.known[runID], nil
}

func TestResolverPrefersRunID(t *testing.T) {
	bindings := NewMemoryBindingStore()
	ctx := context.Background()
	require.NoError(t, bindings.Bind(ctx, "doc-9", "run-1"))

	r := &Resolver{Runs: stubRuns{known: map[string]bool{"run-1": true}}, Bindings: bindings}

	got, err := r.Resolve(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)

	got, err = r.Resolve(ctx, "doc-9")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)

	_, err = r.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestPublisherReleasesBindingsOnTerminal(t *testing.T) {
	bus := NewMemoryBus()
	bindings := NewMemoryBindingStore()
	ctx := context.Background()

	pub := &Publisher{Bus: bus, Bindings: bindings}
	require.NoError(t, pub.Attach(ctx, "run-1", "doc-9", "fp-abc"))

	got, err := bindings.Resolve(ctx, "fp-abc")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)

	pub.Publish(ctx, Event{RunID: "run-1", Status: "running", Progress: 50})
	_, err = bindings.Resolve(ctx, "doc-9")
	require.NoError(t, err, "non-terminal event must not release bindings")

	pub.Publish(ctx, Event{RunID: "run-1", Status: "completed", Progress: 100})

	_, err = bindings.Resolve(ctx, "doc-9")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = bindings.Resolve(ctx, "fp-abc")
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestFingerprintAndRunIDSubscribersSeeSameStream(t *testing.T) {
	bus := NewMemoryBus()
	bindings := NewMemoryBindingStore()
	ctx := context.Background()

	pub := &Publisher{Bus: bus, Bindings: bindings}
	require.NoError(t, pub.Attach(ctx, "run-1", "fp-abc"))

	resolver := &Resolver{Runs: stubRuns{known: map[string]bool{"run-1": true}}, Bindings: bindings}

	byFingerprint, err := resolver.Resolve(ctx, "fp-abc")
	require.NoError(t, err)
	byRunID, err := resolver.Resolve(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, byRunID, byFingerprint)

	subA, err := bus.Subscribe(ctx, byFingerprint)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := bus.Subscribe(ctx, byRunID)
	require.NoError(t, err)
	defer subB.Close()

	steps := []string{"classify", "parties", "financial", "contingencies", "risk"}
	for i, step := range steps {
		pub.Publish(ctx, Event{RunID: "run-1", Step: step, Status: "running", Progress: (i + 1) * 20})
	}
	pub.Publish(ctx, Event{RunID: "run-1", Status: "completed", Progress: 100})

	collect := func(sub Subscription) []string {
		var got []string
		for {
			ev := recvEvent(t, sub)
			if ev.Terminal() {
				return got
			}
			got = append(got, ev.Step)
		}
	}

	seqA := collect(subA)
	seqB := collect(subB)
	assert.Equal(t, steps, seqA)
	assert.Equal(t, seqA, seqB)
}

func TestPublisherStampsTimestamp(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	pub := &Publisher{Bus: bus, Bindings: NewMemoryBindingStore()}
	pub.Publish(ctx, Event{RunID: "run-1", Status: "running"})

	ev := recvEvent(t, sub)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Status: "completed"}.Terminal())
	assert.True(t, Event{Status: "step_failed"}.Terminal())
	assert.True(t, Event{Status: "cancelled"}.Terminal())
	assert.False(t, Event{Status: "running"}.Terminal())
	assert.False(t, Event{Status: "pending"}.Terminal())
}
