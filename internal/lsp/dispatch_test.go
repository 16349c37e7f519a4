package lsp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedSession builds a session whose "block" method stalls until the gate
// closes, so tests can hold a dispatch worker busy.
func gatedSession(t *testing.T) (*session, *fakeServer, chan struct{}) {
	t.Helper()
	gate := make(chan struct{})
	s, srv := startTestSession(t, func(method string, params json.RawMessage) (any, bool) {
		if method == "block" {
			<-gate
		}
		return map[string]any{}, true
	})
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
	})
	return s, srv, gate
}

func TestDispatcherServesHighestPriorityFirst(t *testing.T) {
	s, srv, gate := gatedSession(t)
	d := newDispatcher(s, 1)
	defer d.drain()

	done := make(chan error, 3)
	go func() { done <- d.do(context.Background(), PriorityHigh, "block", nil, nil) }()
	require.Eventually(t, func() bool {
		return srv.requestCount("block") == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Queue low first, then critical, while the only worker is held.
	go func() { done <- d.do(context.Background(), PriorityLow, "low", nil, nil) }()
	require.Eventually(t, func() bool { return d.pending() == 2 }, 2*time.Second, time.Millisecond)
	go func() { done <- d.do(context.Background(), PriorityCritical, "critical", nil, nil) }()
	require.Eventually(t, func() bool { return d.pending() == 3 }, 2*time.Second, time.Millisecond)

	close(gate)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, []string{"block", "critical", "low"}, srv.requestOrder())
}

func TestDispatcherFIFOWithinTier(t *testing.T) {
	s, srv, gate := gatedSession(t)
	d := newDispatcher(s, 1)
	defer d.drain()

	done := make(chan error, 4)
	go func() { done <- d.do(context.Background(), PriorityHigh, "block", nil, nil) }()
	require.Eventually(t, func() bool {
		return srv.requestCount("block") == 1
	}, 2*time.Second, 5*time.Millisecond)

	for i, method := range []string{"first", "second", "third"} {
		method := method
		go func() { done <- d.do(context.Background(), PriorityMedium, method, nil, nil) }()
		expect := i + 2
		require.Eventually(t, func() bool { return d.pending() == expect }, 2*time.Second, time.Millisecond)
	}

	close(gate)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, []string{"block", "first", "second", "third"}, srv.requestOrder())
}

func TestDispatcherDrainRejectsQueued(t *testing.T) {
	s, srv, _ := gatedSession(t)
	d := newDispatcher(s, 1)

	inflight := make(chan error, 1)
	go func() { inflight <- d.do(context.Background(), PriorityHigh, "block", nil, nil) }()
	require.Eventually(t, func() bool {
		return srv.requestCount("block") == 1
	}, 2*time.Second, 5*time.Millisecond)

	queued := make(chan error, 1)
	go func() { queued <- d.do(context.Background(), PriorityLow, "low", nil, nil) }()
	require.Eventually(t, func() bool { return d.pending() == 2 }, 2*time.Second, time.Millisecond)

	d.drain()

	select {
	case err := <-queued:
		assert.ErrorIs(t, err, ErrSessionShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("queued call not rejected by drain")
	}
	assert.Equal(t, 0, srv.requestCount("low"), "rejected call must never reach the server")

	// New submissions are refused outright.
	err := d.do(context.Background(), PriorityHigh, "after", nil, nil)
	assert.ErrorIs(t, err, ErrSessionShuttingDown)
}

func TestDispatcherLapsedDeadlineNeverSent(t *testing.T) {
	s, srv, gate := gatedSession(t)
	d := newDispatcher(s, 1)
	defer d.drain()

	done := make(chan error, 1)
	go func() { done <- d.do(context.Background(), PriorityHigh, "block", nil, nil) }()
	require.Eventually(t, func() bool {
		return srv.requestCount("block") == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	late := make(chan error, 1)
	go func() { late <- d.do(ctx, PriorityLow, "late", nil, nil) }()
	require.Eventually(t, func() bool { return d.pending() == 2 }, 2*time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond) // let the deadline lapse while queued
	close(gate)

	select {
	case err := <-late:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("late call never resolved")
	}
	require.NoError(t, <-done)
	assert.Equal(t, 0, srv.requestCount("late"))
}

func TestDispatcherPendingCount(t *testing.T) {
	s, srv, gate := gatedSession(t)
	d := newDispatcher(s, 2)
	defer d.drain()

	assert.Equal(t, 0, d.pending())

	done := make(chan error, 1)
	go func() { done <- d.do(context.Background(), PriorityHigh, "block", nil, nil) }()
	require.Eventually(t, func() bool {
		return srv.requestCount("block") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.pending())

	close(gate)
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return d.pending() == 0 }, 2*time.Second, time.Millisecond)
}

func TestPriorityForMethod(t *testing.T) {
	assert.Equal(t, PriorityCritical, PriorityForMethod("textDocument/diagnostic"))
	assert.Equal(t, PriorityHigh, PriorityForMethod("textDocument/hover"))
	assert.Equal(t, PriorityHigh, PriorityForMethod("textDocument/completion"))
	assert.Equal(t, PriorityMedium, PriorityForMethod("textDocument/definition"))
	assert.Equal(t, PriorityLow, PriorityForMethod("workspace/symbol"))
	assert.Equal(t, PriorityMedium, PriorityForMethod("some/unknownMethod"))
}
