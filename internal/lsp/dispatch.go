package lsp

import (
	"context"
	"sync"
	"sync/atomic"
)

// Priority orders request dispatch. Lower values are served first.
type Priority int

const (
	// PriorityCritical is for diagnostics and error surfacing.
	PriorityCritical Priority = iota
	// PriorityHigh is for user-facing lookups: hover, completion.
	PriorityHigh
	// PriorityMedium is for navigation: definitions, references.
	PriorityMedium
	// PriorityLow is for background queries: symbol listings.
	PriorityLow

	numPriorities
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// PriorityForMethod maps a protocol method onto its default tier.
func PriorityForMethod(method string) Priority {
	switch method {
	case "textDocument/publishDiagnostics", "textDocument/diagnostic":
		return PriorityCritical
	case "textDocument/hover", "textDocument/completion":
		return PriorityHigh
	case "textDocument/definition", "textDocument/typeDefinition", "textDocument/references":
		return PriorityMedium
	case "textDocument/documentSymbol", "workspace/symbol":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// queuedCall is one submission waiting for a dispatch worker.
type queuedCall struct {
	ctx    context.Context
	method string
	params any
	result any
	done   chan error // single-use result slot
}

// dispatcher serializes a session's requests through a small worker set,
// highest priority first, FIFO within a tier. There is no aging across
// tiers: a continuous stream of critical requests can starve lower tiers.
type dispatcher struct {
	sess *session

	mu       sync.Mutex
	queues   [numPriorities][]*queuedCall
	draining bool

	wake chan struct{}
	stop chan struct{}

	outstanding atomic.Int64 // queued + in flight
	wg          sync.WaitGroup
}

func newDispatcher(sess *session, workers int) *dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &dispatcher{
		sess: sess,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// do submits a call and blocks until it resolves: response, deadline, crash,
// or shutdown rejection.
func (d *dispatcher) do(ctx context.Context, priority Priority, method string, params, result any) error {
	if priority < PriorityCritical || priority >= numPriorities {
		priority = PriorityMedium
	}

	qc := &queuedCall{
		ctx:    ctx,
		method: method,
		params: params,
		result: result,
		done:   make(chan error, 1),
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return ErrSessionShuttingDown
	}
	d.queues[priority] = append(d.queues[priority], qc)
	d.outstanding.Add(1)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	return <-qc.done
}

// pop removes the highest-priority queued call, or nil.
func (d *dispatcher) pop() *queuedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.queues {
		if len(d.queues[i]) > 0 {
			qc := d.queues[i][0]
			d.queues[i] = d.queues[i][1:]
			return qc
		}
	}
	return nil
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for {
		qc := d.pop()
		if qc == nil {
			select {
			case <-d.wake:
				continue
			case <-d.stop:
				return
			}
		}

		// A call whose deadline lapsed while queued is not sent at all.
		if err := qc.ctx.Err(); err != nil {
			qc.done <- timeoutErr(qc.ctx, qc.method)
			d.outstanding.Add(-1)
			continue
		}

		qc.done <- d.sess.call(qc.ctx, qc.method, qc.params, qc.result)
		d.outstanding.Add(-1)
	}
}

func timeoutErr(ctx context.Context, method string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &timeoutError{method: method}
	}
	return ctx.Err()
}

// timeoutError wraps ErrRequestTimeout with the method that missed its
// deadline while still queued.
type timeoutError struct {
	method string
}

func (e *timeoutError) Error() string { return ErrRequestTimeout.Error() + ": " + e.method }
func (e *timeoutError) Unwrap() error { return ErrRequestTimeout }

// pending reports queued plus in-flight submissions, the count the pool
// consults before evicting a session.
func (d *dispatcher) pending() int {
	return int(d.outstanding.Load())
}

// drain rejects all queued submissions and refuses new ones. In-flight
// calls resolve through the session (normally or via its crash sweep).
func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	var rejected []*queuedCall
	for i := range d.queues {
		rejected = append(rejected, d.queues[i]...)
		d.queues[i] = nil
	}
	d.mu.Unlock()

	for _, qc := range rejected {
		qc.done <- ErrSessionShuttingDown
		d.outstanding.Add(-1)
	}
	close(d.stop)
}
