package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ProjectKey identifies a logical session: one project root, one language.
type ProjectKey struct {
	Root     string
	Language string
}

func (k ProjectKey) String() string {
	return k.Root + ":" + k.Language
}

// Notification is a server-initiated message without a correlation id.
// Delivery is best effort; no request ever waits on one.
type Notification struct {
	Method string
	Params json.RawMessage
}

// request is a JSON-RPC request or, with ID omitted, a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is a JSON-RPC response correlated by ID.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// session runs the protocol over one spawned process: the initialize
// handshake, request/response correlation, and notification delivery. The
// process handle is owned exclusively by the session.
type session struct {
	key  ProjectKey
	proc process

	writeMu sync.Mutex // serializes frame writes to stdin

	nextID  atomic.Int64
	mu      sync.Mutex // guards pending
	pending map[int64]chan *response

	notifyCh chan Notification

	// failed is closed exactly once when the stream dies (process exit or
	// framing fault). failCause is set before the close.
	failed    chan struct{}
	failOnce  sync.Once
	failCause error

	closed atomic.Bool

	capabilities json.RawMessage
}

func newSession(key ProjectKey, proc process) *session {
	s := &session{
		key:      key,
		proc:     proc,
		pending:  make(map[int64]chan *response),
		notifyCh: make(chan Notification, 64),
		failed:   make(chan struct{}),
	}
	go s.readLoop()
	go s.watchExit()
	return s
}

// watchExit observes the one-shot process exit signal.
func (s *session) watchExit() {
	err := <-s.proc.Exit()
	if s.closed.Load() {
		return
	}
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrSessionCrashed, err))
	} else {
		s.fail(ErrSessionCrashed)
	}
}

// readLoop decodes frames until the stream ends or faults. Responses are
// routed by correlation id; messages without an id go to the notification
// channel, dropped if the subscriber is slow.
func (s *session) readLoop() {
	fr := newFrameReader(s.proc.Stdout())
	for {
		raw, err := fr.Next()
		if err != nil {
			if s.closed.Load() {
				return
			}
			switch {
			case errors.Is(err, ErrFramingFault):
				slog.Warn("framing fault, failing session", "project", s.key.Root, "error", err)
				s.fail(err)
			case err == io.EOF || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed):
				// Exit watcher reports the crash; nothing to decode here.
			default:
				s.fail(fmt.Errorf("%w: read: %v", ErrSessionCrashed, err))
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *session) dispatch(raw json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	if probe.ID != nil && probe.Method == "" {
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- &resp // buffered, single-use slot
		}
		return
	}

	if probe.Method != "" {
		var params json.RawMessage
		var notif struct {
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &notif); err == nil {
			params = notif.Params
		}
		select {
		case s.notifyCh <- Notification{Method: probe.Method, Params: params}:
		default:
			// Subscriber absent or slow; pushes are best effort.
		}
	}
}

// fail resolves every pending request with cause and marks the session dead.
// At most one resolution per request ever occurs.
func (s *session) fail(cause error) {
	s.failOnce.Do(func() {
		s.failCause = cause
		close(s.failed)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[int64]chan *response)
		s.mu.Unlock()

		for id, ch := range pending {
			ch <- &response{ID: id, Error: &RPCError{Code: CodeInternalError, Message: cause.Error()}}
		}
		if len(pending) > 0 {
			slog.Debug("failed pending requests", "project", s.key.Root, "count", len(pending))
		}
	})
}

// failError reports why the session died, once failed is closed.
func (s *session) failError() error {
	select {
	case <-s.failed:
		return s.failCause
	default:
		return nil
	}
}

// send encodes and writes one frame.
func (s *session) send(msg any) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.proc.Stdin().Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// initializeParams is the handshake request payload.
type initializeParams struct {
	ProcessID             int             `json:"processId"`
	RootURI               string          `json:"rootUri"`
	Capabilities          map[string]any  `json:"capabilities"`
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

type initializeResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

// initialize runs the handshake: an initialize request awaited within
// timeout, then the initialized notification. Any failure is fatal to the
// session.
func (s *session) initialize(ctx context.Context, rootURI string, initOptions json.RawMessage, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := initializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		Capabilities:          defaultClientCapabilities(),
		InitializationOptions: initOptions,
	}

	var result initializeResult
	if err := s.call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.capabilities = result.Capabilities

	if err := s.notify("initialized", struct{}{}); err != nil {
		return fmt.Errorf("%w: initialized notification: %v", ErrHandshakeFailed, err)
	}
	return nil
}

// call sends a request and waits for the correlated response, the context
// deadline, or session death, whichever happens first.
func (s *session) call(ctx context.Context, method string, params, result any) error {
	if err := s.failError(); err != nil {
		return err
	}

	id := s.nextID.Add(1)
	ch := make(chan *response, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	// A failure that raced the registration above has already swept the
	// pending map; this slot would never resolve.
	if err := s.failError(); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return err
	}

	req := &request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := s.send(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		if cause := s.failError(); cause != nil {
			return cause
		}
		return err
	}

	select {
	case <-ctx.Done():
		// Abandon the slot; the server is not interrupted and a late
		// response is dropped in dispatch.
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			if cause := s.failError(); cause != nil {
				return cause
			}
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}
}

// notify sends a fire-and-forget notification.
func (s *session) notify(method string, params any) error {
	if err := s.failError(); err != nil {
		return err
	}
	return s.send(&request{JSONRPC: "2.0", Method: method, Params: params})
}

// notifications returns the subscriber channel for server pushes.
func (s *session) notifications() <-chan Notification {
	return s.notifyCh
}

// shutdown runs the cooperative protocol exit then terminates the process.
func (s *session) shutdown(grace time.Duration) error {
	s.closed.Store(true)

	if s.failError() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		_ = s.call(ctx, "shutdown", nil, nil)
		_ = s.notify("exit", nil)
		cancel()
	}

	err := s.proc.Terminate(grace)
	s.fail(ErrSessionClosed)
	return err
}

// defaultClientCapabilities advertises the subset of the protocol the pool
// actually uses: full-sync documents and plain request/response features.
func defaultClientCapabilities() map[string]any {
	return map[string]any{
		"textDocument": map[string]any{
			"synchronization": map[string]any{
				"didSave":             true,
				"dynamicRegistration": false,
			},
			"hover": map[string]any{
				"contentFormat": []string{"markdown", "plaintext"},
			},
			"publishDiagnostics": map[string]any{
				"relatedInformation": true,
			},
		},
		"workspace": map[string]any{
			"symbol":        map[string]any{},
			"configuration": false,
		},
	}
}
