package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProc implements process over in-memory pipes.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exitCh  chan error
	pid     int

	killed     atomic.Bool
	terminated atomic.Bool
}

func newFakeProc(pid int) *fakeProc {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeProc{
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		exitCh:  make(chan error, 1),
		pid:     pid,
	}
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Exit() <-chan error    { return p.exitCh }
func (p *fakeProc) PID() int              { return p.pid }

func (p *fakeProc) Terminate(grace time.Duration) error {
	p.terminated.Store(true)
	p.kill(nil)
	return nil
}

// kill ends the fake process, delivering cause as its exit result. Closing
// the pipes unblocks both the session's read loop and the server loop.
func (p *fakeProc) kill(cause error) {
	if !p.killed.CompareAndSwap(false, true) {
		return
	}
	p.stdinW.Close()
	p.stdinR.Close()
	p.stdoutW.Close()
	p.stdoutR.Close()
	p.exitCh <- cause
}

type fakeMessage struct {
	method string
	params json.RawMessage
}

// replyFunc scripts responses for methods the server does not handle by
// default. Returning reply=false swallows the request, leaving the caller
// hanging.
type replyFunc func(method string, params json.RawMessage) (result any, reply bool)

// fakeServer speaks the server side of the framed protocol over a fakeProc.
// It answers initialize and shutdown itself and delegates everything else to
// its reply function.
type fakeServer struct {
	proc    *fakeProc
	writeMu sync.Mutex

	mu       sync.Mutex
	requests []fakeMessage
	notes    []fakeMessage

	reply replyFunc

	// muteInitialize swallows the handshake request, for timeout tests.
	muteInitialize bool
}

func startFakeServer(reply replyFunc) *fakeServer {
	return startFakeServerOpts(reply, false)
}

func startFakeServerOpts(reply replyFunc, muteInit bool) *fakeServer {
	srv := &fakeServer{proc: newFakeProc(4242), reply: reply, muteInitialize: muteInit}
	go srv.serve()
	return srv
}

func (s *fakeServer) serve() {
	fr := newFrameReader(s.proc.stdinR)
	for {
		raw, err := fr.Next()
		if err != nil {
			return
		}
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		if msg.ID == nil {
			s.mu.Lock()
			s.notes = append(s.notes, fakeMessage{msg.Method, msg.Params})
			s.mu.Unlock()
			if msg.Method == "exit" {
				s.proc.kill(nil)
				return
			}
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, fakeMessage{msg.Method, msg.Params})
		s.mu.Unlock()
		go s.respond(*msg.ID, msg.Method, msg.Params)
	}
}

func (s *fakeServer) respond(id int64, method string, params json.RawMessage) {
	var result any
	switch method {
	case "initialize":
		if s.muteInitialize {
			return
		}
		result = map[string]any{"capabilities": map[string]any{}}
	case "shutdown":
		result = nil
	default:
		if s.reply == nil {
			result = map[string]any{"ok": true}
		} else {
			r, reply := s.reply(method, params)
			if !reply {
				return
			}
			result = r
		}
	}
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeServer) send(msg any) {
	frame, err := encodeFrame(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.proc.stdoutW.Write(frame)
}

// sendRaw writes bytes to the session's read side verbatim.
func (s *fakeServer) sendRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.proc.stdoutW.Write(b)
}

// push sends a server-initiated notification.
func (s *fakeServer) push(method string, params any) {
	s.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *fakeServer) crash(cause error) {
	s.proc.kill(cause)
}

// requestCount counts requests (with ids) for one method.
func (s *fakeServer) requestCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.requests {
		if m.method == method {
			n++
		}
	}
	return n
}

// noteCount counts notifications for one method.
func (s *fakeServer) noteCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.notes {
		if m.method == method {
			n++
		}
	}
	return n
}

// lastNote returns the params of the most recent notification for method.
func (s *fakeServer) lastNote(method string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.notes) - 1; i >= 0; i-- {
		if s.notes[i].method == method {
			return s.notes[i].params, true
		}
	}
	return nil, false
}

// requestOrder returns the methods of all requests after initialize, in
// arrival order.
func (s *fakeServer) requestOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.requests {
		if m.method == "initialize" || m.method == "shutdown" {
			continue
		}
		out = append(out, m.method)
	}
	return out
}

// fakeSpawner hands out fakeServer-backed processes and can be scripted to
// fail its first spawns.
type fakeSpawner struct {
	reply replyFunc

	failTimes      int32 // this many leading spawns fail
	spawnErr       error
	muteInitialize bool

	spawns  atomic.Int32
	mu      sync.Mutex
	servers []*fakeServer
}

func (f *fakeSpawner) Spawn(ctx context.Context, command string, args []string, dir string) (process, error) {
	n := f.spawns.Add(1)
	if n <= f.failTimes {
		if f.spawnErr != nil {
			return nil, f.spawnErr
		}
		return nil, fmt.Errorf("%w: scripted failure", ErrSpawnFailed)
	}
	srv := startFakeServerOpts(f.reply, f.muteInitialize)
	f.mu.Lock()
	f.servers = append(f.servers, srv)
	f.mu.Unlock()
	return srv.proc, nil
}

func (f *fakeSpawner) server(i int) *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.servers) {
		return nil
	}
	return f.servers[i]
}

func (f *fakeSpawner) lastServer() *fakeServer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.servers) == 0 {
		return nil
	}
	return f.servers[len(f.servers)-1]
}

// totalRequests counts one method across every server ever spawned.
func (f *fakeSpawner) totalRequests(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, srv := range f.servers {
		n += srv.requestCount(method)
	}
	return n
}

// hangReply swallows the named method and answers everything else.
func hangReply(hung string) replyFunc {
	return func(method string, params json.RawMessage) (any, bool) {
		if method == hung {
			return nil, false
		}
		return map[string]any{"ok": true}, true
	}
}

// testPoolConfig is DefaultPoolConfig scaled down for test speed. Monitors
// are effectively disabled unless a test tunes them back in.
func testPoolConfig() PoolConfig {
	return PoolConfig{
		RequestTimeout:    2 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		IdleTimeout:       time.Hour,
		IdleCheckInterval: time.Hour,
		ShutdownGrace:     200 * time.Millisecond,
		BackoffBase:       20 * time.Millisecond,
		BackoffMax:        160 * time.Millisecond,
		ResourceInterval:  time.Hour,
	}
}

func testRegistry() map[string]ServerConfig {
	return map[string]ServerConfig{
		"go": {
			Language:   "go",
			Command:    "fake-gopls",
			Markers:    []string{"go.mod"},
			Extensions: []string{".go"},
		},
	}
}

// newTestManager wires a manager to a fake spawner and cleans it up with the
// test.
func newTestManager(t *testing.T, cfg PoolConfig, sp *fakeSpawner) *Manager {
	t.Helper()
	return newTestManagerAt(t, t.TempDir(), cfg, sp)
}

func newTestManagerAt(t *testing.T, root string, cfg PoolConfig, sp *fakeSpawner) *Manager {
	t.Helper()
	m := NewManager(root, testRegistry(), cfg)
	m.mu.Lock()
	m.spawn = sp
	m.mu.Unlock()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// startTestSession spawns a fake server and completes the handshake.
func startTestSession(t *testing.T, reply replyFunc) (*session, *fakeServer) {
	t.Helper()
	srv := startFakeServer(reply)
	s := newSession(ProjectKey{Root: "/proj", Language: "go"}, srv.proc)
	t.Cleanup(func() { _ = s.shutdown(100 * time.Millisecond) })
	if err := s.initialize(context.Background(), "file:///proj", nil, 2*time.Second); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s, srv
}
