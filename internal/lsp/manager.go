package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolConfig tunes the session pool. Zero fields take defaults.
type PoolConfig struct {
	MaxSessions       int
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	ShutdownGrace     time.Duration
	SettleDelay       time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRSSBytes       uint64
	ResourceInterval  time.Duration
	Workers           int
	CacheCapacity     int
	CacheTTLs         CacheTTLs
}

// DefaultPoolConfig returns the stock tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSessions:       8,
		RequestTimeout:    30 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		IdleTimeout:       10 * time.Minute,
		IdleCheckInterval: time.Minute,
		ShutdownGrace:     5 * time.Second,
		SettleDelay:       2 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        60 * time.Second,
		MaxRSSBytes:       1536 << 20,
		ResourceInterval:  30 * time.Second,
		Workers:           4,
		CacheCapacity:     512,
		CacheTTLs:         DefaultCacheTTLs(),
	}
}

func (c *PoolConfig) normalize() {
	def := DefaultPoolConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = def.IdleCheckInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.ResourceInterval <= 0 {
		c.ResourceInterval = def.ResourceInterval
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = def.CacheCapacity
	}
	if c.CacheTTLs == (CacheTTLs{}) {
		c.CacheTTLs = def.CacheTTLs
	}
}

// backoffFor grows base*2^(n-1) for the nth consecutive failure, capped at max.
func backoffFor(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// entry is one pool slot: a project key plus whatever session currently
// backs it. The entry's own mutex guards its state machine; the manager's
// mutex guards only map membership.
type entry struct {
	key ProjectKey
	cfg ServerConfig

	mu         sync.Mutex
	state      SessionState
	sess       *session
	disp       *dispatcher
	docs       *docSync
	transition chan struct{} // closed when Spawning/Initializing resolves
	gen        int           // bumped per session, guards stale watchers
	pid        int
	rss        uint64
	lastUsed   time.Time
	crashes    int
	backoff    time.Duration
	retryAt    time.Time
	lastErr    error
}

// SessionStatus is an introspection snapshot of one pool slot.
type SessionStatus struct {
	Key       ProjectKey
	State     SessionState
	PID       int
	RSSBytes  uint64
	Pending   int
	OpenDocs  int
	Crashes   int
	Backoff   time.Duration
	LastUsed  time.Time
	LastError string
}

func (e *entry) status() SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := SessionStatus{
		Key:      e.key,
		State:    e.state,
		PID:      e.pid,
		RSSBytes: e.rss,
		Crashes:  e.crashes,
		Backoff:  e.backoff,
		LastUsed: e.lastUsed,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	if e.disp != nil {
		st.Pending = e.disp.pending()
	}
	if e.docs != nil {
		st.OpenDocs = e.docs.openCount()
	}
	return st
}

// SessionNotification tags a server push with its originating project.
type SessionNotification struct {
	Key ProjectKey
	Notification
}

// Manager owns the pool of language server sessions: at most one live
// session per project key, created on first demand, retired on idle or
// memory pressure, respawned with backoff after crashes.
type Manager struct {
	cfg      PoolConfig
	registry map[string]ServerConfig
	detector *Detector
	cache    *responseCache

	// injectable for tests
	spawn    spawner
	sample   memSampler
	readFile func(string) ([]byte, error)

	mu      sync.Mutex
	entries map[ProjectKey]*entry
	waiters []chan struct{} // capacity waiters, broadcast on any slot release
	closed  bool

	notifyCh chan SessionNotification

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a pool rooted at root. A nil registry autodetects
// servers on PATH. The returned manager runs its idle and resource monitors
// until Shutdown.
func NewManager(root string, registry map[string]ServerConfig, cfg PoolConfig) *Manager {
	cfg.normalize()
	if registry == nil {
		registry = AutoDetectServers()
	}
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		detector: NewDetector(root, registry),
		cache:    newResponseCache(cfg.CacheCapacity, cfg.CacheTTLs),
		spawn:    execSpawner{},
		sample:   sampleRSS,
		readFile: os.ReadFile,
		entries:  make(map[ProjectKey]*entry),
		notifyCh: make(chan SessionNotification, 256),
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(2)
	go m.idleLoop()
	go m.resourceLoop()
	return m
}

// Detector exposes project detection for callers that map files to keys.
func (m *Manager) Detector() *Detector { return m.detector }

// Notifications is the merged stream of server pushes across all sessions.
// Delivery is best effort.
func (m *Manager) Notifications() <-chan SessionNotification { return m.notifyCh }

// Submit routes one request to the project's session, spawning it if
// needed. The context deadline bounds the whole operation; without one the
// configured request timeout applies.
func (m *Manager) Submit(ctx context.Context, key ProjectKey, method string, params any, priority Priority) (json.RawMessage, error) {
	return m.submit(ctx, key, "", nil, method, params, priority)
}

// SubmitFile is Submit for file-scoped requests: the project is detected
// from the file, and the file's current content is synchronized to the
// server before the request runs.
func (m *Manager) SubmitFile(ctx context.Context, path, method string, params any, priority Priority) (json.RawMessage, error) {
	key, _, err := m.detector.ProjectForFile(path)
	if err != nil {
		return nil, err
	}
	content, err := m.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m.submit(ctx, key, path, content, method, params, priority)
}

func (m *Manager) submit(ctx context.Context, key ProjectKey, file string, content []byte, method string, params any, priority Priority) (json.RawMessage, error) {
	cfg, ok := m.registry[key.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoServer, key.Language)
	}

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RequestTimeout)
		defer cancel()
	}

	var fp fingerprint
	if file != "" {
		fp = fingerprintOf(content)
	}
	var ckey string
	if cacheableMethod(method) {
		ckey = cacheKey(key, method, params)
		if res, ok := m.cache.lookup(ckey, fp); ok {
			return res, nil
		}
	}

	e, err := m.acquire(ctx, key, cfg)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	sess, disp, docs := e.sess, e.disp, e.docs
	e.lastUsed = time.Now()
	e.mu.Unlock()
	if sess == nil {
		// Crashed between acquisition and use.
		return nil, &SessionError{Key: key, Err: ErrSessionCrashed}
	}

	if file != "" {
		if _, err := docs.ensureOpen(sess, file, content); err != nil {
			return nil, &SessionError{Key: key, Err: err}
		}
	}

	var result json.RawMessage
	if err := disp.do(ctx, priority, method, params, &result); err != nil {
		return nil, err
	}

	if ckey != "" {
		m.cache.store(ckey, result, file, fp, method)
	}
	return result, nil
}

// cacheableMethod gates which responses enter the cache. Only idempotent
// read-style queries qualify.
func cacheableMethod(method string) bool {
	switch method {
	case "textDocument/hover",
		"textDocument/completion",
		"textDocument/definition",
		"textDocument/references",
		"textDocument/documentSymbol",
		"textDocument/signatureHelp",
		"textDocument/diagnostic",
		"workspace/symbol":
		return true
	}
	return false
}

// acquire resolves key to a Ready entry, spawning or respawning as the
// state machine allows. Exactly one caller drives any given spawn; racers
// wait on the transition channel.
func (m *Manager) acquire(ctx context.Context, key ProjectKey, cfg ServerConfig) (*entry, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		e, ok := m.entries[key]
		if !ok {
			if m.liveCountLocked() >= m.cfg.MaxSessions {
				victim := m.evictableLocked()
				if victim == nil {
					w := make(chan struct{})
					m.waiters = append(m.waiters, w)
					m.mu.Unlock()
					select {
					case <-w:
						continue
					case <-m.stopCh:
						return nil, ErrManagerClosed
					case <-ctx.Done():
						m.dropWaiter(w)
						if errors.Is(ctx.Err(), context.DeadlineExceeded) {
							return nil, &SessionError{Key: key, Err: ErrPoolAtCapacity}
						}
						return nil, ctx.Err()
					}
				}
				m.mu.Unlock()
				m.retire(victim, "evicted for capacity", true)
				continue
			}
			e = &entry{key: key, cfg: cfg, state: StateUnspawned, lastUsed: time.Now()}
			m.entries[key] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		switch e.state {
		case StateReady:
			e.lastUsed = time.Now()
			e.mu.Unlock()
			return e, nil

		case StateUnspawned:
			e.state = StateSpawning
			e.transition = make(chan struct{})
			e.mu.Unlock()
			if err := m.startSession(e); err != nil {
				return nil, &SessionError{Key: key, Err: err}
			}

		case StateSpawning, StateInitializing:
			ch := e.transition
			e.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, &SessionError{Key: key, Err: ErrRequestTimeout}
				}
				return nil, ctx.Err()
			}

		case StateErrored:
			if time.Now().Before(e.retryAt) {
				err := e.lastErr
				e.mu.Unlock()
				return nil, &SessionError{Key: key, Err: err}
			}
			e.state = StateSpawning
			e.transition = make(chan struct{})
			e.mu.Unlock()
			if err := m.startSession(e); err != nil {
				return nil, &SessionError{Key: key, Err: err}
			}

		case StateShuttingDown:
			e.mu.Unlock()
			return nil, &SessionError{Key: key, Err: ErrSessionShuttingDown}

		case StateTerminated:
			e.mu.Unlock()
			m.removeEntry(e)
		}
	}
}

// liveCountLocked counts slots holding, or about to hold, a process.
func (m *Manager) liveCountLocked() int {
	n := 0
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state.live() || e.state == StateUnspawned || e.state == StateShuttingDown {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// evictableLocked picks the least recently used Ready entry with no pending
// work, or nil.
func (m *Manager) evictableLocked() *entry {
	var victim *entry
	var oldest time.Time
	for _, e := range m.entries {
		e.mu.Lock()
		ok := e.state == StateReady && e.disp.pending() == 0
		used := e.lastUsed
		e.mu.Unlock()
		if ok && (victim == nil || used.Before(oldest)) {
			victim = e
			oldest = used
		}
	}
	return victim
}

func (m *Manager) dropWaiter(w chan struct{}) {
	m.mu.Lock()
	for i, o := range m.waiters {
		if o == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// removeEntry deletes e from the pool if it is still the current occupant
// of its slot, then wakes capacity waiters.
func (m *Manager) removeEntry(e *entry) {
	m.mu.Lock()
	if cur, ok := m.entries[e.key]; ok && cur == e {
		delete(m.entries, e.key)
	}
	for _, w := range m.waiters {
		close(w)
	}
	m.waiters = nil
	m.mu.Unlock()
}

func (m *Manager) notifySlot() {
	m.mu.Lock()
	for _, w := range m.waiters {
		close(w)
	}
	m.waiters = nil
	m.mu.Unlock()
}

// startSession spawns and initializes a server for e. The caller has
// already moved e to Spawning and owns the transition. Handshake runs on a
// background context so a single impatient caller cannot strand the racers
// waiting on the same spawn.
func (m *Manager) startSession(e *entry) error {
	slog.Info("spawning language server",
		"language", e.key.Language, "project", e.key.Root, "command", e.cfg.Command)

	proc, err := m.spawn.Spawn(context.Background(), e.cfg.Command, e.cfg.Args, e.key.Root)
	if err != nil {
		m.markErrored(e, err)
		return err
	}

	e.mu.Lock()
	e.state = StateInitializing
	e.pid = proc.PID()
	e.mu.Unlock()

	sess := newSession(e.key, proc)
	if err := sess.initialize(context.Background(), fileURI(e.key.Root), e.cfg.InitOptions, m.cfg.HandshakeTimeout); err != nil {
		_ = sess.shutdown(m.cfg.ShutdownGrace)
		m.markErrored(e, err)
		return err
	}

	disp := newDispatcher(sess, m.cfg.Workers)
	docs := newDocSync(e.key.Language, m.cfg.SettleDelay)

	e.mu.Lock()
	e.sess, e.disp, e.docs = sess, disp, docs
	e.state = StateReady
	e.crashes = 0
	e.backoff = 0
	e.lastErr = nil
	e.lastUsed = time.Now()
	e.gen++
	gen := e.gen
	close(e.transition)
	e.transition = nil
	e.mu.Unlock()

	slog.Info("language server ready",
		"language", e.key.Language, "project", e.key.Root, "pid", proc.PID())

	go m.watchCrash(e, sess, disp, gen)
	go m.forwardNotifications(e.key, sess)
	return nil
}

// markErrored records a spawn or crash failure and schedules the retry
// window.
func (m *Manager) markErrored(e *entry, cause error) {
	e.mu.Lock()
	e.crashes++
	e.backoff = backoffFor(e.crashes, m.cfg.BackoffBase, m.cfg.BackoffMax)
	e.retryAt = time.Now().Add(e.backoff)
	e.lastErr = cause
	e.state = StateErrored
	e.sess, e.disp, e.docs = nil, nil, nil
	e.pid = 0
	e.rss = 0
	if e.transition != nil {
		close(e.transition)
		e.transition = nil
	}
	crashes := e.crashes
	backoff := e.backoff
	e.mu.Unlock()

	slog.Warn("session errored",
		"language", e.key.Language, "project", e.key.Root,
		"error", cause, "failures", crashes, "backoff", backoff)

	m.cache.invalidateProject(e.key)
	m.notifySlot()
}

// watchCrash turns an unexpected session death into the Errored state. The
// generation guard keeps a stale watcher from touching a successor session.
func (m *Manager) watchCrash(e *entry, sess *session, disp *dispatcher, gen int) {
	select {
	case <-sess.failed:
	case <-m.stopCh:
		return
	}

	cause := sess.failError()
	if errors.Is(cause, ErrSessionClosed) {
		return
	}

	e.mu.Lock()
	if e.gen != gen || e.state != StateReady {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	disp.drain()
	m.markErrored(e, cause)
}

func (m *Manager) forwardNotifications(key ProjectKey, sess *session) {
	for {
		select {
		case n := <-sess.notifications():
			select {
			case m.notifyCh <- SessionNotification{Key: key, Notification: n}:
			default:
			}
		case <-sess.failed:
			return
		case <-m.stopCh:
			return
		}
	}
}

// retire walks a Ready entry through ShuttingDown to Terminated and
// removes it from the pool. With onlyIdle set the retirement is abandoned
// when requests are in flight or queued; the pending check happens under
// the entry lock, so a caller that raced in through acquire is not cut off.
func (m *Manager) retire(e *entry, reason string, onlyIdle bool) (bool, error) {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return false, nil
	}
	if onlyIdle && e.disp.pending() > 0 {
		e.mu.Unlock()
		return false, nil
	}
	e.state = StateShuttingDown
	e.gen++
	sess, disp := e.sess, e.disp
	e.sess, e.disp, e.docs = nil, nil, nil
	e.mu.Unlock()

	disp.drain()
	err := sess.shutdown(m.cfg.ShutdownGrace)

	e.mu.Lock()
	e.state = StateTerminated
	e.pid = 0
	e.rss = 0
	e.mu.Unlock()

	m.removeEntry(e)
	slog.Info("session retired",
		"language", e.key.Language, "project", e.key.Root, "reason", reason)
	return true, err
}

// teardown drives whatever state e's slot is in down to removal.
func (m *Manager) teardown(ctx context.Context, key ProjectKey, reason string) error {
	for {
		m.mu.Lock()
		e, ok := m.entries[key]
		m.mu.Unlock()
		if !ok {
			return nil
		}

		e.mu.Lock()
		switch e.state {
		case StateSpawning, StateInitializing:
			ch := e.transition
			e.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}

		case StateReady:
			e.mu.Unlock()
			_, err := m.retire(e, reason, false)
			return err

		case StateShuttingDown:
			e.mu.Unlock()
			return m.waitRemoved(ctx, e)

		default: // Unspawned, Errored, Terminated: no process to stop
			e.state = StateTerminated
			e.mu.Unlock()
			m.removeEntry(e)
			return nil
		}
	}
}

// waitRemoved blocks until e leaves the pool, rechecking on every slot
// release broadcast.
func (m *Manager) waitRemoved(ctx context.Context, e *entry) error {
	for {
		m.mu.Lock()
		if cur, ok := m.entries[e.key]; !ok || cur != e {
			m.mu.Unlock()
			return nil
		}
		w := make(chan struct{})
		m.waiters = append(m.waiters, w)
		m.mu.Unlock()
		select {
		case <-w:
		case <-ctx.Done():
			m.dropWaiter(w)
			return ctx.Err()
		}
	}
}

// ForceStop tears down the project's session if one exists. It also clears
// any Errored backoff state, so the next request spawns immediately.
func (m *Manager) ForceStop(ctx context.Context, key ProjectKey) error {
	return m.teardown(ctx, key, "forced stop")
}

// ForceRestart tears the session down, drops its cached responses, and
// spawns a fresh one before returning.
func (m *Manager) ForceRestart(ctx context.Context, key ProjectKey) error {
	cfg, ok := m.registry[key.Language]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoServer, key.Language)
	}
	if err := m.teardown(ctx, key, "forced restart"); err != nil {
		return err
	}
	m.cache.invalidateProject(key)
	_, err := m.acquire(ctx, key, cfg)
	return err
}

// FileChanged drops cached responses that depended on the file, along with
// the owning project's file-independent results. Document content itself is
// re-synchronized lazily on the next file-scoped request.
func (m *Manager) FileChanged(path string) {
	m.cache.invalidateFile(path)
	if key, _, err := m.detector.ProjectForFile(path); err == nil {
		m.cache.invalidateProjectWide(key)
	}
}

// Status reports the state of one slot. A key with no entry reports
// Unspawned.
func (m *Manager) Status(key ProjectKey) (SessionStatus, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return SessionStatus{Key: key, State: StateUnspawned}, false
	}
	return e.status(), true
}

// Sessions snapshots every slot, sorted by key.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Root != out[j].Key.Root {
			return out[i].Key.Root < out[j].Key.Root
		}
		return out[i].Key.Language < out[j].Key.Language
	})
	return out
}

// CacheStats reports response cache counters.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.stats()
}

// PoolStats aggregates pool-wide counters across every slot.
type PoolStats struct {
	Sessions     int
	Ready        int
	Errored      int
	Pending      int
	OpenDocs     int
	TotalCrashes int
	Cache        CacheStats
}

// Stats snapshots the whole pool: session counts by health, in-flight work,
// open documents, lifetime crash total, and cache effectiveness.
func (m *Manager) Stats() PoolStats {
	st := PoolStats{Cache: m.cache.stats()}
	for _, s := range m.Sessions() {
		st.Sessions++
		switch s.State {
		case StateReady:
			st.Ready++
		case StateErrored:
			st.Errored++
		}
		st.Pending += s.Pending
		st.OpenDocs += s.OpenDocs
		st.TotalCrashes += s.Crashes
	}
	return st
}

func (m *Manager) idleLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.IdleCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.reapIdle()
		}
	}
}

// reapIdle retires Ready sessions with no pending work whose last use is
// past the idle timeout.
func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	var victims []*entry
	m.mu.Lock()
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state == StateReady && e.lastUsed.Before(cutoff) && e.disp.pending() == 0 {
			victims = append(victims, e)
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	for _, e := range victims {
		m.retire(e, "idle timeout", true)
	}
}

func (m *Manager) resourceLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.ResourceInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.checkResources()
		}
	}
}

// checkResources samples resident memory of every live server and retires
// any that crossed the ceiling. The retirement is graceful and does not
// count as a crash; the next request respawns the server.
func (m *Manager) checkResources() {
	if m.cfg.MaxRSSBytes == 0 {
		return
	}

	type target struct {
		e   *entry
		pid int
	}
	var targets []target
	m.mu.Lock()
	sample := m.sample
	for _, e := range m.entries {
		e.mu.Lock()
		if e.state == StateReady && e.pid > 0 {
			targets = append(targets, target{e, e.pid})
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	for _, t := range targets {
		rss, err := sample(t.pid)
		if err != nil {
			continue
		}
		t.e.mu.Lock()
		t.e.rss = rss
		t.e.mu.Unlock()
		if rss > m.cfg.MaxRSSBytes {
			slog.Warn("memory ceiling exceeded",
				"language", t.e.key.Language, "project", t.e.key.Root,
				"rss_mb", rss>>20, "limit_mb", m.cfg.MaxRSSBytes>>20)
			// The restart is proactive, not an error: never cut off in-flight
			// requests. A busy session is retried on the next interval.
			if retired, _ := m.retire(t.e, "memory ceiling", true); !retired {
				slog.Debug("memory ceiling restart deferred, requests in flight",
					"language", t.e.key.Language, "project", t.e.key.Root)
			}
		}
	}
}

// Shutdown stops the monitors and tears every session down concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	keys := make([]ProjectKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return m.teardown(gctx, key, "shutdown")
		})
	}
	return g.Wait()
}
