package lsp

// SessionState is the lifecycle position of one project's session. It is
// owned by the pool entry for that project and mutated only under the pool
// entry's lock.
type SessionState int

const (
	// StateUnspawned means no process exists yet.
	StateUnspawned SessionState = iota
	// StateSpawning means the process launch is in progress.
	StateSpawning
	// StateInitializing means the handshake is in progress.
	StateInitializing
	// StateReady means the session accepts requests.
	StateReady
	// StateShuttingDown means the session is draining and rejects requests.
	StateShuttingDown
	// StateTerminated means the session is gone; the pool entry is removed.
	StateTerminated
	// StateErrored means the last spawn, handshake, or run failed; a later
	// request retries after the backoff elapses.
	StateErrored
)

// String returns a human-readable state name.
func (s SessionState) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateSpawning:
		return "spawning"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting down"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// live reports whether the state counts against the pool capacity cap.
func (s SessionState) live() bool {
	switch s {
	case StateSpawning, StateInitializing, StateReady:
		return true
	default:
		return false
	}
}
