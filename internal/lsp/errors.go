package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the pool and its sessions.
var (
	// ErrBinaryNotFound indicates the language server executable could not
	// be located. Not retried automatically; the installation must be fixed.
	ErrBinaryNotFound = errors.New("language server binary not found")

	// ErrSpawnFailed indicates the server process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn language server")

	// ErrHandshakeFailed indicates the initialize handshake did not complete.
	ErrHandshakeFailed = errors.New("initialize handshake failed")

	// ErrRequestTimeout indicates a single request exceeded its deadline.
	// The session itself remains healthy.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrSessionCrashed indicates the server process exited while requests
	// were outstanding. Every pending request resolves with this error.
	ErrSessionCrashed = errors.New("session crashed")

	// ErrFramingFault indicates the length-prefixed message stream could not
	// be parsed. The stream is untrustworthy; the session must restart.
	ErrFramingFault = errors.New("wire framing fault")

	// ErrSessionShuttingDown indicates the session is draining and rejects
	// new submissions. Callers should retry shortly.
	ErrSessionShuttingDown = errors.New("session shutting down")

	// ErrPoolAtCapacity indicates no session slot became available before
	// the caller's deadline. Callers should retry shortly.
	ErrPoolAtCapacity = errors.New("session pool at capacity")

	// ErrNoProject indicates no known project contains the given file.
	ErrNoProject = errors.New("no project found for file")

	// ErrNoServer indicates no server is registered for the language.
	ErrNoServer = errors.New("no server configured for language")

	// ErrSessionClosed indicates the session has been torn down.
	ErrSessionClosed = errors.New("session closed")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager shut down")

	// ErrDocumentNotOpen indicates the document is not in the open table.
	ErrDocumentNotOpen = errors.New("document not open")
)

// RPCError represents a JSON-RPC error object from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// SessionError attaches the owning project key to a session-level failure.
type SessionError struct {
	Key ProjectKey
	Err error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (%s): %v", e.Key.Root, e.Key.Language, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}
