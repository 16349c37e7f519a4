// Package lsp manages a pool of external language server processes, one per
// detected project, speaking JSON-RPC over stdin/stdout with Content-Length
// framing.
//
// The Manager is the entry point: Submit and SubmitFile route requests to
// the right session, spawning servers on first demand and handling the full
// lifecycle after that: initialize handshakes, document synchronization,
// response caching, crash recovery with exponential backoff, idle and
// memory-pressure retirement, and a capacity cap with least-recently-used
// eviction.
package lsp
