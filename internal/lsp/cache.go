package lsp

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheTTLs holds per-method retention periods. Diagnostics age slowly (the
// server pushes fresh ones on change), completions age fast.
type CacheTTLs struct {
	Diagnostics time.Duration
	Hover       time.Duration
	Completion  time.Duration
	Symbols     time.Duration
	Default     time.Duration
}

// DefaultCacheTTLs mirrors the retention the system has always shipped with.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Diagnostics: 5 * time.Minute,
		Hover:       time.Minute,
		Completion:  30 * time.Second,
		Symbols:     10 * time.Minute,
		Default:     time.Minute,
	}
}

// ttlFor picks the retention for a protocol method.
func (c CacheTTLs) ttlFor(method string) time.Duration {
	switch method {
	case "textDocument/publishDiagnostics", "textDocument/diagnostic":
		return c.Diagnostics
	case "textDocument/hover":
		return c.Hover
	case "textDocument/completion":
		return c.Completion
	case "textDocument/documentSymbol", "workspace/symbol":
		return c.Symbols
	default:
		return c.Default
	}
}

// cacheEntry is one stored response plus the evidence needed to revalidate it.
type cacheEntry struct {
	value   json.RawMessage
	fp      fingerprint // input fingerprint at creation time
	file    string      // file the entry depends on, "" for project-wide
	expires time.Time
}

// responseCache fronts dispatch with fingerprint-validated results. Capacity
// and a ceiling TTL come from the LRU; per-entry TTLs are enforced on read.
// An entry is never served after a write to its file has been observed: the
// fingerprint comparison on lookup catches silent divergence, and Invalidate
// drops entries eagerly when a write is reported.
type responseCache struct {
	lru  *expirable.LRU[string, cacheEntry]
	ttls CacheTTLs

	indexMu sync.Mutex
	byFile  map[string]map[string]struct{} // file path -> cache keys

	hits   atomic.Int64
	misses atomic.Int64
}

func newResponseCache(capacity int, ttls CacheTTLs) *responseCache {
	if capacity <= 0 {
		capacity = 512
	}
	c := &responseCache{
		ttls:   ttls,
		byFile: make(map[string]map[string]struct{}),
	}
	maxTTL := ttls.Symbols
	if ttls.Diagnostics > maxTTL {
		maxTTL = ttls.Diagnostics
	}
	c.lru = expirable.NewLRU(capacity, c.onEvict, maxTTL)
	return c
}

// onEvict keeps the file index in step with LRU eviction.
func (c *responseCache) onEvict(key string, entry cacheEntry) {
	if entry.file == "" {
		return
	}
	c.indexMu.Lock()
	if keys, ok := c.byFile[entry.file]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byFile, entry.file)
		}
	}
	c.indexMu.Unlock()
}

// cacheKey builds the storage key from everything that identifies a request.
// Params are normalized through encoding/json, which emits map keys sorted.
func cacheKey(project ProjectKey, method string, params any) string {
	norm, err := json.Marshal(params)
	if err != nil {
		norm = []byte("?")
	}
	var b strings.Builder
	b.WriteString(project.String())
	b.WriteByte(0)
	b.WriteString(method)
	b.WriteByte(0)
	b.Write(norm)
	return b.String()
}

// lookup returns a stored response only if its fingerprint still matches the
// file's current content and its TTL has not elapsed.
func (c *responseCache) lookup(key string, current fingerprint) (json.RawMessage, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(entry.expires) || (entry.file != "" && entry.fp != current) {
		c.lru.Remove(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.value, true
}

// store records a response against the fingerprint it was computed from.
func (c *responseCache) store(key string, value json.RawMessage, file string, fp fingerprint, method string) {
	entry := cacheEntry{
		value:   value,
		fp:      fp,
		file:    file,
		expires: time.Now().Add(c.ttls.ttlFor(method)),
	}
	c.lru.Add(key, entry)

	if file != "" {
		c.indexMu.Lock()
		keys, ok := c.byFile[file]
		if !ok {
			keys = make(map[string]struct{})
			c.byFile[file] = keys
		}
		keys[key] = struct{}{}
		c.indexMu.Unlock()
	}
}

// invalidateFile drops every entry that depends on path.
func (c *responseCache) invalidateFile(path string) {
	c.indexMu.Lock()
	keys := c.byFile[path]
	delete(c.byFile, path)
	stale := make([]string, 0, len(keys))
	for k := range keys {
		stale = append(stale, k)
	}
	c.indexMu.Unlock()

	for _, k := range stale {
		c.lru.Remove(k)
	}
	if len(stale) > 0 {
		slog.Debug("invalidated cache entries", "path", path, "count", len(stale))
	}
}

// invalidateProjectWide drops entries for the project that have no file
// binding, e.g. workspace/symbol results. Any write inside the project can
// change them, and with no fingerprint to revalidate against they would
// otherwise be served stale until their TTL lapsed.
func (c *responseCache) invalidateProjectWide(project ProjectKey) {
	prefix := project.String() + "\x00"
	for _, k := range c.lru.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if entry, ok := c.lru.Peek(k); ok && entry.file == "" {
			c.lru.Remove(k)
		}
	}
}

// invalidateProject drops every entry belonging to a project key.
func (c *responseCache) invalidateProject(project ProjectKey) {
	prefix := project.String() + "\x00"
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// CacheStats is a point-in-time view of cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

func (c *responseCache) stats() CacheStats {
	return CacheStats{
		Entries: c.lru.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
