package lsp

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProject = ProjectKey{Root: "/proj", Language: "go"}

func TestCacheHitWithinTTL(t *testing.T) {
	c := newResponseCache(8, DefaultCacheTTLs())
	key := cacheKey(testProject, "textDocument/hover", map[string]int{"line": 3})
	fp := fingerprintOf([]byte("content"))

	c.store(key, json.RawMessage(`{"v":1}`), "/proj/a.go", fp, "textDocument/hover")

	got, ok := c.lookup(key, fp)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":1}`, string(got))

	stats := c.stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestCacheKeyDistinguishesEverything(t *testing.T) {
	base := cacheKey(testProject, "textDocument/hover", map[string]int{"line": 3})
	assert.NotEqual(t, base, cacheKey(testProject, "textDocument/hover", map[string]int{"line": 4}))
	assert.NotEqual(t, base, cacheKey(testProject, "textDocument/definition", map[string]int{"line": 3}))
	assert.NotEqual(t, base, cacheKey(ProjectKey{Root: "/other", Language: "go"}, "textDocument/hover", map[string]int{"line": 3}))

	// Same logical params must produce the same key.
	assert.Equal(t, base, cacheKey(testProject, "textDocument/hover", map[string]int{"line": 3}))
}

func TestCacheFingerprintMismatchMisses(t *testing.T) {
	c := newResponseCache(8, DefaultCacheTTLs())
	key := cacheKey(testProject, "textDocument/hover", nil)

	c.store(key, json.RawMessage(`{}`), "/proj/a.go", fingerprintOf([]byte("old")), "textDocument/hover")

	_, ok := c.lookup(key, fingerprintOf([]byte("new")))
	assert.False(t, ok)

	// The stale entry must be gone, not just skipped.
	assert.Equal(t, 0, c.stats().Entries)
}

func TestCachePerEntryExpiry(t *testing.T) {
	ttls := DefaultCacheTTLs()
	ttls.Hover = 20 * time.Millisecond
	c := newResponseCache(8, ttls)
	key := cacheKey(testProject, "textDocument/hover", nil)
	fp := fingerprintOf([]byte("x"))

	c.store(key, json.RawMessage(`{}`), "", fp, "textDocument/hover")
	_, ok := c.lookup(key, fp)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.lookup(key, fp)
	assert.False(t, ok, "entry must expire after its method TTL")
}

func TestCacheInvalidateFile(t *testing.T) {
	c := newResponseCache(8, DefaultCacheTTLs())
	fp := fingerprintOf([]byte("x"))
	keyA := cacheKey(testProject, "textDocument/hover", map[string]string{"f": "a"})
	keyB := cacheKey(testProject, "textDocument/hover", map[string]string{"f": "b"})

	c.store(keyA, json.RawMessage(`{}`), "/proj/a.go", fp, "textDocument/hover")
	c.store(keyB, json.RawMessage(`{}`), "/proj/b.go", fp, "textDocument/hover")

	c.invalidateFile("/proj/a.go")

	_, ok := c.lookup(keyA, fp)
	assert.False(t, ok)
	_, ok = c.lookup(keyB, fp)
	assert.True(t, ok, "unrelated file must survive")
}

func TestCacheInvalidateProject(t *testing.T) {
	c := newResponseCache(8, DefaultCacheTTLs())
	fp := fingerprintOf([]byte("x"))
	other := ProjectKey{Root: "/other", Language: "go"}
	keyMine := cacheKey(testProject, "workspace/symbol", nil)
	keyOther := cacheKey(other, "workspace/symbol", nil)

	c.store(keyMine, json.RawMessage(`{}`), "", fp, "workspace/symbol")
	c.store(keyOther, json.RawMessage(`{}`), "", fp, "workspace/symbol")

	c.invalidateProject(testProject)

	_, ok := c.lookup(keyMine, fp)
	assert.False(t, ok)
	_, ok = c.lookup(keyOther, fp)
	assert.True(t, ok)
}

func TestCacheInvalidateProjectWideSparesFileBound(t *testing.T) {
	c := newResponseCache(8, DefaultCacheTTLs())
	fp := fingerprintOf([]byte("x"))
	other := ProjectKey{Root: "/other", Language: "go"}
	keyWide := cacheKey(testProject, "workspace/symbol", nil)
	keyFile := cacheKey(testProject, "textDocument/hover", map[string]int{"line": 1})
	keyOther := cacheKey(other, "workspace/symbol", nil)

	c.store(keyWide, json.RawMessage(`{}`), "", "", "workspace/symbol")
	c.store(keyFile, json.RawMessage(`{}`), "/proj/a.go", fp, "textDocument/hover")
	c.store(keyOther, json.RawMessage(`{}`), "", "", "workspace/symbol")

	c.invalidateProjectWide(testProject)

	// Only this project's file-independent entries fall; file-bound entries
	// keep their fingerprint revalidation, other projects are untouched.
	_, ok := c.lookup(keyWide, "")
	assert.False(t, ok)
	_, ok = c.lookup(keyFile, fp)
	assert.True(t, ok)
	_, ok = c.lookup(keyOther, "")
	assert.True(t, ok)
}

func TestCacheCapacityEvictsOldest(t *testing.T) {
	c := newResponseCache(4, DefaultCacheTTLs())
	fp := fingerprintOf([]byte("x"))

	for i := 0; i < 6; i++ {
		key := cacheKey(testProject, "textDocument/hover", map[string]int{"i": i})
		c.store(key, json.RawMessage(`{}`), fmt.Sprintf("/proj/f%d.go", i), fp, "textDocument/hover")
	}

	assert.Equal(t, 4, c.stats().Entries)

	_, ok := c.lookup(cacheKey(testProject, "textDocument/hover", map[string]int{"i": 0}), fp)
	assert.False(t, ok, "oldest entry must have been evicted")
	_, ok = c.lookup(cacheKey(testProject, "textDocument/hover", map[string]int{"i": 5}), fp)
	assert.True(t, ok)
}

func TestCacheEvictionMaintainsFileIndex(t *testing.T) {
	c := newResponseCache(2, DefaultCacheTTLs())
	fp := fingerprintOf([]byte("x"))

	for i := 0; i < 4; i++ {
		key := cacheKey(testProject, "textDocument/hover", map[string]int{"i": i})
		c.store(key, json.RawMessage(`{}`), "/proj/a.go", fp, "textDocument/hover")
	}

	c.indexMu.Lock()
	indexed := len(c.byFile["/proj/a.go"])
	c.indexMu.Unlock()
	assert.Equal(t, 2, indexed, "index must not hold keys the LRU dropped")
}

func TestCacheTTLForMethod(t *testing.T) {
	ttls := DefaultCacheTTLs()
	assert.Equal(t, ttls.Diagnostics, ttls.ttlFor("textDocument/diagnostic"))
	assert.Equal(t, ttls.Hover, ttls.ttlFor("textDocument/hover"))
	assert.Equal(t, ttls.Completion, ttls.ttlFor("textDocument/completion"))
	assert.Equal(t, ttls.Symbols, ttls.ttlFor("workspace/symbol"))
	assert.Equal(t, ttls.Default, ttls.ttlFor("textDocument/definition"))
}
