// Package resultcache implements the Tool Result Cache: a
// fingerprint-keyed, TTL-bounded cache of tool invocation results, so a
// repeated read_file/list_files call inside the same turn doesn't pay
// for another round trip through the sandbox.
//
// Entries are keyed by a SHA-256 fingerprint of (tool name, canonicalized
// args, optional context hash) and expire lazily on access; the clock is
// injectable for deterministic tests.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long an entry stays valid.
const DefaultTTL = 60 * time.Second

// CacheableTools enumerates the tool names eligible for result caching.
// Mutating tools (write_file, run_terminal_cmd, edit_file, ...) are never
// cached.
var CacheableTools = map[string]bool{
	"read_file":  true,
	"list_files": true,
}

// IsCacheable reports whether a tool's results may be cached.
func IsCacheable(toolName string) bool {
	return CacheableTools[toolName]
}

type entry struct {
	value     json.RawMessage
	insertedAt int64 // unix millis
	path      string // best-effort path this entry's result concerns, for invalidation
}

// Cache is the Tool Result Cache.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time // injectable for deterministic tests
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Fingerprint computes the cache key for a tool invocation: the tool name,
// its arguments canonicalized (sorted-key JSON re-marshal so key order
// never affects the hash), and an optional context hash (e.g. working
// directory or file mtime) the caller supplies.
func Fingerprint(toolName string, args json.RawMessage, contextHash string) string {
	canon := canonicalizeJSON(args)
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(contextHash))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON; fall back to the raw bytes as the canonical form.
		return raw
	}
	out, err := json.Marshal(sortKeys(v))
	if err != nil {
		return raw
	}
	return out
}

// sortKeys recursively converts maps into a form that marshals with sorted
// keys (Go's encoding/json already sorts map[string]interface{} keys on
// marshal, so this mainly normalizes nested structures consistently).
func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}

// Get returns the cached result for fingerprint, if present and unexpired.
func (c *Cache) Get(fingerprint string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.expired(e) {
		delete(c.entries, fingerprint)
		return nil, false
	}
	return e.value, true
}

// Insert stores a tool result under fingerprint, optionally tagged with the
// filesystem path it concerns (for later InvalidateForPath calls).
func (c *Cache) Insert(fingerprint string, value json.RawMessage, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry{
		value:      value,
		insertedAt: c.now().UnixMilli(),
		path:       path,
	}
}

// InvalidateForPath drops every cached entry that references path, used
// when a tool reports a path in modified_files. An entry matches when its
// tagged path equals the modified path, when the entry covers a directory
// the modified path sits under (a cached listing of "src" is stale after
// a write to "src/foo.go"), or when the modified path is a directory
// above the entry's path.
func (c *Cache) InvalidateForPath(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.path == "" {
			continue
		}
		if pathsOverlap(e.path, path) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// pathsOverlap reports whether two workspace paths reference overlapping
// filesystem state: equal after cleaning, or one a directory prefix of
// the other.
func pathsOverlap(a, b string) bool {
	a = normalizePath(a)
	b = normalizePath(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

func normalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size reports the current number of live (non-expired) entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UnixMilli()
	n := 0
	for _, e := range c.entries {
		if now-e.insertedAt < c.ttl.Milliseconds() {
			n++
		}
	}
	return n
}

func (c *Cache) expired(e entry) bool {
	return c.now().UnixMilli()-e.insertedAt >= c.ttl.Milliseconds()
}
