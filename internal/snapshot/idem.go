package snapshot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

// idemFileName is the on-disk idempotency document, one JSON object per
// project under the agent state directory.
const idemFileName = "idem.json"

// Idempotency cache defaults.
const (
	DefaultIdemMaxEntries = 500
	DefaultIdemMaxAgeDays = 7
)

// idemEntry maps a caller-supplied key to the snapshot that satisfied it.
type idemEntry struct {
	SnapshotID string `json:"snapshotId"`
	Timestamp  int64  `json:"timestamp"`
}

// idemCache is the persistent idempotency map. The on-disk document is the
// source of truth; the in-memory map is a cache loaded at startup. The
// owning Store serializes access.
type idemCache struct {
	path       string
	maxEntries int
	maxAgeDays int
	entries    map[string]idemEntry
}

func newIdemCache(stateDir string, maxEntries, maxAgeDays int) *idemCache {
	if maxEntries <= 0 {
		maxEntries = DefaultIdemMaxEntries
	}

	if maxAgeDays <= 0 {
		maxAgeDays = DefaultIdemMaxAgeDays
	}

	return &idemCache{
		path:       filepath.Join(stateDir, idemFileName),
		maxEntries: maxEntries,
		maxAgeDays: maxAgeDays,
		entries:    map[string]idemEntry{},
	}
}

// load reads the document from disk. A missing file is not an error; a
// corrupt file is logged and yields an empty cache.
func (c *idemCache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reading idempotency cache", "path", c.path, "error", err)
		}

		return
	}

	var entries map[string]idemEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("idempotency cache is corrupt, starting empty", "path", c.path, "error", err)

		return
	}

	c.entries = entries
}

// lookup returns the snapshot id recorded for key, if any.
func (c *idemCache) lookup(key string) (string, bool) {
	e, ok := c.entries[key]

	return e.SnapshotID, ok
}

// insert records key → snapshotID, prunes, and persists the document.
func (c *idemCache) insert(key, snapshotID string, now time.Time) error {
	c.entries[key] = idemEntry{SnapshotID: snapshotID, Timestamp: now.UnixMilli()}
	c.prune(now)

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(c.path, strings.NewReader(string(data)))
}

// prune drops entries older than maxAgeDays, then trims to the newest
// maxEntries by timestamp.
func (c *idemCache) prune(now time.Time) {
	cutoff := now.AddDate(0, 0, -c.maxAgeDays).UnixMilli()
	for k, e := range c.entries {
		if e.Timestamp < cutoff {
			delete(c.entries, k)
		}
	}

	if len(c.entries) <= c.maxEntries {
		return
	}

	type kv struct {
		key string
		e   idemEntry
	}

	all := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, kv{k, e})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].e.Timestamp > all[j].e.Timestamp })

	for _, victim := range all[c.maxEntries:] {
		delete(c.entries, victim.key)
	}
}
