// Package snapshot persists content-addressed snapshots of mutated files
// and the idempotency map that makes retried mutations safe.
//
// Layout under the project's agent state directory:
//
//	snapshots/<id>.txt        UTF-8 content body
//	snapshots/<id>.meta.json  metadata document
//	idem.json                 idempotency key → snapshot id
//
// A snapshot's body exists iff its metadata exists; writers create the body
// first so a crash between the two leaves an orphan body that listing
// ignores.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// StateDirName is the agent's private directory under the project root.
const StateDirName = ".webgal_agent"

const snapshotsDirName = "snapshots"

// Retention bounds.
const (
	DefaultRetention = 20
	MinRetention     = 1
	MaxRetention     = 10000
)

// List limit bounds.
const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Meta is the persisted per-snapshot metadata document.
type Meta struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	Timestamp      int64  `json:"timestamp"`
	ContentHash    string `json:"contentHash"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Store persists snapshots under one project root and owns the idempotency
// cache. Methods are safe for concurrent use; all mutations are serialized
// on an internal mutex.
type Store struct {
	mu        sync.Mutex
	stateDir  string
	dir       string
	retention int
	idem      *idemCache
	initOnce  sync.Once
	initErr   error
	now       func() time.Time
}

// Options configures a Store.
type Options struct {
	// Retention is the maximum number of snapshots kept. Clamped into
	// [MinRetention, MaxRetention]; zero means DefaultRetention.
	Retention int

	// IdemMaxEntries and IdemMaxAgeDays bound the idempotency cache.
	// Zero means the package defaults.
	IdemMaxEntries int
	IdemMaxAgeDays int
}

// New creates a store rooted at projectRoot. Nothing is touched on disk
// until the first operation.
func New(projectRoot string, opts Options) *Store {
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}

	if retention < MinRetention {
		retention = MinRetention
	}

	if retention > MaxRetention {
		retention = MaxRetention
	}

	stateDir := filepath.Join(projectRoot, StateDirName)

	return &Store{
		stateDir:  stateDir,
		dir:       filepath.Join(stateDir, snapshotsDirName),
		retention: retention,
		idem:      newIdemCache(stateDir, opts.IdemMaxEntries, opts.IdemMaxAgeDays),
		now:       time.Now,
	}
}

// Retention returns the configured snapshot cap.
func (s *Store) Retention() int {
	return s.retention
}

// init creates the snapshot directory and loads the idempotency document.
// Runs once, lazily, so a read-only session never creates state dirs.
func (s *Store) init() error {
	s.initOnce.Do(func() {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			s.initErr = toolerr.New(toolerr.CodeIO, "creating snapshot directory: %v", err)

			return
		}

		s.idem.load()
	})

	return s.initErr
}

// HashContent returns the hex SHA-256 of content, the fingerprint format
// used across the service.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))

	return hex.EncodeToString(sum[:])
}

// Lookup returns the snapshot id already recorded for the idempotency key,
// if the key is known and the snapshot still exists.
func (s *Store) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.init(); err != nil {
		return "", false
	}

	return s.lookupLocked(key)
}

func (s *Store) lookupLocked(key string) (string, bool) {
	id, ok := s.idem.lookup(key)
	if !ok {
		return "", false
	}

	if _, err := os.Stat(s.metaPath(id)); err != nil {
		return "", false
	}

	return id, true
}

// Save persists content for the given project-relative POSIX path and
// returns the snapshot id.
//
// When idemKey is non-empty and already maps to a live snapshot, that id is
// returned without writing anything: the caller relies on this to skip the
// mutation entirely on retries.
func (s *Store) Save(path, content, idemKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.init(); err != nil {
		return "", err
	}

	if idemKey != "" {
		if id, ok := s.lookupLocked(idemKey); ok {
			return id, nil
		}
	}

	now := s.now()

	id, err := newID(now)
	if err != nil {
		return "", toolerr.New(toolerr.CodeInternal, "generating snapshot id: %v", err)
	}

	if err := atomic.WriteFile(s.contentPath(id), strings.NewReader(content)); err != nil {
		return "", toolerr.New(toolerr.CodeIO, "writing snapshot body: %v", err)
	}

	meta := Meta{
		ID:             id,
		Path:           path,
		Timestamp:      now.UnixMilli(),
		ContentHash:    HashContent(content),
		IdempotencyKey: idemKey,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", toolerr.New(toolerr.CodeInternal, "encoding snapshot metadata: %v", err)
	}

	if err := atomic.WriteFile(s.metaPath(id), strings.NewReader(string(data))); err != nil {
		return "", toolerr.New(toolerr.CodeIO, "writing snapshot metadata: %v", err)
	}

	if idemKey != "" {
		if err := s.idem.insert(idemKey, id, now); err != nil {
			slog.Warn("persisting idempotency cache", "error", err)
		}
	}

	s.enforceRetentionLocked()

	return id, nil
}

// List returns snapshot metadata, newest first (timestamp descending, id
// descending as tiebreaker).
//
// filterPath, when non-empty, keeps only snapshots whose stored path has it
// as a POSIX prefix. limit < 0 or 0 means the default of 50; values above
// 1000 are capped.
func (s *Store) List(filterPath string, limit int) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.init(); err != nil {
		return nil, err
	}

	metas := s.readAllLocked()

	if filterPath != "" {
		kept := metas[:0]

		for _, m := range metas {
			if strings.HasPrefix(m.Path, filterPath) {
				kept = append(kept, m)
			}
		}

		metas = kept
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	if len(metas) > limit {
		metas = metas[:limit]
	}

	return metas, nil
}

// Restore returns the stored path and content for a snapshot id.
func (s *Store) Restore(id string) (string, string, error) {
	if !ValidID(id) {
		return "", "", toolerr.New(toolerr.CodeBadArgs, "invalid snapshot id: %q", id).
			WithHint("ids look like snap_20240101T120000_0a1b2c3d")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.init(); err != nil {
		return "", "", err
	}

	metaData, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", toolerr.New(toolerr.CodeNotFound, "snapshot not found: %s", id)
		}

		return "", "", toolerr.New(toolerr.CodeIO, "reading snapshot metadata: %v", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return "", "", toolerr.New(toolerr.CodeParseFail, "snapshot metadata is corrupt: %s", id)
	}

	content, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", toolerr.New(toolerr.CodeNotFound, "snapshot body missing: %s", id)
		}

		return "", "", toolerr.New(toolerr.CodeIO, "reading snapshot body: %v", err)
	}

	return meta.Path, string(content), nil
}

// readAllLocked loads every parseable metadata document whose body is
// present, sorted newest first. Damaged entries are logged and skipped.
func (s *Store) readAllLocked() []Meta {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var metas []Meta

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			slog.Warn("reading snapshot metadata", "file", name, "error", err)

			continue
		}

		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			slog.Warn("skipping corrupt snapshot metadata", "file", name, "error", err)

			continue
		}

		if _, err := os.Stat(s.contentPath(meta.ID)); err != nil {
			slog.Warn("skipping snapshot without body", "id", meta.ID)

			continue
		}

		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Timestamp != metas[j].Timestamp {
			return metas[i].Timestamp > metas[j].Timestamp
		}

		return metas[i].ID > metas[j].ID
	})

	return metas
}

// enforceRetentionLocked deletes the oldest snapshots beyond the cap.
// Best-effort: failures are logged, never fatal to the save that triggered
// the sweep.
func (s *Store) enforceRetentionLocked() {
	metas := s.readAllLocked()
	if len(metas) <= s.retention {
		return
	}

	for _, m := range metas[s.retention:] {
		for _, p := range []string{s.contentPath(m.ID), s.metaPath(m.ID)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				slog.Warn("pruning snapshot", "id", m.ID, "error", err)
			}
		}
	}
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.dir, id+".txt")
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}
