// Package fileops implements the mediated mutation surface: list, read,
// write, replace and search inside the sandboxed project root.
//
// Writes are two-phase. A dry run computes the diff an apply would produce
// and records a fingerprint of the on-disk content; the apply re-checks
// that fingerprint so an external mutation between the two phases fails
// with E_CONFLICT instead of clobbering. Every apply snapshots the new
// content before returning.
package fileops

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/natefinch/atomic"

	"github.com/Golenspade/webgal-agent/internal/diff"
	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/snapshot"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// Write modes.
const (
	ModeOverwrite = "overwrite"
	ModeAppend    = "append"
)

// Ops owns the mutation state for one project: the snapshot store and the
// in-memory pending-write fingerprints. The fingerprint map is process
// private; it deliberately does not survive restarts.
type Ops struct {
	sb    *sandbox.Sandbox
	store *snapshot.Store

	mu      sync.Mutex
	pending map[string]string // rel POSIX path → content hash at dry-run time
}

// New wires the component. Both dependencies are required.
func New(sb *sandbox.Sandbox, store *snapshot.Store) *Ops {
	return &Ops{
		sb:      sb,
		store:   store,
		pending: map[string]string{},
	}
}

// Store exposes the snapshot store to the snapshot tools.
func (o *Ops) Store() *snapshot.Store {
	return o.store
}

// ReadResult is the read_file payload.
type ReadResult struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Bytes    int    `json:"bytes"`
}

// WriteResult is the write_to_file payload.
type WriteResult struct {
	Applied      bool       `json:"applied"`
	Diff         *diff.Diff `json:"diff,omitempty"`
	SnapshotID   string     `json:"snapshot_id,omitempty"`
	BytesWritten int        `json:"bytes_written"`
}

// SearchMatch is one search_files hit.
type SearchMatch struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Preview string `json:"preview"`
}

const (
	searchDefaultMaxMatches = 2000
	searchPreviewLimit      = 200
)

// ListFiles lists the entries of a directory inside the sandbox. Globs,
// when given, are matched against the entry names; dirsOnly keeps only
// directories.
func (o *Ops) ListFiles(relPath string, globs []string, dirsOnly bool) ([]string, error) {
	abs, err := o.sb.Validate(relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, toolerr.New(toolerr.CodeNotFound, "directory not found: %s", relPath)
		}

		return nil, ioError("stat", relPath, err)
	}

	if !info.IsDir() {
		return nil, toolerr.New(toolerr.CodeBadArgs, "not a directory: %s", relPath)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, ioError("list", relPath, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if dirsOnly && !entry.IsDir() {
			continue
		}

		if len(globs) > 0 && !matchesAnyGlob(globs, entry.Name()) {
			continue
		}

		names = append(names, entry.Name())
	}

	return names, nil
}

func matchesAnyGlob(globs []string, name string) bool {
	for _, g := range globs {
		if ok, err := filepath.Match(g, name); err == nil && ok {
			return true
		}
	}

	return false
}

// ReadFile returns the UTF-8 content of a file, refusing reads above the
// smaller of maxBytes (when > 0) and the sandbox cap.
func (o *Ops) ReadFile(relPath string, maxBytes int64) (ReadResult, error) {
	abs, err := o.sb.Validate(relPath)
	if err != nil {
		return ReadResult{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ReadResult{}, toolerr.New(toolerr.CodeNotFound, "file not found: %s", relPath)
		}

		return ReadResult{}, ioError("stat", relPath, err)
	}

	limit := o.sb.MaxReadBytes
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}

	if info.Size() > limit {
		return ReadResult{}, toolerr.New(toolerr.CodeTooLarge,
			"file is %d bytes, read cap is %d", info.Size(), limit).
			WithDetails(map[string]any{"size": info.Size(), "limit": limit}).
			AsRecoverable()
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ReadResult{}, ioError("read", relPath, err)
	}

	if !utf8.Valid(data) {
		return ReadResult{}, toolerr.New(toolerr.CodeEncoding, "file is not valid UTF-8: %s", relPath)
	}

	return ReadResult{
		Path:     o.sb.Rel(abs),
		Content:  string(data),
		Encoding: "utf-8",
		Bytes:    len(data),
	}, nil
}

// Write implements write_to_file: dry-run returns the diff and records the
// fingerprint; apply re-checks the fingerprint, writes atomically and
// snapshots the result. An idempotency-key hit skips both the write and
// the snapshot.
func (o *Ops) Write(relPath, content, mode string, dryRun bool, idemKey string) (WriteResult, error) {
	abs, err := o.sb.Validate(relPath)
	if err != nil {
		return WriteResult{}, err
	}

	switch mode {
	case "", ModeOverwrite, ModeAppend:
	default:
		return WriteResult{}, toolerr.New(toolerr.CodeBadArgs, "unknown write mode: %q", mode)
	}

	rel := o.sb.Rel(abs)

	current, exists, err := readCurrent(abs, rel)
	if err != nil {
		return WriteResult{}, err
	}

	newContent := content
	if mode == ModeAppend {
		newContent = current + content
	}

	if dryRun {
		d := diff.Compute(current, newContent)

		if exists {
			o.mu.Lock()
			o.pending[rel] = snapshot.HashContent(current)
			o.mu.Unlock()
		}

		return WriteResult{Applied: false, Diff: &d}, nil
	}

	if idemKey != "" {
		if id, ok := o.store.Lookup(idemKey); ok {
			return WriteResult{Applied: true, SnapshotID: id, BytesWritten: 0}, nil
		}
	}

	o.mu.Lock()
	fingerprint, hasPending := o.pending[rel]
	o.mu.Unlock()

	if hasPending {
		currentHash := snapshot.HashContent(current)
		if currentHash != fingerprint {
			// The fingerprint is preserved; a fresh dry-run replaces it.
			return WriteResult{}, toolerr.New(toolerr.CodeConflict,
				"file changed since dry-run: %s", rel).
				WithDetails(map[string]any{
					"expected_hash": fingerprint,
					"actual_hash":   currentHash,
				}).
				WithHint("re-run with dry_run=true and review the fresh diff").
				AsRecoverable()
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return WriteResult{}, ioError("mkdir", rel, err)
	}

	if err := atomic.WriteFile(abs, strings.NewReader(newContent)); err != nil {
		return WriteResult{}, ioError("write", rel, err)
	}

	snapID, err := o.store.Save(rel, newContent, idemKey)
	if err != nil {
		return WriteResult{}, err
	}

	o.mu.Lock()
	delete(o.pending, rel)
	o.mu.Unlock()

	return WriteResult{
		Applied:      true,
		SnapshotID:   snapID,
		BytesWritten: len(newContent),
	}, nil
}

// Replace implements replace_in_file: a regex substitution guarded by an
// optimistic base-hash check between read and write.
func (o *Ops) Replace(relPath, find, replace, flags string) (int, error) {
	abs, err := o.sb.Validate(relPath)
	if err != nil {
		return 0, err
	}

	rel := o.sb.Rel(abs)

	re, global, err := compilePattern(find, flags)
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, toolerr.New(toolerr.CodeNotFound, "file not found: %s", rel)
		}

		return 0, ioError("read", rel, err)
	}

	content := string(data)
	baseHash := snapshot.HashContent(content)

	matches := re.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return 0, nil
	}

	if !global {
		matches = matches[:1]
	}

	var out strings.Builder

	last := 0

	for _, m := range matches {
		out.WriteString(content[last:m[0]])
		out.Write(re.ExpandString(nil, replace, content, m))
		last = m[1]
	}

	out.WriteString(content[last:])

	// Re-read immediately before the write; a concurrent mutation since the
	// base read fails the whole operation.
	recheck, err := os.ReadFile(abs)
	if err != nil {
		return 0, ioError("re-read", rel, err)
	}

	if snapshot.HashContent(string(recheck)) != baseHash {
		return 0, toolerr.New(toolerr.CodeConflict, "file changed during replace: %s", rel).
			WithDetails(map[string]any{
				"expected_hash": baseHash,
				"actual_hash":   snapshot.HashContent(string(recheck)),
			}).
			AsRecoverable()
	}

	if err := atomic.WriteFile(abs, strings.NewReader(out.String())); err != nil {
		return 0, ioError("write", rel, err)
	}

	return len(matches), nil
}

// Search implements search_files over the tree rooted at relPath.
func (o *Ops) Search(relPath, pattern, filePattern string, maxMatches int) ([]SearchMatch, error) {
	absRoot, err := o.sb.Validate(relPath)
	if err != nil {
		return nil, err
	}

	re, _, err := compilePattern(pattern, "m")
	if err != nil {
		return nil, err
	}

	if maxMatches <= 0 {
		maxMatches = searchDefaultMaxMatches
	}

	matches := []SearchMatch{}

	walkErr := filepath.WalkDir(absRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped silently
		}

		if len(matches) >= maxMatches {
			return filepath.SkipAll
		}

		name := entry.Name()

		if entry.IsDir() {
			if path != absRoot && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}

			// The sandbox's forbidden segments are honored during walks too.
			if _, verr := o.sb.Validate(o.sb.Rel(path)); path != absRoot && verr != nil {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		if filePattern != "" {
			if ok, merr := filepath.Match(filePattern, name); merr != nil || !ok {
				return nil
			}
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil || !utf8.Valid(data) {
			return nil
		}

		rel := o.sb.Rel(path)

		for i, line := range strings.Split(string(data), "\n") {
			if len(matches) >= maxMatches {
				return filepath.SkipAll
			}

			if re.MatchString(line) {
				matches = append(matches, SearchMatch{
					Path:    rel,
					Line:    i + 1,
					Preview: truncate(line, searchPreviewLimit),
				})
			}
		}

		return nil
	})
	if walkErr != nil {
		return nil, ioError("search", relPath, walkErr)
	}

	return matches, nil
}

// ListSnapshots and RestoreSnapshot are thin passthroughs kept here so the
// server has one component to call for all file-state operations.

func (o *Ops) ListSnapshots(filterPath string, limit int) ([]snapshot.Meta, error) {
	return o.store.List(filterPath, limit)
}

func (o *Ops) RestoreSnapshot(id string) (string, string, error) {
	return o.store.Restore(id)
}

// PendingFingerprint reports the recorded dry-run hash for a path, for
// introspection and tests.
func (o *Ops) PendingFingerprint(rel string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fp, ok := o.pending[rel]

	return fp, ok
}

func readCurrent(abs, rel string) (string, bool, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}

		return "", false, ioError("read", rel, err)
	}

	if !utf8.Valid(data) {
		return "", false, toolerr.New(toolerr.CodeEncoding, "file is not valid UTF-8: %s", rel)
	}

	return string(data), true, nil
}

// compilePattern translates JS-style regex flags onto Go's syntax. The "g"
// flag controls replace-all and is returned separately; "i", "m" and "s"
// map to inline flags. Unknown flags are rejected.
func compilePattern(pattern, flags string) (*regexp.Regexp, bool, error) {
	var inline string

	global := flags == ""

	for _, f := range flags {
		switch f {
		case 'g':
			global = true
		case 'i', 'm', 's':
			inline += string(f)
		default:
			return nil, false, toolerr.New(toolerr.CodeBadArgs, "unsupported regex flag: %q", string(f))
		}
	}

	if inline != "" {
		pattern = "(?" + inline + ")" + pattern
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false, toolerr.New(toolerr.CodeBadArgs, "invalid regex: %v", err)
	}

	return compiled, global, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	// Cut on a rune boundary.
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

func ioError(op, rel string, err error) error {
	return toolerr.New(toolerr.CodeIO, "%s %s: %v", op, rel, err)
}
