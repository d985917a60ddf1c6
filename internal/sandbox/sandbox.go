// Package sandbox validates externally supplied paths against the project
// root.
//
// Every path that enters the service from a tool call passes through
// [Sandbox.Validate] before any filesystem access. The sandbox itself never
// touches the filesystem; existence checks belong to the caller.
package sandbox

import (
	"path/filepath"
	"strings"

	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// DefaultForbiddenSegments are the path segments rejected when no policy
// overrides them.
var DefaultForbiddenSegments = []string{".git", "node_modules", ".env", ".webgal_agent"}

// DefaultMaxReadBytes caps read_file when no policy overrides it.
const DefaultMaxReadBytes = int64(2 * 1024 * 1024)

// Sandbox holds the immutable path-safety state for one project root.
// It is created once at startup and shared by reference.
type Sandbox struct {
	root      string
	forbidden map[string]struct{}

	// MaxReadBytes and Encoding are carried here because every consumer of
	// the sandbox also needs the read limits that go with it.
	MaxReadBytes int64
	Encoding     string
}

// New creates a sandbox rooted at root. root must already be an absolute,
// cleaned directory path; the launcher establishes that before startup.
func New(root string, forbiddenSegments []string, maxReadBytes int64, encoding string) *Sandbox {
	forbidden := make(map[string]struct{}, len(forbiddenSegments))
	for _, seg := range forbiddenSegments {
		if seg != "" {
			forbidden[seg] = struct{}{}
		}
	}

	if maxReadBytes <= 0 {
		maxReadBytes = DefaultMaxReadBytes
	}

	if encoding == "" {
		encoding = "utf-8"
	}

	return &Sandbox{
		root:         filepath.Clean(root),
		forbidden:    forbidden,
		MaxReadBytes: maxReadBytes,
		Encoding:     encoding,
	}
}

// Root returns the absolute project root.
func (s *Sandbox) Root() string {
	return s.root
}

// Validate resolves rel against the project root and returns the normalized
// absolute path, or an E_DENY_PATH envelope.
//
// Rules, in order: absolute inputs are rejected (any OS form), the joined
// path must stay at or under the root, and no project-relative segment may
// match a forbidden segment (exact, case-sensitive).
func (s *Sandbox) Validate(rel string) (string, error) {
	if rel == "" {
		return "", denied(rel, "path is empty")
	}

	if isAbsAnyOS(rel) {
		return "", denied(rel, "absolute paths are not allowed")
	}

	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))

	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", denied(rel, "path escapes the project root")
	}

	if abs != s.root {
		relPart := abs[len(s.root)+1:]
		for _, seg := range strings.Split(relPart, string(filepath.Separator)) {
			if _, bad := s.forbidden[seg]; bad {
				return "", denied(rel, "path segment %q is forbidden", seg)
			}
		}
	}

	return abs, nil
}

// Rel converts an absolute path previously returned by Validate back to the
// POSIX-form project-relative path used in snapshots and responses.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}

	return filepath.ToSlash(rel)
}

// isAbsAnyOS reports whether p is absolute in either POSIX or Windows form.
// The service may run on any host, but callers must always speak
// project-relative paths.
func isAbsAnyOS(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}

	// Windows drive letter, e.g. "C:\..." or "C:/...".
	if len(p) >= 2 && p[1] == ':' &&
		(('a' <= p[0] && p[0] <= 'z') || ('A' <= p[0] && p[0] <= 'Z')) {
		return true
	}

	return false
}

func denied(rel, format string, args ...any) error {
	e := toolerr.New(toolerr.CodeDenyPath, format, args...)
	e.Details = map[string]any{"path": rel}

	return e
}
