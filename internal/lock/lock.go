// Package lock implements the single-instance project lock.
//
// One lock file lives under the project's agent state directory. Staleness
// is decided by probing the recorded pid: a lock whose owner is no longer
// alive on this host is reclaimed. This is a pathname lock, not an flock:
// the record must survive the owning process so a crashed owner can be
// detected and replaced.
package lock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/Golenspade/webgal-agent/internal/snapshot"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// FileName is the lock file under the agent state directory.
const FileName = "agent.lock"

// Record is the persisted lock document.
type Record struct {
	Owner     string `json:"owner"`
	PID       int    `json:"pid"`
	Host      string `json:"host"`
	StartedAt int64  `json:"startedAt"`
	Version   string `json:"version"`
}

// Lock is a held project lock. Release it exactly once at shutdown.
type Lock struct {
	path   string
	record Record
}

// Record returns the persisted owner document.
func (l *Lock) Record() Record {
	return l.record
}

// Release removes the lock file. A lock file that is already gone is not
// an error; Release is called from signal paths and must never block.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}

	return nil
}

// Path returns the lock file location for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, snapshot.StateDirName, FileName)
}

// Read returns the current lock record, if a parseable one exists.
func Read(projectRoot string) (Record, bool) {
	data, err := os.ReadFile(Path(projectRoot))
	if err != nil {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false
	}

	return rec, true
}

// Acquire takes the project lock for this process.
//
// An existing lock whose pid is still alive on this host fails with
// E_LOCK_HELD carrying the owner record; a stale or unparseable lock file
// is deleted and reclaimed. Creation uses exclusive-create semantics, so a
// concurrent racer loses cleanly.
func Acquire(projectRoot, owner, version string) (*Lock, error) {
	path := Path(projectRoot)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	if existing, ok := Read(projectRoot); ok {
		if ownerAlive(existing) {
			return nil, heldError(existing)
		}

		// Stale: the recorded owner is gone. Reclaim.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
	} else if _, statErr := os.Stat(path); statErr == nil {
		// Present but unparseable: treat as stale debris.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing corrupt lock: %w", err)
		}
	}

	host, _ := os.Hostname()

	rec := Record{
		Owner:     owner,
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: time.Now().UnixMilli(),
		Version:   version,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding lock record: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// Lost the create race; report whoever won.
			if winner, ok := Read(projectRoot); ok {
				return nil, heldError(winner)
			}

			return nil, heldError(Record{})
		}

		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(path)

		return nil, fmt.Errorf("writing lock record: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(path)

		return nil, fmt.Errorf("closing lock file: %w", err)
	}

	return &Lock{path: path, record: rec}, nil
}

// Refresh rewrites the lock record in place with a new version string,
// preserving the identity fields.
func (l *Lock) Refresh(version string) error {
	l.record.Version = version

	data, err := json.MarshalIndent(l.record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock record: %w", err)
	}

	return atomic.WriteFile(l.path, bytes.NewReader(data))
}

// ownerAlive reports whether the recorded owner still runs on this host.
//
// A record from another host cannot be probed, and the portable signal-0
// contract says unverifiable pids count as dead. EPERM means the pid
// exists but belongs to someone else: alive.
func ownerAlive(rec Record) bool {
	if rec.PID <= 0 {
		return false
	}

	host, err := os.Hostname()
	if err == nil && rec.Host != "" && rec.Host != host {
		return false
	}

	probeErr := unix.Kill(rec.PID, 0)
	if probeErr == nil {
		return true
	}

	return errors.Is(probeErr, unix.EPERM)
}

func heldError(rec Record) error {
	e := toolerr.New(toolerr.CodeLockHeld, "project is locked by another agent instance")
	e.Details = map[string]any{
		"owner":     rec.Owner,
		"pid":       rec.PID,
		"host":      rec.Host,
		"startedAt": rec.StartedAt,
		"version":   rec.Version,
	}
	e.Hint = "stop the other instance or remove a stale " + FileName

	return e
}
