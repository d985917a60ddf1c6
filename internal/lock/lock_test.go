package lock_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Golenspade/webgal-agent/internal/lock"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

func TestAcquire_CreatesRecord(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	held, err := lock.Acquire(root, "webgal-agent", "1.0.0")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	defer held.Release()

	data, err := os.ReadFile(filepath.Join(root, ".webgal_agent", "agent.lock"))
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	var rec lock.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("lock record does not parse: %v", err)
	}

	if rec.PID != os.Getpid() || rec.Owner != "webgal-agent" || rec.Version != "1.0.0" {
		t.Errorf("record mismatch: %+v", rec)
	}
}

func TestAcquire_SecondInstanceFails(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	held, err := lock.Acquire(root, "a", "1")
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	defer held.Release()

	_, err = lock.Acquire(root, "b", "1")

	te, ok := toolerr.As(err)
	if !ok || te.Code != toolerr.CodeLockHeld {
		t.Fatalf("second Acquire = %v, want E_LOCK_HELD", err)
	}

	if te.Details["owner"] != "a" {
		t.Errorf("E_LOCK_HELD should carry the existing owner, got %#v", te.Details)
	}
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	host, _ := os.Hostname()

	// A pid from a long-dead process. Pid max on Linux defaults to 4194304;
	// this one is far outside any plausible live range for a test run.
	stale := lock.Record{Owner: "ghost", PID: 1<<22 - 7, Host: host, StartedAt: time.Now().UnixMilli(), Version: "0"}

	writeRecord(t, root, stale)

	held, err := lock.Acquire(root, "live", "1")
	if err != nil {
		t.Fatalf("Acquire over stale lock failed: %v", err)
	}

	defer held.Release()

	if held.Record().Owner != "live" {
		t.Errorf("lock not reclaimed: %+v", held.Record())
	}
}

func TestAcquire_ReclaimsOtherHostLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	// Pid probes cannot cross hosts, so a foreign record counts as dead.
	foreign := lock.Record{Owner: "remote", PID: os.Getpid(), Host: "some-other-host", Version: "0"}

	writeRecord(t, root, foreign)

	held, err := lock.Acquire(root, "local", "1")
	if err != nil {
		t.Fatalf("Acquire over foreign lock failed: %v", err)
	}

	held.Release()
}

func TestAcquire_ReclaimsCorruptLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	lockPath := filepath.Join(root, ".webgal_agent", "agent.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(lockPath, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	held, err := lock.Acquire(root, "local", "1")
	if err != nil {
		t.Fatalf("Acquire over corrupt lock failed: %v", err)
	}

	held.Release()
}

func TestRelease_IsIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	held, err := lock.Acquire(root, "a", "1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := held.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if err := held.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}

	if _, ok := lock.Read(root); ok {
		t.Errorf("lock record still present after Release")
	}
}

func writeRecord(t *testing.T, root string, rec lock.Record) {
	t.Helper()

	lockPath := filepath.Join(root, ".webgal_agent", "agent.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
