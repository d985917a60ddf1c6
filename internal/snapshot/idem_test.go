package snapshot_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Golenspade/webgal-agent/internal/snapshot"
)

func readIdemDoc(t *testing.T, root string) map[string]struct {
	SnapshotID string `json:"snapshotId"`
	Timestamp  int64  `json:"timestamp"`
} {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, ".webgal_agent", "idem.json"))
	if err != nil {
		t.Fatalf("idem.json missing: %v", err)
	}

	var doc map[string]struct {
		SnapshotID string `json:"snapshotId"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("idem.json does not parse: %v", err)
	}

	return doc
}

func TestIdem_SizePruneKeepsNewest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	store := snapshot.New(root, snapshot.Options{IdemMaxEntries: 2})

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time {
		clock = clock.Add(time.Minute)

		return clock
	})

	for _, key := range []string{"k1", "k2", "k3"} {
		if _, err := store.Save("a.txt", "content "+key, key); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	doc := readIdemDoc(t, root)

	if len(doc) != 2 {
		t.Fatalf("expected 2 entries after prune, got %d", len(doc))
	}

	if _, dropped := doc["k1"]; dropped {
		t.Errorf("oldest entry should have been pruned: %v", doc)
	}

	for _, key := range []string{"k2", "k3"} {
		if _, kept := doc[key]; !kept {
			t.Errorf("entry %s missing: %v", key, doc)
		}
	}
}

func TestIdem_AgePrune(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	store := snapshot.New(root, snapshot.Options{IdemMaxAgeDays: 7})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base

	store.SetNowFunc(func() time.Time { return now })

	if _, err := store.Save("a.txt", "old", "stale-key"); err != nil {
		t.Fatal(err)
	}

	// Ten days later, a new insert prunes the stale entry.
	now = base.AddDate(0, 0, 10)

	if _, err := store.Save("a.txt", "new", "fresh-key"); err != nil {
		t.Fatal(err)
	}

	doc := readIdemDoc(t, root)

	if _, stale := doc["stale-key"]; stale {
		t.Errorf("stale entry survived the prune: %v", doc)
	}

	if _, fresh := doc["fresh-key"]; !fresh {
		t.Errorf("fresh entry missing: %v", doc)
	}
}

func TestIdem_CorruptDocumentYieldsEmptyCache(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	stateDir := filepath.Join(root, ".webgal_agent")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(stateDir, "idem.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := snapshot.New(root, snapshot.Options{})

	// A corrupt document must not block saves; the key simply misses.
	id, err := store.Save("a.txt", "v1", "k")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if id == "" {
		t.Fatal("no id returned")
	}

	doc := readIdemDoc(t, root)
	if doc["k"].SnapshotID != id {
		t.Errorf("rewritten idem.json wrong: %v", doc)
	}
}
