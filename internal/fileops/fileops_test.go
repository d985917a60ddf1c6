package fileops_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Golenspade/webgal-agent/internal/fileops"
	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/snapshot"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

func newOps(t *testing.T) (*fileops.Ops, string) {
	t.Helper()

	root := t.TempDir()
	sb := sandbox.New(root, sandbox.DefaultForbiddenSegments, 0, "")
	store := snapshot.New(root, snapshot.Options{})

	return fileops.New(sb, store), root
}

func seed(t *testing.T, root, rel, content string) {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readBack(t *testing.T, root, rel string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}

	return string(data)
}

func wantCode(t *testing.T, err error, code toolerr.Code) *toolerr.Error {
	t.Helper()

	te, ok := toolerr.As(err)
	if !ok || te.Code != code {
		t.Fatalf("got %v, want %s", err, code)
	}

	return te
}

func TestListFiles(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "game/scene/start.txt", "end;\n")
	seed(t, root, "game/scene/ch1.txt", "end;\n")
	seed(t, root, "game/scene/notes.md", "x")

	if err := os.MkdirAll(filepath.Join(root, "game", "scene", "drafts"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err := ops.ListFiles("game/scene", nil, false)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}

	if len(all) != 4 {
		t.Errorf("expected 4 entries, got %v", all)
	}

	txt, err := ops.ListFiles("game/scene", []string{"*.txt"}, false)
	if err != nil {
		t.Fatalf("ListFiles with glob failed: %v", err)
	}

	if len(txt) != 2 {
		t.Errorf("glob *.txt matched %v", txt)
	}

	dirs, err := ops.ListFiles("game/scene", nil, true)
	if err != nil {
		t.Fatalf("ListFiles dirs_only failed: %v", err)
	}

	if len(dirs) != 1 || dirs[0] != "drafts" {
		t.Errorf("dirs_only = %v", dirs)
	}

	_, err = ops.ListFiles("missing", nil, false)
	wantCode(t, err, toolerr.CodeNotFound)

	_, err = ops.ListFiles("game/scene/start.txt", nil, false)
	wantCode(t, err, toolerr.CodeBadArgs)
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "game/scene/start.txt", "欢迎\n")

	res, err := ops.ReadFile("game/scene/start.txt", 0)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	if res.Content != "欢迎\n" || res.Encoding != "utf-8" || res.Bytes != len("欢迎\n") {
		t.Errorf("unexpected result: %+v", res)
	}

	_, err = ops.ReadFile("missing.txt", 0)
	wantCode(t, err, toolerr.CodeNotFound)
}

func TestReadFile_TooLarge(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "big.txt", strings.Repeat("a", 100))

	_, err := ops.ReadFile("big.txt", 10)

	te := wantCode(t, err, toolerr.CodeTooLarge)
	if !te.Recoverable {
		t.Errorf("E_TOO_LARGE should be recoverable")
	}
}

func TestReadFile_BadEncoding(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	if err := os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0xff, 0xfe, 0x00, 0x80}, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ops.ReadFile("bin.dat", 0)
	wantCode(t, err, toolerr.CodeEncoding)
}

func TestWrite_DryRunThenApply(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	dry, err := ops.Write("game/scene/test.txt", "setVar:n=1;\nend;\n", "", true, "")
	if err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}

	if dry.Applied || dry.Diff == nil || len(dry.Diff.Hunks) == 0 {
		t.Fatalf("dry-run result wrong: %+v", dry)
	}

	// Dry-run purity: nothing on disk changed.
	if _, err := os.Stat(filepath.Join(root, "game", "scene", "test.txt")); !os.IsNotExist(err) {
		t.Errorf("dry-run touched the filesystem")
	}

	applied, err := ops.Write("game/scene/test.txt", "setVar:n=1;\nend;\n", "", false, "")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if !applied.Applied || !snapshot.ValidID(applied.SnapshotID) {
		t.Fatalf("apply result wrong: %+v", applied)
	}

	if got := readBack(t, root, "game/scene/test.txt"); got != "setVar:n=1;\nend;\n" {
		t.Errorf("file content = %q", got)
	}

	metaPath := filepath.Join(root, ".webgal_agent", "snapshots", applied.SnapshotID+".meta.json")
	if _, err := os.Stat(metaPath); err != nil {
		t.Errorf("snapshot metadata missing: %v", err)
	}
}

func TestWrite_ConflictDetection(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "original")

	if _, err := ops.Write("a.txt", "edited", "", true, ""); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}

	// External mutation between dry-run and apply.
	seed(t, root, "a.txt", "meddled")

	_, err := ops.Write("a.txt", "edited", "", false, "")

	te := wantCode(t, err, toolerr.CodeConflict)

	if te.Details["expected_hash"] == te.Details["actual_hash"] {
		t.Errorf("conflict details should carry both hashes: %#v", te.Details)
	}

	if !te.Recoverable {
		t.Errorf("E_CONFLICT should be recoverable")
	}

	// The fingerprint is preserved: applying again still conflicts.
	_, err = ops.Write("a.txt", "edited", "", false, "")
	wantCode(t, err, toolerr.CodeConflict)

	// A fresh dry-run replaces the fingerprint and unblocks the apply.
	if _, err := ops.Write("a.txt", "edited", "", true, ""); err != nil {
		t.Fatalf("fresh dry-run failed: %v", err)
	}

	res, err := ops.Write("a.txt", "edited", "", false, "")
	if err != nil {
		t.Fatalf("apply after fresh dry-run failed: %v", err)
	}

	if !res.Applied {
		t.Errorf("apply did not apply: %+v", res)
	}
}

func TestWrite_ApplyWithoutDryRunIsAllowed(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "v1")

	res, err := ops.Write("a.txt", "v2", "", false, "")
	if err != nil {
		t.Fatalf("direct apply failed: %v", err)
	}

	if !res.Applied || readBack(t, root, "a.txt") != "v2" {
		t.Errorf("direct apply wrong: %+v", res)
	}
}

func TestWrite_AppendMode(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "line1;\n")

	res, err := ops.Write("a.txt", "line2;\n", "append", false, "")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if got := readBack(t, root, "a.txt"); got != "line1;\nline2;\n" {
		t.Errorf("append content = %q", got)
	}

	if res.BytesWritten != len("line1;\nline2;\n") {
		t.Errorf("bytes_written = %d", res.BytesWritten)
	}
}

func TestWrite_AppendIsFingerprintChecked(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "base;\n")

	if _, err := ops.Write("a.txt", "more;\n", "append", true, ""); err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}

	seed(t, root, "a.txt", "changed;\n")

	_, err := ops.Write("a.txt", "more;\n", "append", false, "")
	wantCode(t, err, toolerr.CodeConflict)
}

func TestWrite_IdempotencySkipsFileMutation(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	first, err := ops.Write("p.txt", "A", "", false, "k")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	second, err := ops.Write("p.txt", "B", "", false, "k")
	if err != nil {
		t.Fatalf("retried write failed: %v", err)
	}

	if second.SnapshotID != first.SnapshotID {
		t.Errorf("retry returned %s, want %s", second.SnapshotID, first.SnapshotID)
	}

	if second.BytesWritten != 0 {
		t.Errorf("retry reported %d bytes written", second.BytesWritten)
	}

	if got := readBack(t, root, "p.txt"); got != "A" {
		t.Errorf("retry mutated the file: %q", got)
	}
}

func TestWrite_BadModeRejected(t *testing.T) {
	t.Parallel()

	ops, _ := newOps(t)

	_, err := ops.Write("a.txt", "x", "merge", false, "")
	wantCode(t, err, toolerr.CodeBadArgs)
}

func TestReplace_CountsAndWrites(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "game/scene/start.txt", "欢迎\nsay:欢迎回来;\n")

	count, err := ops.Replace("game/scene/start.txt", "欢迎", "你好", "")
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	got := readBack(t, root, "game/scene/start.txt")
	if strings.Contains(got, "欢迎") || !strings.Contains(got, "你好") {
		t.Errorf("content = %q", got)
	}
}

func TestReplace_NoMatchDoesNotTouchDisk(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "hello")

	before, err := os.Stat(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}

	count, err := ops.Replace("a.txt", "zzz", "x", "")
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	after, err := os.Stat(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}

	if before.ModTime() != after.ModTime() || before.Size() != after.Size() {
		t.Errorf("zero-match replace touched the file")
	}
}

func TestReplace_GroupExpansionAndFlags(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "bgm:Theme.MP3;\nbgm:intro.mp3;\n")

	count, err := ops.Replace("a.txt", `bgm:(\w+)\.mp3;`, "playVocal:$1.mp3;", "gi")
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	got := readBack(t, root, "a.txt")
	if !strings.Contains(got, "playVocal:Theme.mp3;") || !strings.Contains(got, "playVocal:intro.mp3;") {
		t.Errorf("content = %q", got)
	}
}

func TestReplace_FirstOnlyWithoutGlobalFlag(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "x x x")

	count, err := ops.Replace("a.txt", "x", "y", "i")
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if count != 1 || readBack(t, root, "a.txt") != "y x x" {
		t.Errorf("count=%d content=%q", count, readBack(t, root, "a.txt"))
	}
}

func TestReplace_BadRegexRejected(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "a.txt", "x")

	_, err := ops.Replace("a.txt", "(", "y", "")
	wantCode(t, err, toolerr.CodeBadArgs)

	_, err = ops.Replace("a.txt", "x", "y", "gx")
	wantCode(t, err, toolerr.CodeBadArgs)
}

func TestSearch(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	seed(t, root, "game/scene/start.txt", "changeBg:beach.jpg;\nsay:hello;\n")
	seed(t, root, "game/scene/ch1.txt", "changeBg:forest.png;\nend;\n")
	seed(t, root, "game/scene/.hidden.txt", "changeBg:secret.png;\n")
	seed(t, root, "notes.md", "changeBg mention\n")

	matches, err := ops.Search("game", `changeBg:`, "*.txt", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matches)
	}

	for _, m := range matches {
		if m.Line != 1 || !strings.HasPrefix(m.Preview, "changeBg:") {
			t.Errorf("bad match: %+v", m)
		}
	}
}

func TestSearch_MaxMatchesAndPreviewCap(t *testing.T) {
	t.Parallel()

	ops, root := newOps(t)

	long := strings.Repeat("x", 500)
	seed(t, root, "a.txt", strings.Repeat("hit "+long+"\n", 50))

	matches, err := ops.Search(".", "hit", "", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(matches) != 10 {
		t.Errorf("max_matches not honored: %d", len(matches))
	}

	for _, m := range matches {
		if len(m.Preview) > 200 {
			t.Errorf("preview exceeds 200 chars: %d", len(m.Preview))
		}
	}
}

func TestSearch_BadRegexRejected(t *testing.T) {
	t.Parallel()

	ops, _ := newOps(t)

	_, err := ops.Search(".", "[", "", 0)
	wantCode(t, err, toolerr.CodeBadArgs)
}

func TestSnapshotRoundTripThroughOps(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sb := sandbox.New(root, sandbox.DefaultForbiddenSegments, 0, "")
	store := snapshot.New(root, snapshot.Options{})

	// A ticking clock keeps snapshot ordering deterministic even when two
	// writes land in the same millisecond.
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time {
		clock = clock.Add(time.Second)

		return clock
	})

	ops := fileops.New(sb, store)

	seed(t, root, "game/scene/start.txt", "C0")

	r1, err := ops.Write("game/scene/start.txt", "C1", "", false, "k1")
	if err != nil {
		t.Fatal(err)
	}

	r2, err := ops.Write("game/scene/start.txt", "C2", "", false, "")
	if err != nil {
		t.Fatal(err)
	}

	metas, err := ops.ListSnapshots("game/scene/start.txt", 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(metas) != 2 || metas[0].ID != r2.SnapshotID || metas[1].ID != r1.SnapshotID {
		t.Fatalf("snapshot list wrong: %+v", metas)
	}

	path, content, err := ops.RestoreSnapshot(r1.SnapshotID)
	if err != nil {
		t.Fatal(err)
	}

	if path != "game/scene/start.txt" || content != "C1" {
		t.Errorf("restore = (%q, %q)", path, content)
	}

	// Writing the restored content back restores the file.
	if _, err := ops.Write(path, content, "", false, ""); err != nil {
		t.Fatal(err)
	}

	if got := readBack(t, root, "game/scene/start.txt"); got != "C1" {
		t.Errorf("file after restore-write = %q", got)
	}
}
