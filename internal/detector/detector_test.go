package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultsync/vaultsync/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDetector(t *testing.T, opts Options) (*Detector, string, *journal.Store) {
	t.Helper()

	vaultDir := t.TempDir()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), "device-a", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { store.Close() })

	d, err := New(vaultDir, store, opts, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	return d, vaultDir, store
}

func writeVaultFile(t *testing.T, vaultDir, relPath, content string) {
	t.Helper()

	fsPath := filepath.Join(vaultDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(fsPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFilter_Syncable(t *testing.T) {
	t.Parallel()

	f, err := NewFilter([]string{"drafts/**", "*.tmp.md"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"notes/daily.md", true},
		{"notes/Daily.MD", true},
		{"notes/image.png", false},
		{".obsidian/workspace.md", false},
		{"_embeddings/cache.md", false},
		{"deep/.git/objects/x.md", false},
		{"notes/.DS_Store", false},
		{"node_modules/pkg/readme.md", false},
		{"notes/todo.sync-conflict-20260101-120000-abcd1234.md", false},
		{".trash/old.md", false},
		{"drafts/wip.md", false},
		{"scratch.tmp.md", false},
	}

	for _, tc := range cases {
		if got := f.Syncable(tc.path); got != tc.want {
			t.Errorf("Syncable(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestFilter_IgnoredPrunesDirectories(t *testing.T) {
	t.Parallel()

	f, err := NewFilter(nil)
	if err != nil {
		t.Fatal(err)
	}

	if !f.Ignored(".obsidian") {
		t.Error(".obsidian directory not ignored")
	}

	if f.Ignored("notes") {
		t.Error("plain directory ignored")
	}
}

func TestNewFilter_BadPattern(t *testing.T) {
	t.Parallel()

	if _, err := NewFilter([]string{"[unterminated"}); err == nil {
		t.Error("bad glob accepted")
	}
}

func TestSuppressor_Expiry(t *testing.T) {
	t.Parallel()

	s := NewSuppressor()
	now := time.Now()
	s.nowFunc = func() time.Time { return now }

	s.Suppress("a.md", time.Second)

	if !s.Suppressed("a.md") {
		t.Fatal("fresh suppression not active")
	}

	if s.Suppressed("b.md") {
		t.Fatal("unsuppressed path reported suppressed")
	}

	now = now.Add(2 * time.Second)

	if s.Suppressed("a.md") {
		t.Error("suppression survived expiry")
	}

	if s.Len() != 0 {
		t.Errorf("Len = %d after expiry", s.Len())
	}
}

func TestSuppressor_ExtendNeverShortens(t *testing.T) {
	t.Parallel()

	s := NewSuppressor()
	now := time.Now()
	s.nowFunc = func() time.Time { return now }

	s.Suppress("a.md", 10*time.Second)
	s.Suppress("a.md", time.Second) // shorter re-suppress must not shrink the window

	now = now.Add(5 * time.Second)

	if !s.Suppressed("a.md") {
		t.Error("longer suppression window was shortened")
	}
}

func TestFullScan_DetectsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "notes/alpha.md", "# alpha")
	writeVaultFile(t, vaultDir, "notes/beta.md", "# beta")
	writeVaultFile(t, vaultDir, "notes/image.png", "binary")
	writeVaultFile(t, vaultDir, ".obsidian/workspace.md", "internal")

	result, err := d.FullScan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}

	entries, err := store.After(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 {
		t.Fatalf("journal has %d entries, want 2", len(entries))
	}

	for _, e := range entries {
		if e.Kind != journal.KindCreate || e.Source != journal.SourceScan {
			t.Errorf("entry %s: kind=%s source=%s", e.Path, e.Kind, e.Source)
		}

		if e.Hash == "" || e.Size == 0 || e.Mtime == 0 {
			t.Errorf("entry %s missing metadata: %+v", e.Path, e)
		}
	}

	// Second scan over an unchanged vault appends nothing.
	again, err := d.FullScan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if again.Created != 0 || again.Modified != 0 || again.Deleted != 0 {
		t.Errorf("rescan not idempotent: %+v", again)
	}

	latest, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if latest != entries[len(entries)-1].ID {
		t.Errorf("rescan advanced the journal: latest = %d", latest)
	}
}

func TestFullScan_DetectsModifyAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "keep.md", "v1")
	writeVaultFile(t, vaultDir, "gone.md", "bye")

	if _, err := d.FullScan(ctx); err != nil {
		t.Fatal(err)
	}

	// Mutate: rewrite one file with a different mtime, remove the other.
	writeVaultFile(t, vaultDir, "keep.md", "v2 content")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(vaultDir, "keep.md"), future, future); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(vaultDir, "gone.md")); err != nil {
		t.Fatal(err)
	}

	result, err := d.FullScan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if result.Modified != 1 || result.Deleted != 1 {
		t.Fatalf("result = %+v, want 1 modify + 1 delete", result)
	}

	if _, err := store.Version(ctx, "gone.md"); !errors.Is(err, journal.ErrVersionNotFound) {
		t.Errorf("deleted file still has a version: %v", err)
	}

	v, err := store.Version(ctx, "keep.md")
	if err != nil {
		t.Fatal(err)
	}

	if v.Version != 2 {
		t.Errorf("keep.md version = %d, want 2", v.Version)
	}
}

func TestFullScan_SkipsSuppressedPaths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "remote-write.md", "applied by sync engine")
	d.Suppress("remote-write.md", time.Minute)

	result, err := d.FullScan(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if result.Created != 0 {
		t.Errorf("Created = %d for suppressed path", result.Created)
	}

	latest, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if latest != 0 {
		t.Errorf("suppressed write reached the journal, latest = %d", latest)
	}
}

func TestProcessMutation_CreateModifyNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "note.md", "first")
	d.processMutation(ctx, "note.md", journal.SourceWatcher)

	entries, err := store.After(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Kind != journal.KindCreate {
		t.Fatalf("after create: %+v", entries)
	}

	writeVaultFile(t, vaultDir, "note.md", "second")
	d.processMutation(ctx, "note.md", journal.SourceWatcher)

	entries, err = store.After(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 || entries[1].Kind != journal.KindModify {
		t.Fatalf("after modify: %+v", entries)
	}

	// Same content again: no new journal entry.
	d.processMutation(ctx, "note.md", journal.SourceWatcher)

	entries, err = store.After(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 {
		t.Errorf("no-op write appended an entry: %d entries", len(entries))
	}
}

func TestRenameCorrelation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "old-name.md", "same bytes")
	d.processMutation(ctx, "old-name.md", journal.SourceWatcher)

	// Simulate mv: the watcher sees a remove for the old path, then a
	// create for the new one with identical content.
	if err := os.Rename(
		filepath.Join(vaultDir, "old-name.md"),
		filepath.Join(vaultDir, "new-name.md"),
	); err != nil {
		t.Fatal(err)
	}

	d.scheduleDelete(ctx, "old-name.md")
	d.processMutation(ctx, "new-name.md", journal.SourceWatcher)

	entries, err := store.After(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	last := entries[len(entries)-1]
	if last.Kind != journal.KindRename {
		t.Fatalf("kind = %s, want rename (entries: %+v)", last.Kind, entries)
	}

	if last.OldPath != "old-name.md" || last.Path != "new-name.md" {
		t.Errorf("rename %q -> %q", last.OldPath, last.Path)
	}

	// History migrated: old path gone, new path carries the lineage.
	if _, err := store.Version(ctx, "old-name.md"); !errors.Is(err, journal.ErrVersionNotFound) {
		t.Errorf("old path still has versions: %v", err)
	}

	v, err := store.Version(ctx, "new-name.md")
	if err != nil {
		t.Fatal(err)
	}

	if v.Version != 2 {
		t.Errorf("new path version = %d, want 2", v.Version)
	}

	// The pending delete was claimed; nothing fires later.
	d.mu.Lock()
	pending := len(d.pendingDeletes)
	d.mu.Unlock()

	if pending != 0 {
		t.Errorf("%d pending deletes remain after claim", pending)
	}
}

func TestScheduleDelete_FiresWhenUnclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "doomed.md", "content")
	d.processMutation(ctx, "doomed.md", journal.SourceWatcher)

	if err := os.Remove(filepath.Join(vaultDir, "doomed.md")); err != nil {
		t.Fatal(err)
	}

	d.scheduleDelete(ctx, "doomed.md")

	deadline := time.After(3 * renameWindow)
	for {
		entries, err := store.After(ctx, 0, 10)
		if err != nil {
			t.Fatal(err)
		}

		if len(entries) == 2 {
			if entries[1].Kind != journal.KindDelete {
				t.Fatalf("kind = %s, want delete", entries[1].Kind)
			}

			return
		}

		select {
		case <-deadline:
			t.Fatal("delete never journaled")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestFlushPending_JournalsHeldDeletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, vaultDir, store := newTestDetector(t, Options{})

	writeVaultFile(t, vaultDir, "held.md", "content")
	d.processMutation(ctx, "held.md", journal.SourceWatcher)

	if err := os.Remove(filepath.Join(vaultDir, "held.md")); err != nil {
		t.Fatal(err)
	}

	d.scheduleDelete(ctx, "held.md")
	d.flushPending()

	entries, err := store.After(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 || entries[1].Kind != journal.KindDelete {
		t.Fatalf("after flush: %+v", entries)
	}
}

func TestScheduleDelete_UnknownPathIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _, store := newTestDetector(t, Options{})

	d.scheduleDelete(ctx, "never-seen.md")
	d.flushPending()

	latest, err := store.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if latest != 0 {
		t.Errorf("delete for untracked path journaled, latest = %d", latest)
	}
}

func TestNew_RejectsMissingVault(t *testing.T) {
	t.Parallel()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), "device-a", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := New("/definitely/not/a/vault", store, Options{}, testLogger()); err == nil {
		t.Error("nonexistent vault directory accepted")
	}
}
