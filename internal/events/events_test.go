package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/vaultsync/vaultsync/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		kind journal.Kind
		want Type
	}{
		{"_jobs/pending/j1.md", journal.KindCreate, TypeJobCreated},
		{"_jobs/pending/j1.md", journal.KindModify, TypeJobStatusChanged},
		{"_jobs/pending/j1.md", journal.KindDelete, TypeJobClaimed},
		{"_jobs/running/j1.md", journal.KindCreate, TypeJobClaimed},
		{"_jobs/running/j1.md", journal.KindModify, TypeJobStatusChanged},
		{"_jobs/done/j1.md", journal.KindCreate, TypeJobStatusChanged},
		{"_jobs/failed/j1.md", journal.KindModify, TypeJobStatusChanged},
		{"_delegation/pending/t1.md", journal.KindCreate, TypeTaskCreated},
		{"_delegation/pending/t1.md", journal.KindDelete, TypeTaskClaimed},
		{"_delegation/claimed/t1.md", journal.KindCreate, TypeTaskClaimed},
		{"_delegation/completed/t1.md", journal.KindCreate, TypeTaskCompleted},
		{"_approvals/pending/a1.md", journal.KindCreate, TypeApprovalCreated},
		{"_approvals/resolved/a1.md", journal.KindCreate, TypeApprovalResolved},
		{"_system/heartbeat.md", journal.KindModify, TypeSystemModified},
		{"Notebooks/daily.md", journal.KindCreate, TypeNoteCreated},
		{"Notebooks/daily.md", journal.KindModify, TypeNoteModified},
		{"Notebooks/daily.md", journal.KindDelete, TypeNoteDeleted},
		{"Notebooks/daily.md", journal.KindRename, TypeNoteRenamed},
		{"random/thing.md", journal.KindCreate, TypeFileCreated},
		{"random/thing.md", journal.KindModify, TypeFileModified},
		{"random/thing.md", journal.KindDelete, TypeFileDeleted},
		{"random/thing.md", journal.KindRename, TypeFileRenamed},
		// Kinds the table does not claim fall through to file events.
		{"_jobs/pending/j1.md", journal.KindRename, TypeFileRenamed},
		{"_system/heartbeat.md", journal.KindCreate, TypeFileCreated},
	}

	for _, tc := range cases {
		got := Classify(journal.Entry{Path: tc.path, Kind: tc.kind})
		if got != tc.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tc.path, tc.kind, got, tc.want)
		}
	}
}

func TestBus_TypedSubscription(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())

	var got []Type
	bus.Subscribe(func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	}, TypeNoteCreated, TypeNoteDeleted)

	bus.Publish(Event{Type: TypeNoteCreated})
	bus.Publish(Event{Type: TypeNoteModified})
	bus.Publish(Event{Type: TypeNoteDeleted})

	if len(got) != 2 || got[0] != TypeNoteCreated || got[1] != TypeNoteDeleted {
		t.Errorf("received %v", got)
	}
}

func TestBus_WildcardAndCancel(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())

	count := 0
	sub := bus.SubscribeAll(func(Event) error {
		count++
		return nil
	})

	bus.Publish(Event{Type: TypeJobCreated})
	sub.Cancel()
	bus.Publish(Event{Type: TypeJobCreated})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestBus_DirectoryPrefixFilter(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())

	var paths []string
	bus.SubscribeFilter(Filter{DirectoryPrefixes: []string{"Notebooks/"}}, func(ev Event) error {
		paths = append(paths, ev.Change.Path)
		return nil
	})

	bus.Publish(Event{Type: TypeNoteCreated, Change: journal.Entry{Path: "Notebooks/a.md"}})
	bus.Publish(Event{Type: TypeFileCreated, Change: journal.Entry{Path: "other/b.md"}})

	if len(paths) != 1 || paths[0] != "Notebooks/a.md" {
		t.Errorf("paths = %v", paths)
	}
}

func TestBus_HandlerIsolation(t *testing.T) {
	t.Parallel()

	bus := NewBus(testLogger())

	delivered := 0
	bus.SubscribeAll(func(Event) error {
		panic("handler bug")
	})
	bus.SubscribeAll(func(Event) error {
		return errors.New("handler failure")
	})
	bus.SubscribeAll(func(Event) error {
		delivered++
		return nil
	})

	bus.Publish(Event{Type: TypeNoteCreated, Change: journal.Entry{Path: "a.md"}})

	if delivered != 1 {
		t.Fatalf("healthy handler delivered %d times, want 1", delivered)
	}

	// Both the panic and the error surface on the error channel.
	for range 2 {
		select {
		case err := <-bus.Errors():
			if err == nil {
				t.Error("nil error on error channel")
			}
		default:
			t.Fatal("expected two errors on the channel")
		}
	}
}

func TestPump_DrainsTailInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), "device-a", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	bus := NewBus(testLogger())
	pump := NewPump(store, bus, 0, testLogger())

	var got []int64
	bus.SubscribeAll(func(ev Event) error {
		got = append(got, ev.Change.ID)
		return nil
	})

	for _, path := range []string{"Notebooks/a.md", "Notebooks/b.md", "Notebooks/c.md"} {
		if _, err := store.Append(ctx, &journal.Entry{
			Path: path, Kind: journal.KindCreate, Hash: "h", Size: 1, Mtime: 1,
			Source: journal.SourceWatcher,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := pump.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("delivered ids %v, want [1 2 3]", got)
	}

	// Draining again delivers nothing: the cursor advanced.
	if err := pump.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Errorf("redelivery after cursor advance: %v", got)
	}

	// New appends resume from the cursor.
	if _, err := store.Append(ctx, &journal.Entry{
		Path: "Notebooks/d.md", Kind: journal.KindCreate, Hash: "h", Size: 1, Mtime: 1,
		Source: journal.SourceWatcher,
	}); err != nil {
		t.Fatal(err)
	}

	if err := pump.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	if len(got) != 4 || got[3] != 4 {
		t.Errorf("delivered ids %v, want [1 2 3 4]", got)
	}
}
