package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records frames; fail makes every send error.
type fakeSender struct {
	frames [][]byte
	fail   bool
}

func (f *fakeSender) Send(_ context.Context, frame []byte) error {
	if f.fail {
		return fmt.Errorf("send refused")
	}

	f.frames = append(f.frames, frame)

	return nil
}

func TestRingBuffer_EvictsOldest(t *testing.T) {
	t.Parallel()

	buf := &ringBuffer{}

	for i := 0; i < 1500; i++ {
		buf.push([]byte(fmt.Sprintf("frame-%d", i)))
	}

	if len(buf.frames) != OfflineBufferCap {
		t.Fatalf("len = %d, want %d", len(buf.frames), OfflineBufferCap)
	}

	if buf.evicted != 500 {
		t.Errorf("evicted = %d, want 500", buf.evicted)
	}

	// The survivors are the newest 1000, in push order.
	if got := string(buf.frames[0]); got != "frame-500" {
		t.Errorf("oldest surviving frame = %q", got)
	}

	if got := string(buf.frames[len(buf.frames)-1]); got != "frame-1499" {
		t.Errorf("newest frame = %q", got)
	}
}

func TestRoom_BroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	room := newRoom("vault1")
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	room.Join("dev-a", "A", a)
	room.Join("dev-b", "B", b)
	room.Join("dev-c", "C", c)

	failed := room.Broadcast(context.Background(), []byte("delta"), "dev-a")
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}

	if len(a.frames) != 0 {
		t.Error("sender received its own broadcast")
	}

	if len(b.frames) != 1 || len(c.frames) != 1 {
		t.Errorf("peers got %d/%d frames, want 1/1", len(b.frames), len(c.frames))
	}
}

func TestRoom_BroadcastReportsFailedPeers(t *testing.T) {
	t.Parallel()

	room := newRoom("vault1")
	room.Join("dev-a", "A", &fakeSender{})
	room.Join("dev-b", "B", &fakeSender{fail: true})

	failed := room.Broadcast(context.Background(), []byte("delta"), "")
	if len(failed) != 1 || failed["dev-b"] == nil {
		t.Errorf("failed = %v, want dev-b only", failed)
	}
}

func TestRoom_SendToOfflineDevice(t *testing.T) {
	t.Parallel()

	room := newRoom("vault1")
	room.Join("dev-a", "A", &fakeSender{})

	online, err := room.SendTo(context.Background(), "dev-gone", []byte("req"))
	if err != nil {
		t.Fatal(err)
	}

	if online {
		t.Error("absent device reported online")
	}
}

func TestRoom_OfflineDrainOrderAndReset(t *testing.T) {
	t.Parallel()

	room := newRoom("vault1")

	for i := 0; i < 3; i++ {
		room.BufferOffline("dev-b", []byte(fmt.Sprintf("f%d", i)))
	}

	frames, evicted := room.DrainOffline("dev-b")
	if len(frames) != 3 || evicted != 0 {
		t.Fatalf("drained %d frames, evicted %d", len(frames), evicted)
	}

	for i, f := range frames {
		if string(f) != fmt.Sprintf("f%d", i) {
			t.Errorf("frame %d = %q", i, f)
		}
	}

	// Drain empties the buffer.
	frames, _ = room.DrainOffline("dev-b")
	if frames != nil {
		t.Errorf("second drain returned %d frames", len(frames))
	}
}

func TestHub_CollectsEmptyRooms(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	room := hub.Room("vault1")
	room.Join("dev-a", "A", &fakeSender{})

	room.Leave("dev-a")
	hub.Collect("vault1")

	if hub.Len() != 0 {
		t.Errorf("empty room not collected, %d rooms", hub.Len())
	}

	// A room with buffered frames survives collection.
	room = hub.Room("vault2")
	room.BufferOffline("dev-b", []byte("pending"))
	hub.Collect("vault2")

	if hub.Len() != 1 {
		t.Error("room with offline buffer was collected")
	}
}

func TestRegistry_SecretSurvivesReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "registry.db")

	r1, err := OpenRegistry(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	secret := append([]byte(nil), r1.Secret()...)
	if len(secret) != 32 {
		t.Fatalf("secret length = %d", len(secret))
	}

	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := OpenRegistry(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	if string(r2.Secret()) != string(secret) {
		t.Error("secret changed across reopen; issued tokens would all break")
	}
}

func TestRegistry_UpsertAndCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	r, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.UpsertDevice(ctx, "vault1", "dev-a", "laptop"); err != nil {
		t.Fatal(err)
	}

	if err := r.UpsertDevice(ctx, "vault1", "dev-b", "phone"); err != nil {
		t.Fatal(err)
	}

	// Re-upsert is idempotent for the count.
	if err := r.UpsertDevice(ctx, "vault1", "dev-a", "laptop-renamed"); err != nil {
		t.Fatal(err)
	}

	n, err := r.CountDevices(ctx, "vault1")
	if err != nil {
		t.Fatal(err)
	}

	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	known, err := r.KnownDevice(ctx, "vault1", "dev-a")
	if err != nil {
		t.Fatal(err)
	}

	if !known {
		t.Error("upserted device unknown")
	}

	known, err = r.KnownDevice(ctx, "vault2", "dev-a")
	if err != nil {
		t.Fatal(err)
	}

	if known {
		t.Error("device known under the wrong vault")
	}

	devices, err := r.DevicesForVault(ctx, "vault1")
	if err != nil {
		t.Fatal(err)
	}

	if len(devices) != 2 || devices[0].DeviceName != "laptop-renamed" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestPairings_ConfirmAndExpiry(t *testing.T) {
	t.Parallel()

	p := newPairings()
	now := time.Now()
	p.nowFunc = func() time.Time { return now }

	p.request("dev-new", "tablet", "vault1", "codehash")

	pending, ok := p.confirm("dev-new")
	if !ok || pending.vaultID != "vault1" || pending.codeHash != "codehash" {
		t.Fatalf("confirm = %+v, %v", pending, ok)
	}

	// Confirm consumes the entry.
	if _, ok := p.confirm("dev-new"); ok {
		t.Error("pairing confirmed twice")
	}

	// Expired entries are unconfirmable.
	p.request("dev-late", "tablet", "vault1", "codehash")
	now = now.Add(PairingTTL + time.Second)

	if _, ok := p.confirm("dev-late"); ok {
		t.Error("expired pairing confirmed")
	}
}
