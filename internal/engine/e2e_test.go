package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vaultsync/vaultsync/internal/conflict"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/journal"
	"github.com/vaultsync/vaultsync/internal/relay"
)

// Two full engines syncing through a real relay over localhost. This is
// the realtime round-trip scenario: an edit on device 1 lands on device
// 2's disk, in its hash cache, and in its journal as a remote apply.
func TestTwoDeviceRealtimeSync(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	port := freePort(t)

	srv, err := relay.New(relay.Options{
		Host:               "127.0.0.1",
		Port:               port,
		MaxDevicesPerVault: 10,
		RegistryPath:       filepath.Join(t.TempDir(), "registry.db"),
		Version:            "e2e",
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	go srv.Serve(ctx)
	waitForHealth(t, ctx, port)

	key := e2ee.DeriveKey("correct horse battery staple")
	vaultID := e2ee.VaultID(key)
	serverURL := fmt.Sprintf("ws://127.0.0.1:%d", port)

	e1, vault1 := startEngine(t, ctx, "aaaa111122223333", serverURL, vaultID, key)
	e2, vault2 := startEngine(t, ctx, "bbbb444455556666", serverURL, vaultID, key)

	waitFor(t, 20*time.Second, func() bool {
		return e1.EngineStats().Connected && e2.EngineStats().Connected
	}, "both engines connected")

	// Device 1 writes a note.
	if err := os.MkdirAll(filepath.Join(vault1, "Notebooks"), 0o755); err != nil {
		t.Fatal(err)
	}

	// Give the watcher a moment to register the new directory.
	time.Sleep(500 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(vault1, "Notebooks", "b.md"),
		[]byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(vault2, "Notebooks", "b.md")

	waitFor(t, 30*time.Second, func() bool {
		body, err := os.ReadFile(target)
		return err == nil && string(body) == "hello"
	}, "device 2 received the note")

	wantHash := e2ee.ContentHash([]byte("hello"))

	if h, ok := e2.localHash("Notebooks/b.md"); !ok || h != wantHash {
		t.Errorf("device 2 hash cache = %q, want %q", h, wantHash)
	}

	// Device 2's journal shows the apply as a remote change from dev 1.
	entries, err := e2.store.After(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}

	foundRemote := false
	for _, entry := range entries {
		if entry.Path == "Notebooks/b.md" && entry.Source == journal.SourceRemote {
			foundRemote = true

			if entry.DeviceID != "aaaa111122223333" {
				t.Errorf("remote entry device = %q", entry.DeviceID)
			}
		}
	}

	if !foundRemote {
		t.Error("no remote-sourced journal entry on device 2")
	}
}

// A one-shot pass picks up an edit made while the engine was not
// running, pushes it, and returns on its own.
func TestSyncOncePushesOfflineEdit(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	port := freePort(t)

	srv, err := relay.New(relay.Options{
		Host:               "127.0.0.1",
		Port:               port,
		MaxDevicesPerVault: 10,
		RegistryPath:       filepath.Join(t.TempDir(), "registry.db"),
		Version:            "e2e",
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	go srv.Serve(ctx)
	waitForHealth(t, ctx, port)

	key := e2ee.DeriveKey("correct horse battery staple")
	vaultID := e2ee.VaultID(key)
	serverURL := fmt.Sprintf("ws://127.0.0.1:%d", port)

	receiver, receiverVault := startEngine(t, ctx, "bbbb444455556666", serverURL, vaultID, key)

	waitFor(t, 20*time.Second, func() bool {
		return receiver.EngineStats().Connected
	}, "receiver connected")

	// The sender's edit exists before its engine ever runs.
	sender, senderVault := newEngine(t, "aaaa111122223333", serverURL, vaultID, key)

	if err := os.MkdirAll(filepath.Join(senderVault, "Notebooks"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(senderVault, "Notebooks", "offline.md"),
		[]byte("written offline"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := sender.SyncOnce(ctx); err != nil {
		t.Fatalf("one-shot sync: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(receiverVault, "Notebooks", "offline.md"))
	if err != nil {
		t.Fatal(err)
	}

	if string(body) != "written offline" {
		t.Errorf("received body = %q", body)
	}
}

func newEngine(t *testing.T, deviceID, serverURL, vaultID string, key []byte) (*Engine, string) {
	t.Helper()

	vaultDir := t.TempDir()
	stateDir := t.TempDir()

	store, err := journal.Open(filepath.Join(stateDir, "journal.db"), deviceID, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { store.Close() })

	e, err := New(Options{
		VaultDir:     vaultDir,
		ServerURL:    serverURL,
		DeviceID:     deviceID,
		DeviceName:   deviceID[:4],
		VaultID:      vaultID,
		Key:          key,
		Strategy:     conflict.StrategyNewerWins,
		ScanInterval: time.Hour,
		TokenPath:    filepath.Join(stateDir, "token"),
	}, store, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	return e, vaultDir
}

func startEngine(t *testing.T, ctx context.Context, deviceID, serverURL, vaultID string, key []byte) (*Engine, string) {
	t.Helper()

	e, vaultDir := newEngine(t, deviceID, serverURL, vaultID, key)
	go e.Serve(ctx)

	return e, vaultDir
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port
}

func waitForHealth(t *testing.T, ctx context.Context, port int) {
	t.Helper()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	waitFor(t, 10*time.Second, func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}

		resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, "relay healthy")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}
