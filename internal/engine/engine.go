package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/vaultsync/vaultsync/internal/conflict"
	"github.com/vaultsync/vaultsync/internal/detector"
	"github.com/vaultsync/vaultsync/internal/events"
	"github.com/vaultsync/vaultsync/internal/journal"
	"github.com/vaultsync/vaultsync/internal/protocol"
)

// Journal cursor names owned by the engine.
const (
	outboundCursor = "outbound"  // last local change pushed to the relay
	lastSyncCursor = "last-sync" // highest remote change id applied
)

const outboundPollInterval = 250 * time.Millisecond

// Options assembles a sync engine for one vault.
type Options struct {
	VaultDir      string
	ServerURL     string
	DeviceID      string
	DeviceName    string
	VaultID       string
	Key           []byte
	Strategy      conflict.Strategy
	Ignore        []string
	ScanInterval  time.Duration
	ClientVersion string
	TokenPath     string
}

// Engine owns every client-side moving part: the change detector, the
// event pump, the relay transport, the outbound pump, and the inbound
// apply path. All of them run under one supervisor so a crashed service
// restarts without tearing the engine down.
// changeResolver is what the apply path needs from the conflict
// resolver. conflict.Resolver is the production implementation.
type changeResolver interface {
	Resolve(ctx context.Context, incoming conflict.Incoming, localHash string) (*conflict.Outcome, error)
}

type Engine struct {
	opts      Options
	store     *journal.Store
	det       *detector.Detector
	resolver  changeResolver
	transport *Transport
	filter    *detector.Filter
	queue     *outboundQueue
	fetches   *fetchTable
	applyCh   chan protocol.Message
	bus       *events.Bus
	pump      *events.Pump
	logger    *slog.Logger

	// hashes is the local content-hash cache; remoteKnown tracks the
	// last hash each path was known to have on the wire, which decides
	// whether a remote delete may clobber local content.
	cacheMu     sync.Mutex
	hashes      map[string]string
	remoteKnown map[string]string

	peersMu sync.Mutex
	peers   []protocol.DeviceInfo

	// activity is the unix-milli timestamp of the last wire interaction.
	// SyncOnce uses it to decide when the session has gone quiet.
	activity atomic.Int64
}

func (e *Engine) touchActivity() {
	e.activity.Store(time.Now().UnixMilli())
}

// New assembles an engine. The journal store is injected so commands
// can share it for status queries.
func New(opts Options, store *journal.Store, logger *slog.Logger) (*Engine, error) {
	filter, err := detector.NewFilter(opts.Ignore)
	if err != nil {
		return nil, err
	}

	det, err := detector.New(opts.VaultDir, store, detector.Options{
		ScanInterval: opts.ScanInterval,
		Ignore:       opts.Ignore,
	}, logger)
	if err != nil {
		return nil, err
	}

	resolver, err := conflict.New(opts.VaultDir, opts.Strategy, store, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)

	e := &Engine{
		opts:        opts,
		store:       store,
		det:         det,
		resolver:    resolver,
		filter:      filter,
		queue:       &outboundQueue{},
		fetches:     newFetchTable(),
		applyCh:     make(chan protocol.Message, 256),
		bus:         bus,
		pump:        events.NewPump(store, bus, 0, logger),
		logger:      logger,
		hashes:      make(map[string]string),
		remoteKnown: make(map[string]string),
	}

	e.transport = NewTransport(TransportOptions{
		URL:           opts.ServerURL,
		DeviceID:      opts.DeviceID,
		DeviceName:    opts.DeviceName,
		VaultID:       opts.VaultID,
		Key:           opts.Key,
		ClientVersion: opts.ClientVersion,
	}, &fileTokenStore{path: opts.TokenPath}, e.onConnect, logger)

	if err := e.loadHashCache(); err != nil {
		return nil, err
	}

	return e, nil
}

// Bus exposes the domain event bus for adjacent subsystems.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Serve runs all engine services under a supervisor until the context
// is canceled. Implements suture.Service, so engines can themselves be
// supervised.
func (e *Engine) Serve(ctx context.Context) error {
	sup := suture.New("engine", suture.Spec{
		EventHook: func(ev suture.Event) {
			e.logger.Warn("engine service event", slog.String("event", ev.String()))
		},
	})

	sup.Add(e.det)
	sup.Add(e.pump)
	sup.Add(e.transport)
	sup.Add(serviceFunc{name: "outbound", run: e.outboundLoop})
	sup.Add(serviceFunc{name: "inbound", run: e.inboundLoop})
	sup.Add(serviceFunc{name: "apply", run: e.applyLoop})

	err := sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("engine: supervisor: %w", err)
	}

	return nil
}

// serviceFunc adapts a plain loop to suture.Service.
type serviceFunc struct {
	name string
	run  func(context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.run(ctx) }
func (s serviceFunc) String() string                  { return s.name }

// loadHashCache seeds the hash cache from the version store so restarts
// do not re-fetch unchanged files.
func (e *Engine) loadHashCache() error {
	versions, err := e.store.CurrentVersions(context.Background())
	if err != nil {
		return err
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	for path, v := range versions {
		e.hashes[path] = v.Hash
	}

	return nil
}

func (e *Engine) localHash(path string) (string, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	h, ok := e.hashes[path]

	return h, ok
}

func (e *Engine) setLocalHash(path, hash string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.hashes[path] = hash
}

func (e *Engine) dropHashes(path string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.hashes, path)
	delete(e.remoteKnown, path)
}

func (e *Engine) migrateHashes(oldPath, newPath string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if h, ok := e.hashes[oldPath]; ok {
		e.hashes[newPath] = h
		delete(e.hashes, oldPath)
	}

	if h, ok := e.remoteKnown[oldPath]; ok {
		e.remoteKnown[newPath] = h
		delete(e.remoteKnown, oldPath)
	}
}

func (e *Engine) setRemoteKnown(path, hash string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.remoteKnown[path] = hash
}

func (e *Engine) remoteKnownHash(path string) string {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	return e.remoteKnown[path]
}

// onConnect drains the offline queue into the fresh session, then asks
// peers for everything after the last applied change.
func (e *Engine) onConnect(ack *protocol.HelloAck) {
	e.peersMu.Lock()
	e.peers = ack.ConnectedDevices
	e.peersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, change := range e.queue.drain() {
		if err := e.transport.Send(ctx, &protocol.DeltaPush{Change: change}); err != nil {
			// Connection died mid-drain; requeue and let the next
			// session retry.
			e.queue.enqueue(change)

			if errors.Is(err, ErrNotConnected) {
				return
			}
		}
	}

	since, err := e.store.Cursor(ctx, lastSyncCursor)
	if err != nil {
		e.logger.Warn("catchup cursor unavailable", slog.String("error", err.Error()))
		return
	}

	if err := e.transport.Send(ctx, &protocol.IndexRequest{
		DeviceID:      e.opts.DeviceID,
		SinceChangeID: since,
	}); err != nil {
		e.logger.Warn("catchup request failed", slog.String("error", err.Error()))
	}
}

// Peers returns the most recent device list from the relay.
func (e *Engine) Peers() []protocol.DeviceInfo {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	return append([]protocol.DeviceInfo(nil), e.peers...)
}

// Stats summarizes engine state for status output.
type Stats struct {
	Connected     bool
	QueuedChanges int
	Peers         int
}

// EngineStats reports live transport and queue state.
func (e *Engine) EngineStats() Stats {
	e.peersMu.Lock()
	peers := len(e.peers)
	e.peersMu.Unlock()

	return Stats{
		Connected:     e.transport.Connected(),
		QueuedChanges: e.queue.len(),
		Peers:         peers,
	}
}

// fileTokenStore keeps the relay token in a mode-0600 file.
type fileTokenStore struct {
	path string
}

func (f *fileTokenStore) LoadToken() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("engine: reading token file: %w", err)
	}

	return string(data), nil
}

func (f *fileTokenStore) SaveToken(token string) error {
	if err := os.WriteFile(f.path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("engine: writing token file: %w", err)
	}

	return nil
}
