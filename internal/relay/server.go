package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Options configures a relay server.
type Options struct {
	Host               string
	Port               int
	TLSCert            string
	TLSKey             string
	MaxDevicesPerVault int
	RegistryPath       string
	Version            string
}

// Server is the relay process: an HTTP listener offering a WebSocket
// upgrade at any path, a JSON health probe, and Prometheus metrics.
type Server struct {
	opts     Options
	registry *Registry
	hub      *Hub
	pairings *pairings
	metrics  *metrics
	promReg  *prometheus.Registry
	logger   *slog.Logger

	// pendingConns holds not-yet-authenticated connections that sent a
	// pair-request, so an approval can be forwarded back to them.
	pendingMu    sync.Mutex
	pendingConns map[string]sender
}

// New opens the registry and assembles a server. Call Close when done.
func New(opts Options, logger *slog.Logger) (*Server, error) {
	registry, err := OpenRegistry(opts.RegistryPath, logger)
	if err != nil {
		return nil, err
	}

	hub := NewHub()
	promReg := prometheus.NewRegistry()

	return &Server{
		opts:         opts,
		registry:     registry,
		hub:          hub,
		pairings:     newPairings(),
		metrics:      newMetrics(promReg, hub),
		promReg:      promReg,
		logger:       logger,
		pendingConns: make(map[string]sender),
	}, nil
}

// Close releases the registry.
func (s *Server) Close() error {
	return s.registry.Close()
}

// Serve listens until the context is canceled, then shuts down
// gracefully. Stop is bounded by shutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleUpgrade)

	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("relay listening",
			slog.String("addr", addr),
			slog.Bool("tls", s.opts.TLSCert != ""),
		)

		var err error
		if s.opts.TLSCert != "" {
			err = httpServer.ListenAndServeTLS(s.opts.TLSCert, s.opts.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}

		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay: shutting down: %w", err)
		}

		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("relay: serving: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

// handleUpgrade accepts a WebSocket at any path and runs the connection
// until it closes.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Devices connect from plugins and apps, not browsers on this
		// origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn := newConnection(s, sock)
	conn.run(r.Context())
}

// registerPending remembers an unauthenticated connection awaiting a
// pairing approval.
func (s *Server) registerPending(deviceID string, conn sender) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pendingConns[deviceID] = conn
}

func (s *Server) takePending(deviceID string) (sender, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	conn, ok := s.pendingConns[deviceID]
	delete(s.pendingConns, deviceID)

	return conn, ok
}

func (s *Server) dropPending(deviceID string, conn sender) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.pendingConns[deviceID] == conn {
		delete(s.pendingConns, deviceID)
	}
}
