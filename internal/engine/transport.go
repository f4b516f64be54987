// Package engine is the client side of the sync fabric: a reconnecting
// transport, an outbound pump that streams the journal tail to the
// relay, and an inbound apply path that writes remote changes into the
// vault without echoing them back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/vaultsync/vaultsync/internal/protocol"
)

// Transport timing.
const (
	dialTimeout     = 10 * time.Second
	helloTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
	maxMissedPongs  = 3
	reconnectFirst  = time.Second
	reconnectMax    = 30 * time.Second
	inboundChanSize = 64
)

// ErrNotConnected is returned by Send while the transport is offline.
var ErrNotConnected = errors.New("engine: transport not connected")

// TransportOptions configures the client connection.
type TransportOptions struct {
	URL           string
	DeviceID      string
	DeviceName    string
	VaultID       string
	Key           []byte // nil disables E2E sealing
	ClientVersion string
}

// TokenStore persists the relay-minted device token between sessions.
type TokenStore interface {
	LoadToken() (string, error)
	SaveToken(string) error
}

// Transport maintains one WebSocket session to the relay, redialing
// with exponential backoff. Decoded inbound messages are delivered on
// Inbound; OnConnect fires after each successful handshake so the
// engine can drain its queue and request catchup.
type Transport struct {
	opts   TransportOptions
	tokens TokenStore
	logger *slog.Logger

	inbound   chan protocol.Message
	onConnect func(*protocol.HelloAck)

	mu        sync.Mutex
	sock      *websocket.Conn
	connected bool

	pongMu      sync.Mutex
	missedPongs int
}

// NewTransport creates a transport. onConnect may be nil.
func NewTransport(opts TransportOptions, tokens TokenStore, onConnect func(*protocol.HelloAck), logger *slog.Logger) *Transport {
	return &Transport{
		opts:      opts,
		tokens:    tokens,
		logger:    logger,
		inbound:   make(chan protocol.Message, inboundChanSize),
		onConnect: onConnect,
	}
}

// Inbound delivers decoded messages from the relay. Pongs are consumed
// internally and never appear here.
func (t *Transport) Inbound() <-chan protocol.Message {
	return t.inbound
}

// Connected reports whether a handshaken session is live.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.connected
}

// Send seals and writes one message on the live session.
func (t *Transport) Send(ctx context.Context, m protocol.Message) error {
	frame, err := protocol.EncodeFrame(m, t.opts.Key)
	if err != nil {
		return err
	}

	t.mu.Lock()
	sock, ok := t.sock, t.connected
	t.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}

	if err := sock.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("engine: writing %s: %w", m.MessageType(), err)
	}

	return nil
}

// Serve dials and re-dials until the context is canceled. Backoff is
// exponential from 1s to a 30s cap and resets after each successful
// handshake. Implements suture.Service.
func (t *Transport) Serve(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectFirst
	bo.MaxInterval = reconnectMax
	bo.MaxElapsedTime = 0

	for {
		handshaken, err := t.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			t.logger.Warn("relay session ended", slog.String("error", err.Error()))
		}

		if handshaken {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// runSession runs one dial-handshake-read cycle. The bool reports
// whether the handshake completed, which resets the caller's backoff.
func (t *Transport) runSession(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	sock, _, err := websocket.Dial(dialCtx, t.opts.URL, nil)
	cancel()

	if err != nil {
		return false, fmt.Errorf("engine: dialing %s: %w", t.opts.URL, err)
	}

	defer sock.Close(websocket.StatusNormalClosure, "")

	ack, err := t.handshake(ctx, sock)
	if err != nil {
		return false, err
	}

	if err := t.tokens.SaveToken(ack.AssignedToken); err != nil {
		t.logger.Warn("token not persisted", slog.String("error", err.Error()))
	}

	t.mu.Lock()
	t.sock = sock
	t.connected = true
	t.mu.Unlock()

	t.pongMu.Lock()
	t.missedPongs = 0
	t.pongMu.Unlock()

	defer func() {
		t.mu.Lock()
		t.connected = false
		t.sock = nil
		t.mu.Unlock()
	}()

	t.logger.Info("connected to relay",
		slog.String("url", t.opts.URL),
		slog.Int("peers", len(ack.ConnectedDevices)),
	)

	if t.onConnect != nil {
		t.onConnect(ack)
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()

	go t.pingLoop(pingCtx, sock)

	return true, t.readLoop(ctx, sock)
}

// handshake sends hello (with the stored token when present) and waits
// for hello-ack.
func (t *Transport) handshake(ctx context.Context, sock *websocket.Conn) (*protocol.HelloAck, error) {
	token, err := t.tokens.LoadToken()
	if err != nil {
		t.logger.Debug("no stored device token", slog.String("error", err.Error()))
		token = ""
	}

	hello := &protocol.Hello{
		DeviceID:      t.opts.DeviceID,
		DeviceName:    t.opts.DeviceName,
		VaultID:       t.opts.VaultID,
		DeviceToken:   token,
		ClientVersion: t.opts.ClientVersion,
	}

	frame, err := protocol.EncodeFrame(hello, nil)
	if err != nil {
		return nil, err
	}

	hsCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	if err := sock.Write(hsCtx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("engine: sending hello: %w", err)
	}

	for {
		_, data, err := sock.Read(hsCtx)
		if err != nil {
			return nil, fmt.Errorf("engine: awaiting hello-ack: %w", err)
		}

		msg, err := protocol.DecodeFrame(data, t.opts.Key)
		if err != nil {
			t.logger.Debug("undecodable frame during handshake", slog.String("error", err.Error()))
			continue
		}

		switch m := msg.(type) {
		case *protocol.HelloAck:
			return m, nil
		case *protocol.Error:
			return nil, fmt.Errorf("engine: relay rejected hello: %s %s", m.Code, m.Message)
		default:
			// Buffered frames drained before the ack; requeue them for
			// the engine once the session is up. Simplest correct move
			// is to push them through the inbound channel now.
			t.deliver(ctx, msg)
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, sock *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.pongMu.Lock()
		t.missedPongs++
		missed := t.missedPongs
		t.pongMu.Unlock()

		if missed > maxMissedPongs {
			t.logger.Warn("relay unresponsive, dropping connection",
				slog.Int("missed_pongs", missed-1))

			_ = sock.Close(websocket.StatusGoingAway, "ping timeout")

			return
		}

		if err := t.Send(ctx, &protocol.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
			return
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, sock *websocket.Conn) error {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return fmt.Errorf("engine: reading from relay: %w", err)
		}

		msg, err := protocol.DecodeFrame(data, t.opts.Key)
		if err != nil {
			// Includes ErrNeedKey: an encrypted frame arrived but this
			// device has no key. Surface it loudly and move on.
			t.logger.Error("dropping undecodable frame", slog.String("error", err.Error()))
			continue
		}

		if _, ok := msg.(*protocol.Pong); ok {
			t.pongMu.Lock()
			t.missedPongs = 0
			t.pongMu.Unlock()

			continue
		}

		t.deliver(ctx, msg)
	}
}

func (t *Transport) deliver(ctx context.Context, msg protocol.Message) {
	select {
	case t.inbound <- msg:
	case <-ctx.Done():
	}
}
