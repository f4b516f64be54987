package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/protocol"
)

const sendTimeout = 10 * time.Second

// wsSender serializes writes to one WebSocket.
type wsSender struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

func (w *wsSender) Send(ctx context.Context, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	return w.sock.Write(ctx, websocket.MessageText, frame)
}

// connection is the per-socket state machine. Identity fields are set
// only after a successful hello; until then the only accepted messages
// are hello, ping, and pair-request.
type connection struct {
	server *Server
	sock   *websocket.Conn
	out    *wsSender

	authenticated bool
	deviceID      string
	vaultID       string
	deviceName    string

	// pairingAs is the joining device id announced in a pair-request on
	// this connection, tracked for cleanup on disconnect.
	pairingAs string
}

func newConnection(s *Server, sock *websocket.Conn) *connection {
	return &connection{server: s, sock: sock, out: &wsSender{sock: sock}}
}

// run reads frames until the socket closes, then cleans up room and
// registry state.
func (c *connection) run(ctx context.Context) {
	defer c.cleanup(ctx)

	for {
		kind, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}

		if kind != websocket.MessageText {
			continue
		}

		c.handleFrame(ctx, data)
	}
}

func (c *connection) handleFrame(ctx context.Context, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		c.sendError(ctx, protocol.CodeParseError, "malformed frame")
		return
	}

	if frame.Encrypted {
		c.routeOpaque(ctx, data)
		return
	}

	msg, err := protocol.DecodeMessage(frame.Payload)
	if err != nil {
		c.sendError(ctx, protocol.CodeParseError, "unknown or malformed message")
		return
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		c.handleHello(ctx, m)
	case *protocol.Ping:
		c.handlePing(ctx)
	case *protocol.PairRequest:
		c.handlePairRequest(ctx, m, data)
	case *protocol.PairConfirm:
		c.handlePairConfirm(ctx, m, data)
	case *protocol.DeltaPush:
		c.routeDeltaPush(ctx, data)
	case *protocol.IndexRequest, *protocol.IndexResponse, *protocol.DeltaAck,
		*protocol.FileResponse:
		c.routeBroadcast(ctx, data, string(msg.MessageType()))
	case *protocol.FileRequest:
		c.routeFileRequest(ctx, m, data)
	default:
		// hello-ack, pong, device-list, error: server-originated types;
		// a client sending them is noise, not an offense.
	}
}

// handleHello authenticates the device, admits it to its vault room,
// drains its offline buffer, and answers with hello-ack.
func (c *connection) handleHello(ctx context.Context, hello *protocol.Hello) {
	if hello.DeviceID == "" || hello.VaultID == "" {
		c.rejectHello(ctx, protocol.CodeAuthFailed, "hello missing device or vault id")
		return
	}

	if hello.DeviceToken != "" {
		payload, err := e2ee.VerifyToken(hello.DeviceToken, c.server.registry.Secret())
		if err != nil {
			c.rejectHello(ctx, protocol.CodeAuthFailed, "invalid device token")
			return
		}

		if payload.DeviceID != hello.DeviceID || payload.VaultID != hello.VaultID {
			c.rejectHello(ctx, protocol.CodeAuthFailed, "token identity mismatch")
			return
		}
	} else {
		known, err := c.server.registry.KnownDevice(ctx, hello.VaultID, hello.DeviceID)
		if err != nil {
			c.rejectHello(ctx, protocol.CodeAuthFailed, "registry unavailable")
			return
		}

		if !known {
			count, err := c.server.registry.CountDevices(ctx, hello.VaultID)
			if err != nil {
				c.rejectHello(ctx, protocol.CodeAuthFailed, "registry unavailable")
				return
			}

			if count >= c.server.opts.MaxDevicesPerVault {
				c.rejectHello(ctx, protocol.CodeVaultFull, "vault device limit reached")
				return
			}
		}
	}

	if err := c.server.registry.UpsertDevice(ctx, hello.VaultID, hello.DeviceID, hello.DeviceName); err != nil {
		c.rejectHello(ctx, protocol.CodeAuthFailed, "registry unavailable")
		return
	}

	token, err := e2ee.MintToken(hello.DeviceID, hello.VaultID,
		c.server.registry.Secret(), e2ee.DefaultTokenTTL)
	if err != nil {
		c.rejectHello(ctx, protocol.CodeAuthFailed, "token mint failed")
		return
	}

	c.authenticated = true
	c.deviceID = hello.DeviceID
	c.vaultID = hello.VaultID
	c.deviceName = hello.DeviceName

	room := c.server.hub.Room(c.vaultID)
	room.Join(c.deviceID, c.deviceName, c.out)
	c.server.metrics.connections.Inc()

	devices, err := c.deviceList(ctx, room)
	if err != nil {
		c.server.logger.Warn("device list unavailable", slog.String("error", err.Error()))
	}

	c.sendMessage(ctx, &protocol.HelloAck{
		AssignedToken:    token,
		ConnectedDevices: devices,
		ServerVersion:    c.server.opts.Version,
	})

	// Deliver what accumulated while this device was away.
	buffered, evicted := room.DrainOffline(c.deviceID)
	for _, frame := range buffered {
		if err := c.out.Send(ctx, frame); err != nil {
			break
		}

		c.server.metrics.offlineDrained.Inc()
	}

	c.server.logger.Info("device connected",
		slog.String("device_id", c.deviceID),
		slog.Int("drained", len(buffered)),
		slog.Int("evicted", evicted),
	)

	c.broadcastDeviceList(ctx, room)
}

func (c *connection) handlePing(ctx context.Context) {
	c.sendMessage(ctx, &protocol.Pong{Timestamp: time.Now().UnixMilli()})

	if c.authenticated {
		if room, ok := c.server.hub.Lookup(c.vaultID); ok {
			room.Touch(c.deviceID)
		}

		if err := c.server.registry.TouchLastSeen(ctx, c.vaultID, c.deviceID); err != nil {
			c.server.logger.Warn("last-seen update failed", slog.String("error", err.Error()))
		}
	}
}

// handlePairRequest parks the joining device and relays the request to
// the vault's online members, who verify the code hash and answer with
// pair-confirm.
func (c *connection) handlePairRequest(ctx context.Context, m *protocol.PairRequest, raw []byte) {
	if m.DeviceID == "" || m.VaultID == "" || m.PairingCodeHash == "" {
		c.sendError(ctx, protocol.CodeParseError, "incomplete pair request")
		return
	}

	c.server.pairings.request(m.DeviceID, m.DeviceName, m.VaultID, m.PairingCodeHash)
	c.server.registerPending(m.DeviceID, c.out)
	c.pairingAs = m.DeviceID

	if room, ok := c.server.hub.Lookup(m.VaultID); ok {
		room.Broadcast(ctx, raw, c.deviceID)
	}

	c.server.metrics.framesRouted.WithLabelValues(string(protocol.TypePairRequest)).Inc()
}

// handlePairConfirm resolves a pending pairing. Approval registers the
// device so its next hello is admitted even at the device cap; the
// verdict is forwarded to the waiting connection either way.
func (c *connection) handlePairConfirm(ctx context.Context, m *protocol.PairConfirm, raw []byte) {
	if !c.authenticated {
		c.sendError(ctx, protocol.CodeNotAuthenticated, "pairing approval requires authentication")
		return
	}

	pending, ok := c.server.pairings.confirm(m.DeviceID)
	if !ok {
		c.sendError(ctx, protocol.CodeParseError, "no pending pairing for device")
		return
	}

	if m.Approved && pending.vaultID == c.vaultID {
		if err := c.server.registry.UpsertDevice(ctx, pending.vaultID, m.DeviceID, pending.deviceName); err != nil {
			c.server.logger.Warn("pairing registration failed", slog.String("error", err.Error()))
		}
	}

	if waiting, found := c.server.takePending(m.DeviceID); found {
		_ = waiting.Send(ctx, raw)
	}

	c.server.metrics.framesRouted.WithLabelValues(string(protocol.TypePairConfirm)).Inc()
}

// routeDeltaPush broadcasts to online peers and buffers for every
// registered device currently offline.
func (c *connection) routeDeltaPush(ctx context.Context, raw []byte) {
	room, ok := c.requireAuth(ctx)
	if !ok {
		return
	}

	room.Broadcast(ctx, raw, c.deviceID)
	c.bufferForOffline(ctx, room, raw)
	c.server.metrics.framesRouted.WithLabelValues(string(protocol.TypeDeltaPush)).Inc()
}

// bufferForOffline appends raw to the offline ring of every registered
// vault device that is not currently connected.
func (c *connection) bufferForOffline(ctx context.Context, room *Room, raw []byte) {
	devices, err := c.server.registry.DevicesForVault(ctx, c.vaultID)
	if err != nil {
		c.server.logger.Warn("offline buffering skipped", slog.String("error", err.Error()))
		return
	}

	for _, d := range devices {
		if d.DeviceID == c.deviceID || room.Online(d.DeviceID) {
			continue
		}

		room.BufferOffline(d.DeviceID, raw)
		c.server.metrics.offlineBuffered.Inc()
	}
}

// routeBroadcast relays raw bytes to the room, excluding the sender.
func (c *connection) routeBroadcast(ctx context.Context, raw []byte, label string) {
	room, ok := c.requireAuth(ctx)
	if !ok {
		return
	}

	room.Broadcast(ctx, raw, c.deviceID)
	c.server.metrics.framesRouted.WithLabelValues(label).Inc()
}

// routeFileRequest direct-routes to the target device.
func (c *connection) routeFileRequest(ctx context.Context, m *protocol.FileRequest, raw []byte) {
	room, ok := c.requireAuth(ctx)
	if !ok {
		return
	}

	online, err := room.SendTo(ctx, m.TargetDeviceID, raw)
	if err != nil {
		c.server.logger.Warn("file-request delivery failed",
			slog.String("target", m.TargetDeviceID), slog.String("error", err.Error()))
	}

	if !online {
		c.sendError(ctx, protocol.CodeDeviceOffline, "target device is offline")
		return
	}

	c.server.metrics.framesRouted.WithLabelValues(string(protocol.TypeFileRequest)).Inc()
}

// routeOpaque relays an encrypted frame to the sender's room and buffers
// it for registered devices currently offline. The payload stays sealed
// end to end; the relay buffers bytes, never decoded deltas.
func (c *connection) routeOpaque(ctx context.Context, raw []byte) {
	room, ok := c.requireAuth(ctx)
	if !ok {
		return
	}

	room.Broadcast(ctx, raw, c.deviceID)
	c.bufferForOffline(ctx, room, raw)
	c.server.metrics.framesRouted.WithLabelValues("opaque").Inc()
}

func (c *connection) requireAuth(ctx context.Context) (*Room, bool) {
	if !c.authenticated {
		c.sendError(ctx, protocol.CodeNotAuthenticated, "hello required first")
		return nil, false
	}

	room, ok := c.server.hub.Lookup(c.vaultID)
	if !ok {
		// Room vanished; rejoin on the fly.
		room = c.server.hub.Room(c.vaultID)
		room.Join(c.deviceID, c.deviceName, c.out)
	}

	return room, true
}

// deviceList merges registry rows with live room membership.
func (c *connection) deviceList(ctx context.Context, room *Room) ([]protocol.DeviceInfo, error) {
	devices, err := c.server.registry.DevicesForVault(ctx, c.vaultID)
	if err != nil {
		return nil, err
	}

	infos := make([]protocol.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, protocol.DeviceInfo{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Online:     room.Online(d.DeviceID),
			LastSeen:   d.LastSeen,
		})
	}

	return infos, nil
}

func (c *connection) broadcastDeviceList(ctx context.Context, room *Room) {
	devices, err := c.deviceList(ctx, room)
	if err != nil {
		return
	}

	frame, err := protocol.EncodeFrame(&protocol.DeviceList{Devices: devices}, nil)
	if err != nil {
		return
	}

	room.Broadcast(ctx, frame, c.deviceID)
}

func (c *connection) rejectHello(ctx context.Context, code, message string) {
	c.server.metrics.handshakeFails.WithLabelValues(code).Inc()
	c.sendError(ctx, code, message)

	_ = c.sock.Close(websocket.StatusPolicyViolation, code)
}

func (c *connection) sendError(ctx context.Context, code, message string) {
	c.sendMessage(ctx, &protocol.Error{Code: code, Message: message})
}

func (c *connection) sendMessage(ctx context.Context, m protocol.Message) {
	frame, err := protocol.EncodeFrame(m, nil)
	if err != nil {
		c.server.logger.Error("frame encode failed", slog.String("error", err.Error()))
		return
	}

	if err := c.out.Send(ctx, frame); err != nil && !errors.Is(err, context.Canceled) {
		c.server.logger.Debug("send failed", slog.String("error", err.Error()))
	}
}

// cleanup tears down room membership and pairing state after the socket
// closes. Registry last_seen persists; that is the point of it.
func (c *connection) cleanup(ctx context.Context) {
	// The request context is usually already canceled here; the goodbye
	// broadcast still has to go out.
	ctx = context.WithoutCancel(ctx)

	if c.pairingAs != "" {
		c.server.dropPending(c.pairingAs, c.out)
	}

	if !c.authenticated {
		return
	}

	c.server.metrics.connections.Dec()

	room, ok := c.server.hub.Lookup(c.vaultID)
	if !ok {
		return
	}

	room.Leave(c.deviceID)
	c.broadcastDeviceList(ctx, room)
	c.server.hub.Collect(c.vaultID)

	if err := c.server.registry.TouchLastSeen(ctx, c.vaultID, c.deviceID); err != nil {
		c.server.logger.Warn("last-seen update failed", slog.String("error", err.Error()))
	}

	c.server.logger.Info("device disconnected", slog.String("device_id", c.deviceID))
}
