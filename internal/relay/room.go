package relay

import (
	"context"
	"sync"
	"time"
)

// OfflineBufferCap bounds each device's offline delta buffer; the
// oldest entry is evicted when full.
const OfflineBufferCap = 1000

// sender abstracts the write half of a connection so rooms can be
// exercised without sockets.
type sender interface {
	Send(ctx context.Context, frame []byte) error
}

type member struct {
	conn     sender
	name     string
	lastSeen time.Time
}

// ringBuffer is a bounded FIFO of raw wire frames.
type ringBuffer struct {
	frames  [][]byte
	evicted int
}

func (b *ringBuffer) push(frame []byte) {
	if len(b.frames) >= OfflineBufferCap {
		b.frames = b.frames[1:]
		b.evicted++
	}

	b.frames = append(b.frames, frame)
}

// Room groups the live connections of one vault plus the offline
// buffers of its absent devices. Broadcast snapshots membership under
// the lock but sends outside it, so one slow socket cannot stall the
// whole room.
type Room struct {
	vaultID string

	mu      sync.Mutex
	members map[string]*member
	offline map[string]*ringBuffer
}

func newRoom(vaultID string) *Room {
	return &Room{
		vaultID: vaultID,
		members: make(map[string]*member),
		offline: make(map[string]*ringBuffer),
	}
}

// Join adds a device connection, replacing any previous connection for
// the same device id.
func (r *Room) Join(deviceID, name string, conn sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[deviceID] = &member{conn: conn, name: name, lastSeen: time.Now()}
}

// Leave removes a device. Returns true when the room is now empty of
// both members and buffered frames, meaning it can be collected.
func (r *Room) Leave(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, deviceID)

	return len(r.members) == 0 && len(r.offline) == 0
}

// Touch refreshes a member's last-seen time.
func (r *Room) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.members[deviceID]; ok {
		m.lastSeen = time.Now()
	}
}

// Online reports whether a device currently holds a connection.
func (r *Room) Online(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.members[deviceID]

	return ok
}

// MemberIDs returns the device ids currently connected.
func (r *Room) MemberIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}

	return ids
}

// Broadcast sends raw frame bytes to every member except exceptDeviceID.
// Send errors are returned per-device; the caller decides whether a
// failed send warrants disconnecting that member.
func (r *Room) Broadcast(ctx context.Context, frame []byte, exceptDeviceID string) map[string]error {
	r.mu.Lock()
	targets := make(map[string]sender, len(r.members))
	for id, m := range r.members {
		if id != exceptDeviceID {
			targets[id] = m.conn
		}
	}
	r.mu.Unlock()

	var failed map[string]error

	for id, conn := range targets {
		if err := conn.Send(ctx, frame); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}

			failed[id] = err
		}
	}

	return failed
}

// SendTo routes raw frame bytes to a single member. Returns false when
// the device is not connected.
func (r *Room) SendTo(ctx context.Context, deviceID string, frame []byte) (bool, error) {
	r.mu.Lock()
	m, ok := r.members[deviceID]
	r.mu.Unlock()

	if !ok {
		return false, nil
	}

	return true, m.conn.Send(ctx, frame)
}

// BufferOffline appends a frame to an absent device's ring buffer.
func (r *Room) BufferOffline(deviceID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.offline[deviceID]
	if !ok {
		buf = &ringBuffer{}
		r.offline[deviceID] = buf
	}

	buf.push(frame)
}

// DrainOffline removes and returns a device's buffered frames in push
// order, along with how many older frames were evicted along the way.
func (r *Room) DrainOffline(deviceID string) ([][]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.offline[deviceID]
	if !ok {
		return nil, 0
	}

	delete(r.offline, deviceID)

	return buf.frames, buf.evicted
}

// Hub is the arena-style room registry keyed by vault id. Connections
// hold only (vaultID, deviceID) and look rooms up on demand, so there is
// no ownership cycle between rooms and connections.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

// Room returns the room for a vault, creating it if needed.
func (h *Hub) Room(vaultID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[vaultID]
	if !ok {
		room = newRoom(vaultID)
		h.rooms[vaultID] = room
	}

	return room
}

// Lookup returns the room for a vault without creating it.
func (h *Hub) Lookup(vaultID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[vaultID]

	return room, ok
}

// Collect removes a room if it is empty. Called after a member leaves.
func (h *Hub) Collect(vaultID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[vaultID]
	if !ok {
		return
	}

	room.mu.Lock()
	empty := len(room.members) == 0 && len(room.offline) == 0
	room.mu.Unlock()

	if empty {
		delete(h.rooms, vaultID)
	}
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.rooms)
}
