package relay

import (
	"sync"
	"time"
)

// PairingTTL is how long a pairing request stays pending before it
// expires unanswered.
const PairingTTL = 5 * time.Minute

type pendingPairing struct {
	vaultID    string
	deviceName string
	codeHash   string
	expires    time.Time
}

// pairings tracks in-flight pairing requests in memory. Approval admits
// the device's next hello; nothing about pairing is persisted until the
// device actually connects and is upserted into the registry.
type pairings struct {
	mu      sync.Mutex
	pending map[string]*pendingPairing // keyed by joining device id
	nowFunc func() time.Time
}

func newPairings() *pairings {
	return &pairings{
		pending: make(map[string]*pendingPairing),
		nowFunc: time.Now,
	}
}

// request registers a pending pairing, replacing any previous request
// from the same device.
func (p *pairings) request(deviceID, deviceName, vaultID, codeHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune()

	p.pending[deviceID] = &pendingPairing{
		vaultID:    vaultID,
		deviceName: deviceName,
		codeHash:   codeHash,
		expires:    p.nowFunc().Add(PairingTTL),
	}
}

// confirm resolves a pending pairing. Returns the pairing and whether a
// live request existed; either way the entry is removed.
func (p *pairings) confirm(deviceID string) (*pendingPairing, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune()

	pending, ok := p.pending[deviceID]
	delete(p.pending, deviceID)

	return pending, ok
}

// prune drops expired entries. Caller holds the lock.
func (p *pairings) prune() {
	now := p.nowFunc()
	for id, pending := range p.pending {
		if now.After(pending.expires) {
			delete(p.pending, id)
		}
	}
}
