package engine

import (
	"sync"

	"github.com/vaultsync/vaultsync/internal/protocol"
)

// OutboundQueueCap bounds the offline outbound queue; the oldest change
// is evicted when full. Evicted changes remain in the journal, so peers
// recover them through index-request.
const OutboundQueueCap = 1000

// outboundQueue buffers changes produced while the transport is down.
type outboundQueue struct {
	mu      sync.Mutex
	changes []protocol.Change
	evicted int
}

func (q *outboundQueue) enqueue(c protocol.Change) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) >= OutboundQueueCap {
		q.changes = q.changes[1:]
		q.evicted++
	}

	q.changes = append(q.changes, c)
}

// drain removes and returns all queued changes in order.
func (q *outboundQueue) drain() []protocol.Change {
	q.mu.Lock()
	defer q.mu.Unlock()

	changes := q.changes
	q.changes = nil

	return changes
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.changes)
}
