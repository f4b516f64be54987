package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// FetchTimeout bounds how long a file-request waits for its response.
const FetchTimeout = 10 * time.Second

// ErrFetchTimeout is returned when no peer answered in time.
var ErrFetchTimeout = errors.New("engine: file fetch timed out")

// ErrFetchNotFound is returned when the responder no longer holds the
// requested content.
var ErrFetchNotFound = errors.New("engine: peer no longer has requested content")

// fetchTable correlates in-flight file-requests with their responses,
// keyed by "path:contentHash". The first matching response wakes the
// waiter; duplicates fall on the floor.
type fetchTable struct {
	mu      sync.Mutex
	waiters map[string]chan fetchResult
}

type fetchResult struct {
	content []byte
	found   bool
}

func newFetchTable() *fetchTable {
	return &fetchTable{waiters: make(map[string]chan fetchResult)}
}

func fetchKey(path, contentHash string) string {
	return path + ":" + contentHash
}

// park registers a waiter. The returned channel gets exactly one result.
func (f *fetchTable) park(path, contentHash string) chan fetchResult {
	ch := make(chan fetchResult, 1)

	f.mu.Lock()
	f.waiters[fetchKey(path, contentHash)] = ch
	f.mu.Unlock()

	return ch
}

// fulfill wakes the waiter for (path, contentHash), if any.
func (f *fetchTable) fulfill(path, contentHash string, content []byte, found bool) {
	key := fetchKey(path, contentHash)

	f.mu.Lock()
	ch, ok := f.waiters[key]
	delete(f.waiters, key)
	f.mu.Unlock()

	if ok {
		ch <- fetchResult{content: content, found: found}
	}
}

// await blocks until the waiter is fulfilled, times out, or the context
// is canceled. The waiter entry is always cleared on exit.
func (f *fetchTable) await(ctx context.Context, path, contentHash string, ch chan fetchResult) ([]byte, error) {
	timer := time.NewTimer(FetchTimeout)
	defer timer.Stop()

	defer func() {
		f.mu.Lock()
		delete(f.waiters, fetchKey(path, contentHash))
		f.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if !res.found {
			return nil, fmt.Errorf("%w: %s", ErrFetchNotFound, path)
		}

		return res.content, nil

	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, path)

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
