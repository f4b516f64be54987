package detector

import (
	"sync"
	"time"
)

// DefaultSuppressTTL covers the window between a remote apply's write
// completing and the filesystem event for it draining through debounce.
const DefaultSuppressTTL = 2 * time.Second

// Suppressor is the lock-protected set of paths temporarily excluded
// from change detection because the sync engine is writing them. Entries
// expire on their own; there is no cooperative un-suppress flag to forget.
type Suppressor struct {
	mu      sync.Mutex
	until   map[string]time.Time
	nowFunc func() time.Time
}

// NewSuppressor creates an empty suppression set.
func NewSuppressor() *Suppressor {
	return &Suppressor{
		until:   make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// Suppress excludes a vault-relative path from detection for ttl.
// Re-suppressing extends the window.
func (s *Suppressor) Suppress(path string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultSuppressTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := s.nowFunc().Add(ttl)
	if expiry.After(s.until[path]) {
		s.until[path] = expiry
	}
}

// Suppressed reports whether a path is currently suppressed, pruning the
// entry once it has expired.
func (s *Suppressor) Suppressed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.until[path]
	if !ok {
		return false
	}

	if s.nowFunc().After(expiry) {
		delete(s.until, path)
		return false
	}

	return true
}

// Len returns the number of live suppression entries, pruning expired
// ones first.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for path, expiry := range s.until {
		if now.After(expiry) {
			delete(s.until, path)
		}
	}

	return len(s.until)
}
