package network

import (
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// SeenStore records message identifiers already delivered or relayed.
// Entries expire after the dedup window; within the window a repeated
// id is a duplicate. The inbound relay path and the outbound send path
// both touch the store concurrently, so the dedup decision is exposed
// as an atomic check-and-mark.
type SeenStore struct {
	window time.Duration
	now    func() time.Time // injectable for tests

	mu      sync.RWMutex
	entries map[protocol.MessageID]time.Time

	// counters, guarded by mu
	totalMarked int64
	totalHits   int64
	totalSwept  int64
}

// NewSeenStore creates a store with the given dedup window
func NewSeenStore(window time.Duration) *SeenStore {
	if window <= 0 {
		window = DefaultConfig().DedupWindow
	}
	return &SeenStore{
		window:  window,
		now:     time.Now,
		entries: make(map[protocol.MessageID]time.Time),
	}
}

// HasSeen reports whether id was marked within the dedup window
func (s *SeenStore) HasSeen(id protocol.MessageID) bool {
	s.mu.RLock()
	ts, ok := s.entries[id]
	s.mu.RUnlock()
	return ok && s.now().Sub(ts) < s.window
}

// MarkSeen records id unconditionally
func (s *SeenStore) MarkSeen(id protocol.MessageID) {
	s.mu.Lock()
	s.entries[id] = s.now()
	s.totalMarked++
	s.mu.Unlock()
}

// CheckAndMark atomically tests and records id. Returns true when the
// id was already within the window; exactly one of two concurrent
// callers for the same fresh id gets false.
func (s *SeenStore) CheckAndMark(id protocol.MessageID) (seen bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.entries[id]; ok && now.Sub(ts) < s.window {
		s.totalHits++
		return true
	}
	s.entries[id] = now
	s.totalMarked++
	return false
}

// Sweep evicts entries older than the window and returns the count
func (s *SeenStore) Sweep() int {
	cutoff := s.now().Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int
	for id, ts := range s.entries {
		if ts.Before(cutoff) {
			delete(s.entries, id)
			swept++
		}
	}
	s.totalSwept += int64(swept)
	return swept
}

// Len returns the number of live entries
func (s *SeenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SeenStats is a snapshot of store counters
type SeenStats struct {
	Entries     int   `json:"entries"`
	TotalMarked int64 `json:"total_marked"`
	TotalHits   int64 `json:"total_hits"`
	TotalSwept  int64 `json:"total_swept"`
}

// Stats returns current counters
func (s *SeenStore) Stats() SeenStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SeenStats{
		Entries:     len(s.entries),
		TotalMarked: s.totalMarked,
		TotalHits:   s.totalHits,
		TotalSwept:  s.totalSwept,
	}
}

// Reset clears all entries and counters
func (s *SeenStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[protocol.MessageID]time.Time)
	s.totalMarked = 0
	s.totalHits = 0
	s.totalSwept = 0
}

// StartSweeper runs periodic eviction until stop is closed
func (s *SeenStore) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
