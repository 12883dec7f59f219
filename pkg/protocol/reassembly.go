package protocol

import (
	"sync"
	"time"
)

// DefaultReassemblyTimeout bounds how long an incomplete fragment set
// may occupy memory before being dropped.
const DefaultReassemblyTimeout = 30 * time.Second

// ReassemblyResult is returned by Accept. Complete is false while the
// set is still missing fragments. When TTL reached zero in transit the
// payload is still delivered locally but Forwardable is false, which
// suppresses onward relay.
type ReassemblyResult struct {
	Complete      bool
	Payload       []byte
	Extended      bool
	OriginalType  uint8
	TTL           uint8
	RecipientHint NodeID
	Forwardable   bool
}

type setKey struct {
	sender NodeID
	id     MessageID
}

type fragmentSet struct {
	total     uint8
	received  int
	parts     [][]byte
	firstSeen time.Time

	extended      bool
	originalType  uint8
	ttl           uint8
	recipientHint NodeID
}

// Reassembler collects fragment envelopes into complete payloads.
// Sets are keyed by sender and set identifier, so interleaved
// fragments of different in-flight messages do not collide. Incomplete
// sets are dropped after the timeout.
type Reassembler struct {
	mu      sync.Mutex
	sets    map[setKey]*fragmentSet
	timeout time.Duration
	now     func() time.Time
}

// NewReassembler creates a reassembler. A zero timeout selects
// DefaultReassemblyTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout == 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		sets:    make(map[setKey]*fragmentSet),
		timeout: timeout,
		now:     time.Now,
	}
}

// Accept feeds one fragment into the reassembler. Fragments may arrive
// in any order; a duplicate index overwrites its slot rather than
// counting twice. When the set is complete it is removed and the
// assembled payload returned.
func (r *Reassembler) Accept(sender NodeID, id MessageID, env *FragmentEnvelope) (*ReassemblyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := setKey{sender: sender, id: id}
	set, ok := r.sets[key]
	if !ok {
		set = &fragmentSet{
			total:         env.Total,
			parts:         make([][]byte, env.Total),
			firstSeen:     r.now(),
			extended:      env.Extended,
			originalType:  env.OriginalType,
			ttl:           env.TTL,
			recipientHint: env.RecipientHint,
		}
		r.sets[key] = set
	}

	if env.Total != set.total {
		return nil, ErrInconsistentTotal
	}
	if int(env.Index) >= len(set.parts) {
		return nil, ErrInvalidFragment
	}

	if set.parts[env.Index] == nil {
		set.received++
	}
	// Duplicate index: overwrite, never double-count
	set.parts[env.Index] = env.Payload

	if set.received < int(set.total) {
		return &ReassemblyResult{Complete: false}, nil
	}

	delete(r.sets, key)

	size := 0
	for _, p := range set.parts {
		size += len(p)
	}
	payload := make([]byte, 0, size)
	for _, p := range set.parts {
		payload = append(payload, p...)
	}

	return &ReassemblyResult{
		Complete:      true,
		Payload:       payload,
		Extended:      set.extended,
		OriginalType:  set.originalType,
		TTL:           set.ttl,
		RecipientHint: set.recipientHint,
		Forwardable:   !set.extended || set.ttl > 0,
	}, nil
}

// Sweep drops incomplete sets older than the timeout and returns how
// many were evicted. Partial data is discarded, never surfaced.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.timeout)
	evicted := 0
	for key, set := range r.sets {
		if set.firstSeen.Before(cutoff) {
			delete(r.sets, key)
			evicted++
		}
	}
	return evicted
}

// Pending returns the number of incomplete sets currently buffered
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}
