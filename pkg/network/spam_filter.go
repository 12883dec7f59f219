package network

import (
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// SpamFilter gates relay acceptance before any dedup or forwarding
// decision. Two signals: a per-sender token bucket limiting how many
// relays one origin can inject per minute, and a per-content-hash
// trust score lowered when a hash is reported abusive. A rejected
// message is never marked seen, so a legitimate later copy gets a
// fresh evaluation.
type SpamFilter struct {
	ratePerMinute int
	trustFloor    float64
	now           func() time.Time

	mu      sync.Mutex
	buckets map[protocol.NodeID]*tokenBucket
	trust   map[protocol.MessageID]float64

	totalRejectedRate  int64
	totalRejectedTrust int64
}

type tokenBucket struct {
	tokens   float64
	lastFill time.Time
}

// NewSpamFilter creates a filter with the given per-sender rate and
// trust score floor.
func NewSpamFilter(ratePerMinute int, trustFloor float64) *SpamFilter {
	if ratePerMinute <= 0 {
		ratePerMinute = DefaultConfig().SpamRatePerMinute
	}
	if trustFloor <= 0 {
		trustFloor = DefaultConfig().SpamTrustFloor
	}
	return &SpamFilter{
		ratePerMinute: ratePerMinute,
		trustFloor:    trustFloor,
		now:           time.Now,
		buckets:       make(map[protocol.NodeID]*tokenBucket),
		trust:         make(map[protocol.MessageID]float64),
	}
}

// Allow decides whether a relay from sender carrying id may proceed
func (sf *SpamFilter) Allow(sender protocol.NodeID, id protocol.MessageID) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if score, ok := sf.trust[id]; ok && score < sf.trustFloor {
		sf.totalRejectedTrust++
		return false
	}

	now := sf.now()
	b, ok := sf.buckets[sender]
	if !ok {
		b = &tokenBucket{tokens: float64(sf.ratePerMinute), lastFill: now}
		sf.buckets[sender] = b
	}

	// Refill proportionally to elapsed time, capped at one minute's worth
	elapsed := now.Sub(b.lastFill).Minutes()
	b.tokens += elapsed * float64(sf.ratePerMinute)
	if b.tokens > float64(sf.ratePerMinute) {
		b.tokens = float64(sf.ratePerMinute)
	}
	b.lastFill = now

	if b.tokens < 1 {
		sf.totalRejectedRate++
		return false
	}
	b.tokens--
	return true
}

// ReportAbusive lowers the trust score of a content hash. Repeated
// reports drive the score below the floor and block future relays of
// that hash.
func (sf *SpamFilter) ReportAbusive(id protocol.MessageID) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	score, ok := sf.trust[id]
	if !ok {
		score = 1.0
	}
	score /= 2
	sf.trust[id] = score
}

// ReportLegitimate restores a hash to full trust
func (sf *SpamFilter) ReportLegitimate(id protocol.MessageID) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.trust[id] = 1.0
}

// TrustScore returns the current score for a hash (1.0 when unknown)
func (sf *SpamFilter) TrustScore(id protocol.MessageID) float64 {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if score, ok := sf.trust[id]; ok {
		return score
	}
	return 1.0
}

// SpamStats is a snapshot of rejection counters
type SpamStats struct {
	RejectedByRate  int64 `json:"rejected_by_rate"`
	RejectedByTrust int64 `json:"rejected_by_trust"`
	TrackedSenders  int   `json:"tracked_senders"`
	TrackedHashes   int   `json:"tracked_hashes"`
}

// Stats returns rejection counters
func (sf *SpamFilter) Stats() SpamStats {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return SpamStats{
		RejectedByRate:  sf.totalRejectedRate,
		RejectedByTrust: sf.totalRejectedTrust,
		TrackedSenders:  len(sf.buckets),
		TrackedHashes:   len(sf.trust),
	}
}

// Reset clears all filter state
func (sf *SpamFilter) Reset() {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.buckets = make(map[protocol.NodeID]*tokenBucket)
	sf.trust = make(map[protocol.MessageID]float64)
	sf.totalRejectedRate = 0
	sf.totalRejectedTrust = 0
}
