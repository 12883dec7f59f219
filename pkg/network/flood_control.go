package network

import (
	"math/rand"
	"sync"
	"time"
)

// NetworkSizeEstimator reports the current best estimate of reachable
// mesh nodes. Typically backed by the discovery layer's peer count.
type NetworkSizeEstimator func() int

// FloodControl decides probabilistically whether this node relays a
// given message. In a dense mesh every neighbor relaying every message
// is a broadcast storm; scaling the per-node relay probability down
// with network size bounds total transmissions while several
// independent paths still carry each message. The curve here is a
// policy knob, not a contract.
//
// The size estimate is cached for a few seconds so a busy relay does
// not recompute topology per message.
type FloodControl struct {
	estimator NetworkSizeEstimator
	cacheTTL  time.Duration
	minProb   float64
	now       func() time.Time

	mu          sync.Mutex
	cachedSize  int
	cachedProb  float64
	refreshedAt time.Time
	rng         *rand.Rand
}

// NewFloodControl creates flood control with the given estimator
func NewFloodControl(estimator NetworkSizeEstimator, cacheTTL time.Duration, minProb float64) *FloodControl {
	if cacheTTL <= 0 {
		cacheTTL = DefaultConfig().EstimateCache
	}
	if minProb <= 0 {
		minProb = DefaultConfig().MinRelayProb
	}
	return &FloodControl{
		estimator: estimator,
		cacheTTL:  cacheTTL,
		minProb:   minProb,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// relayProbabilityFor maps an estimated network size to a relay
// probability. Small meshes relay everything; from 8 nodes up the
// probability decays inversely, floored at minProb.
func (f *FloodControl) relayProbabilityFor(size int) float64 {
	if size <= 4 {
		return 1.0
	}
	p := 4.0 / float64(size-4+4)
	if p < f.minProb {
		return f.minProb
	}
	return p
}

// refresh updates the cached estimate when stale. Caller holds f.mu.
func (f *FloodControl) refresh() {
	now := f.now()
	if now.Sub(f.refreshedAt) < f.cacheTTL && f.refreshedAt != (time.Time{}) {
		return
	}
	size := 1
	if f.estimator != nil {
		size = f.estimator()
	}
	if size < 1 {
		size = 1
	}
	f.cachedSize = size
	f.cachedProb = f.relayProbabilityFor(size)
	f.refreshedAt = now
}

// ShouldRelay rolls against the current relay probability
func (f *FloodControl) ShouldRelay() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh()
	if f.cachedProb >= 1.0 {
		return true
	}
	return f.rng.Float64() < f.cachedProb
}

// RelayProbability returns the current cached probability
func (f *FloodControl) RelayProbability() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh()
	return f.cachedProb
}

// NetworkSize returns the current cached size estimate
func (f *FloodControl) NetworkSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh()
	return f.cachedSize
}
