package network

import (
	"testing"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

func nid(b byte) protocol.NodeID {
	var id protocol.NodeID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestSmallMeshAlwaysRelays(t *testing.T) {
	fc := NewFloodControl(func() int { return 3 }, time.Second, 0.15)
	for i := 0; i < 50; i++ {
		if !fc.ShouldRelay() {
			t.Fatal("small mesh must always relay")
		}
	}
	if p := fc.RelayProbability(); p != 1.0 {
		t.Errorf("probability = %v, want 1.0", p)
	}
}

func TestProbabilityScalesDownWithSize(t *testing.T) {
	small := NewFloodControl(func() int { return 10 }, time.Second, 0.01)
	large := NewFloodControl(func() int { return 100 }, time.Second, 0.01)

	ps := small.RelayProbability()
	pl := large.RelayProbability()
	if pl >= ps {
		t.Errorf("probability must decrease with size: %v (10 nodes) vs %v (100 nodes)", ps, pl)
	}
}

func TestProbabilityFloor(t *testing.T) {
	fc := NewFloodControl(func() int { return 100000 }, time.Second, 0.15)
	if p := fc.RelayProbability(); p != 0.15 {
		t.Errorf("probability = %v, want floor 0.15", p)
	}
}

func TestEstimateCached(t *testing.T) {
	calls := 0
	fc := NewFloodControl(func() int {
		calls++
		return 10
	}, time.Hour, 0.15)

	for i := 0; i < 20; i++ {
		fc.ShouldRelay()
	}
	if calls != 1 {
		t.Errorf("estimator called %d times, want 1 (cached)", calls)
	}
}

func TestEstimateRefreshAfterTTL(t *testing.T) {
	calls := 0
	fc := NewFloodControl(func() int {
		calls++
		return 10
	}, 7*time.Second, 0.15)

	now := time.Now()
	fc.now = func() time.Time { return now }

	fc.NetworkSize()
	now = now.Add(8 * time.Second)
	fc.NetworkSize()
	if calls != 2 {
		t.Errorf("estimator called %d times, want 2 after TTL", calls)
	}
}
