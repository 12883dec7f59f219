package network

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// RelayDecision is the outcome of handling one relay-wrapped message
type RelayDecision uint8

const (
	DecisionDeliveredLocally RelayDecision = iota
	DecisionRelayed
	DecisionDropDuplicate
	DecisionDropHopLimit
	DecisionDropSpam
	DecisionDropFloodControl
	DecisionDropNoNextHops
)

// String returns the decision name
func (d RelayDecision) String() string {
	switch d {
	case DecisionDeliveredLocally:
		return "delivered"
	case DecisionRelayed:
		return "relayed"
	case DecisionDropDuplicate:
		return "drop-duplicate"
	case DecisionDropHopLimit:
		return "drop-hop-limit"
	case DecisionDropSpam:
		return "drop-spam"
	case DecisionDropFloodControl:
		return "drop-flood-control"
	case DecisionDropNoNextHops:
		return "drop-no-next-hops"
	}
	return "unknown"
}

// NextHopProvider enumerates the peers a relay can be forwarded to.
// exclude lists peers the message must not go back to (the arrival
// link and the original sender).
type NextHopProvider interface {
	NextHops(finalRecipient protocol.NodeID, exclude []protocol.NodeID) []protocol.NodeID
}

// RelayForwarder hands an onward copy to the delivery machinery
// (in practice the offline queue keyed by next-hop peer).
type RelayForwarder interface {
	ForwardRelay(nextHop protocol.NodeID, env *protocol.RelayEnvelope) error
}

// LocalDeliverFunc receives messages addressed to this node
type LocalDeliverFunc func(env *protocol.RelayEnvelope)

// RelayStats is a snapshot of relay engine counters
type RelayStats struct {
	TotalRelayed         int64   `json:"total_relayed"`
	DeliveredToSelf      int64   `json:"delivered_to_self"`
	DroppedDuplicate     int64   `json:"dropped_duplicate"`
	DroppedHopLimit      int64   `json:"dropped_hop_limit"`
	DroppedSpam          int64   `json:"dropped_spam"`
	DroppedFloodControl  int64   `json:"dropped_flood_control"`
	DroppedNoNextHops    int64   `json:"dropped_no_next_hops"`
	RelayProbability     float64 `json:"relay_probability"`
	EstimatedNetworkSize int     `json:"estimated_network_size"`
}

// RelayEngine decides, for each relay-wrapped message, whether to
// deliver locally, forward onward, or drop. Correctness rests on the
// seen store, not ordering: every hop recomputes the same canonical
// message id and at most one arrival per dedup window gets past
// CheckAndMark.
type RelayEngine struct {
	localID protocol.NodeID
	maxHops uint8

	seen    *SeenStore
	flood   *FloodControl
	spam    *SpamFilter
	hops    NextHopProvider
	forward RelayForwarder
	deliver LocalDeliverFunc

	statsStream *Stream[RelayStats]

	totalRelayed    atomic.Int64
	deliveredSelf   atomic.Int64
	droppedDup      atomic.Int64
	droppedHopLimit atomic.Int64
	droppedSpam     atomic.Int64
	droppedFlood    atomic.Int64
	droppedNoHops   atomic.Int64

	mu sync.Mutex // serializes hop mutation per envelope handling
}

// NewRelayEngine wires the engine to its collaborators
func NewRelayEngine(localID protocol.NodeID, maxHops uint8, seen *SeenStore, flood *FloodControl, spam *SpamFilter, hops NextHopProvider, forward RelayForwarder, deliver LocalDeliverFunc) *RelayEngine {
	if maxHops == 0 {
		maxHops = DefaultConfig().MaxHops
	}
	return &RelayEngine{
		localID:     localID,
		maxHops:     maxHops,
		seen:        seen,
		flood:       flood,
		spam:        spam,
		hops:        hops,
		forward:     forward,
		deliver:     deliver,
		statsStream: NewStream[RelayStats](),
	}
}

// HandleInbound processes one relay envelope arriving from fromPeer.
//
// Order matters: the spam check runs before anything else and a
// rejection never marks the id seen, so a legitimate later copy gets a
// fresh evaluation. Local delivery always happens before any relay
// decision, and hop-limit drops still mark seen so repeat arrivals die
// at the duplicate check instead of rerunning relay logic.
func (e *RelayEngine) HandleInbound(env *protocol.RelayEnvelope, fromPeer protocol.NodeID) RelayDecision {
	id := env.ComputedID()

	if e.spam != nil && !e.spam.Allow(env.OriginalSender, id) {
		e.droppedSpam.Add(1)
		e.publishStats()
		return DecisionDropSpam
	}

	if e.seen.CheckAndMark(id) {
		e.droppedDup.Add(1)
		e.publishStats()
		return DecisionDropDuplicate
	}

	if env.FinalRecipient == e.localID {
		e.deliveredSelf.Add(1)
		if e.deliver != nil {
			e.deliver(env)
		}
		e.publishStats()
		return DecisionDeliveredLocally
	}

	if env.HopCount >= e.maxHops || env.TTL == 0 {
		e.droppedHopLimit.Add(1)
		log.Printf("🔁 Dropping %.8s: hop limit (%d hops)", id.Hex(), env.HopCount)
		e.publishStats()
		return DecisionDropHopLimit
	}

	if e.flood != nil && !e.flood.ShouldRelay() {
		// Safe to skip: the id is marked seen here, and flood control
		// only ever skips copies some other path is already carrying.
		e.droppedFlood.Add(1)
		e.publishStats()
		return DecisionDropFloodControl
	}

	decision := e.relayOnward(env, id, []protocol.NodeID{fromPeer, env.OriginalSender})
	e.publishStats()
	return decision
}

// HandleOutbound originates a relay-wrapped message from this node
func (e *RelayEngine) HandleOutbound(env *protocol.RelayEnvelope) RelayDecision {
	id := env.ComputedID()
	env.MessageID = id
	e.seen.MarkSeen(id)
	decision := e.relayOnward(env, id, []protocol.NodeID{e.localID})
	e.publishStats()
	return decision
}

func (e *RelayEngine) relayOnward(env *protocol.RelayEnvelope, id protocol.MessageID, exclude []protocol.NodeID) RelayDecision {
	nextHops := e.hops.NextHops(env.FinalRecipient, exclude)
	if len(nextHops) == 0 {
		e.droppedNoHops.Add(1)
		return DecisionDropNoNextHops
	}

	e.mu.Lock()
	onward := *env
	onward.HopCount++
	onward.TTL--
	e.mu.Unlock()

	var forwarded int
	for _, hop := range nextHops {
		if err := e.forward.ForwardRelay(hop, &onward); err != nil {
			log.Printf("⚠️ Failed to queue relay %.8s for %s: %v", id.Hex(), hop.Short(), err)
			continue
		}
		forwarded++
	}
	if forwarded == 0 {
		e.droppedNoHops.Add(1)
		return DecisionDropNoNextHops
	}

	e.totalRelayed.Add(1)
	return DecisionRelayed
}

// Stats returns a snapshot of the counters
func (e *RelayEngine) Stats() RelayStats {
	stats := RelayStats{
		TotalRelayed:        e.totalRelayed.Load(),
		DeliveredToSelf:     e.deliveredSelf.Load(),
		DroppedDuplicate:    e.droppedDup.Load(),
		DroppedHopLimit:     e.droppedHopLimit.Load(),
		DroppedSpam:         e.droppedSpam.Load(),
		DroppedFloodControl: e.droppedFlood.Load(),
		DroppedNoNextHops:   e.droppedNoHops.Load(),
	}
	if e.flood != nil {
		stats.RelayProbability = e.flood.RelayProbability()
		stats.EstimatedNetworkSize = e.flood.NetworkSize()
	}
	return stats
}

// StatsStream exposes continuous statistics updates
func (e *RelayEngine) StatsStream() *Stream[RelayStats] {
	return e.statsStream
}

func (e *RelayEngine) publishStats() {
	e.statsStream.Publish(e.Stats())
}
