// Package identity reconciles the three identifiers a peer can carry:
// the immutable first-contact identifier, the durable identifier
// assigned after a trust upgrade, and the rotating per-connection
// session identifier.
//
// Two derived keys matter and must never be conflated: the
// conversation key (durable, falling back to first-contact) addresses
// chat history and the offline queue; the session key (current
// session, falling back to first-contact) addresses live crypto
// sessions. Using one where the other belongs is exactly the bug class
// this package exists to prevent.
package identity

import (
	"sync"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// PeerIDs is the identifier triple of one logical contact. FirstContact
// is set at the first encounter and never changes. Durable is zero
// until the peer is upgraded past the lowest trust tier. Session is
// zero while the peer is disconnected and rotates every connection.
type PeerIDs struct {
	FirstContact protocol.NodeID
	Durable      protocol.NodeID
	Session      protocol.NodeID
}

// ConversationKey returns the stable key for chat history and queueing:
// the durable identifier when present, the first-contact one otherwise.
func (p PeerIDs) ConversationKey() protocol.NodeID {
	if !p.Durable.IsZero() {
		return p.Durable
	}
	return p.FirstContact
}

// SessionKey returns the key for active-session lookups: the current
// session identifier when connected, the first-contact one otherwise.
func (p PeerIDs) SessionKey() protocol.NodeID {
	if !p.Session.IsZero() {
		return p.Session
	}
	return p.FirstContact
}

// Resolver maps any of a peer's identifiers back to the triple. It is
// a constructed instance, not a global, so tests get isolated state.
type Resolver struct {
	mu        sync.RWMutex
	peers     map[protocol.NodeID]*PeerIDs // keyed by first-contact id
	byDurable map[protocol.NodeID]protocol.NodeID
	bySession map[protocol.NodeID]protocol.NodeID
}

// NewResolver creates an empty resolver
func NewResolver() *Resolver {
	return &Resolver{
		peers:     make(map[protocol.NodeID]*PeerIDs),
		byDurable: make(map[protocol.NodeID]protocol.NodeID),
		bySession: make(map[protocol.NodeID]protocol.NodeID),
	}
}

// Register records a peer at first encounter. Registering an already
// known first-contact identifier is a no-op; the first encounter wins.
func (r *Resolver) Register(firstContact protocol.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[firstContact]; exists {
		return
	}
	r.peers[firstContact] = &PeerIDs{FirstContact: firstContact}
}

// PromoteDurable assigns the durable identifier after a trust upgrade
func (r *Resolver) PromoteDurable(firstContact, durable protocol.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[firstContact]
	if !ok {
		return false
	}
	if !p.Durable.IsZero() {
		delete(r.byDurable, p.Durable)
	}
	p.Durable = durable
	if !durable.IsZero() {
		r.byDurable[durable] = firstContact
	}
	return true
}

// RotateSession replaces the peer's session identifier for a new
// connection. A zero session clears it (disconnect).
func (r *Resolver) RotateSession(firstContact, session protocol.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[firstContact]
	if !ok {
		return false
	}
	if !p.Session.IsZero() {
		delete(r.bySession, p.Session)
	}
	p.Session = session
	if !session.IsZero() {
		r.bySession[session] = firstContact
	}
	return true
}

// Resolve maps any known identifier to the peer's triple
func (r *Resolver) Resolve(id protocol.NodeID) (PeerIDs, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first := id
	if mapped, ok := r.bySession[id]; ok {
		first = mapped
	} else if mapped, ok := r.byDurable[id]; ok {
		first = mapped
	}

	p, ok := r.peers[first]
	if !ok {
		return PeerIDs{}, false
	}
	return *p, true
}

// ConversationKeyFor resolves an identifier to its conversation key.
// Unknown identifiers map to themselves, which keeps first-contact
// messages addressable before registration completes.
func (r *Resolver) ConversationKeyFor(id protocol.NodeID) protocol.NodeID {
	if p, ok := r.Resolve(id); ok {
		return p.ConversationKey()
	}
	return id
}

// SessionKeyFor resolves an identifier to its live-session key
func (r *Resolver) SessionKeyFor(id protocol.NodeID) protocol.NodeID {
	if p, ok := r.Resolve(id); ok {
		return p.SessionKey()
	}
	return id
}

// Len returns the number of known peers
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Reset drops all state. Test support.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[protocol.NodeID]*PeerIDs)
	r.byDurable = make(map[protocol.NodeID]protocol.NodeID)
	r.bySession = make(map[protocol.NodeID]protocol.NodeID)
}
