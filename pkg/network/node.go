package network

import (
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/identity"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/storage"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/transport"
)

// ConnStatus is the user-visible state of one connection role
type ConnStatus string

const (
	StatusScanning     ConnStatus = "scanning"
	StatusAdvertising  ConnStatus = "advertising"
	StatusConnected    ConnStatus = "connected"
	StatusReady        ConnStatus = "ready"
	StatusReconnecting ConnStatus = "reconnecting"
	StatusDisconnected ConnStatus = "disconnected"
)

// StatusEvent is published on every connection state change
type StatusEvent struct {
	Role   protocol.HandshakeRole `json:"role"`
	Status ConnStatus             `json:"status"`
	Text   string                 `json:"text"`
}

// InboundMessage is a decrypted (or locally delivered relay) message
type InboundMessage struct {
	From    protocol.NodeID
	Content []byte
	Relayed bool
}

// Node is one mesh device: its identity, at most one connection per
// role, the relay engine, and the durable outbound queue. The two
// connection slots each own an independent handshake machine and
// session and share nothing mutable.
type Node struct {
	cfg   Config
	local LocalIdentity

	resolver *identity.Resolver
	seen     *SeenStore
	flood    *FloodControl
	spam     *SpamFilter
	relay    *RelayEngine

	db    *storage.MeshDB
	queue *storage.OfflineQueue
	sched *storage.Scheduler

	connMu    sync.RWMutex
	initiator *Connection
	acceptor  *Connection

	statusStream *Stream[StatusEvent]
	msgStream    *Stream[InboundMessage]

	stop     chan struct{}
	stopOnce sync.Once
}

// NewNode constructs a mesh node. db may be nil for a purely
// in-memory node (no offline queue, no contact persistence).
func NewNode(firstContactID protocol.NodeID, displayName string, db *storage.MeshDB, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()

	static, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate static key: %v", err)
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %v", err)
	}

	n := &Node{
		cfg: cfg,
		local: LocalIdentity{
			FirstContactID: firstContactID,
			DisplayName:    displayName,
			Static:         static,
			Signing:        signing,
		},
		resolver:     identity.NewResolver(),
		seen:         NewSeenStore(cfg.DedupWindow),
		spam:         NewSpamFilter(cfg.SpamRatePerMinute, cfg.SpamTrustFloor),
		db:           db,
		statusStream: NewStream[StatusEvent](),
		msgStream:    NewStream[InboundMessage](),
		stop:         make(chan struct{}),
	}
	n.flood = NewFloodControl(n.estimateNetworkSize, cfg.EstimateCache, cfg.MinRelayProb)
	n.relay = NewRelayEngine(firstContactID, cfg.MaxHops, n.seen, n.flood, n.spam, n, n, n.deliverLocal)

	if db != nil {
		n.queue = storage.NewOfflineQueue(db, storage.DefaultQueueConfig())
		n.sched = storage.NewScheduler(n.queue, n.deliverQueued, 5*time.Second, 32)
		n.sched.OnTerminal = func(msg *storage.QueuedMessage, reason string) {
			log.Printf("❌ Message %.8s undeliverable: %s", msg.ID, reason)
		}
		n.sched.Start()
	}

	n.seen.StartSweeper(time.Minute, n.stop)
	go n.rekeyLoop()
	return n, nil
}

// ID returns this node's first-contact identifier
func (n *Node) ID() protocol.NodeID { return n.local.FirstContactID }

// Resolver exposes the identity resolver
func (n *Node) Resolver() *identity.Resolver { return n.resolver }

// StatusStream is the connection-status event stream
func (n *Node) StatusStream() *Stream[StatusEvent] { return n.statusStream }

// MessageStream is the decrypted-message stream
func (n *Node) MessageStream() *Stream[InboundMessage] { return n.msgStream }

// RelayEngine exposes relay observability
func (n *Node) RelayEngine() *RelayEngine { return n.relay }

// SeenStore exposes dedup observability
func (n *Node) SeenStore() *SeenStore { return n.seen }

// SpamFilter exposes the relay admission filter
func (n *Node) SpamFilter() *SpamFilter { return n.spam }

// Queue exposes the offline queue, nil on in-memory nodes
func (n *Node) Queue() *storage.OfflineQueue { return n.queue }

// DB exposes the contact database, nil on in-memory nodes
func (n *Node) DB() *storage.MeshDB { return n.db }

// DisplayName returns this node's human-readable name
func (n *Node) DisplayName() string { return n.local.DisplayName }

// FloodControl exposes the relay rate limiter
func (n *Node) FloodControl() *FloodControl { return n.flood }

// ConnectedPeers snapshots the identities on established connections
func (n *Node) ConnectedPeers() []PeerIdentity {
	var peers []PeerIdentity
	for _, conn := range n.liveConns() {
		peers = append(peers, conn.Remote())
	}
	return peers
}

// ===== CONNECTION LIFECYCLE =====

// AttachLink installs a fresh link in the given role's slot and starts
// its handshake. An existing connection in that slot is torn down
// first; a device holds at most one per role.
func (n *Node) AttachLink(role protocol.HandshakeRole, link transport.Link) (*Connection, error) {
	local := n.local
	sessionKey, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	local.SessionKey = sessionKey

	conn := NewConnection(role, link, local, nil, n.cfg)
	// The peer is unknown until it announces itself; a persisted
	// pairing is looked up then and enables the short pattern.
	conn.Machine().StaticLookup = n.lookupPeerStatic
	conn.OnPlaintext = n.onPlaintext
	conn.OnRelay = n.onRelayArrived
	conn.OnRelayAck = n.onRelayAck
	conn.OnReady = n.onConnReady
	conn.OnDown = n.onConnDown

	n.connMu.Lock()
	var old *Connection
	if role == protocol.RoleInitiator {
		old, n.initiator = n.initiator, conn
	} else {
		old, n.acceptor = n.acceptor, conn
	}
	n.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	n.publishStatus(role, StatusConnected, "link open, handshaking")
	if err := conn.Start(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *Node) onConnReady(c *Connection) {
	remote := c.Remote()

	n.resolver.Register(remote.FirstContactID)
	n.resolver.RotateSession(remote.FirstContactID, sessionNodeID(remote.SessionPublicKey))

	if n.db != nil {
		n.persistPeer(remote)
	}

	n.publishStatus(c.role, StatusReady, fmt.Sprintf("established with %s", remote.DisplayName))
	if n.sched != nil {
		n.sched.SetOnline()
	}
}

// persistPeer records the peer contact after a successful handshake.
// The local trust decision always wins over whatever tier the peer
// asserted about itself. Above TrustNone the pairing completes: the
// handshake-learned static key yields the durable identifier.
func (n *Node) persistPeer(remote PeerIdentity) {
	tier := remote.TrustTier
	if existing, err := n.db.GetContact(remote.FirstContactID.Hex()); err == nil && existing.TrustTier > tier {
		tier = existing.TrustTier
	}

	staticHex := ""
	if remote.StaticKey != ([32]byte{}) {
		staticHex = hex.EncodeToString(remote.StaticKey[:])
	}
	contact := &storage.Contact{
		FirstContactID: remote.FirstContactID.Hex(),
		DisplayName:    remote.DisplayName,
		TrustTier:      tier,
		StaticKey:      staticHex,
		LastSeen:       time.Now().Unix(),
	}
	if err := n.db.SaveContact(contact); err != nil {
		log.Printf("⚠️ Failed to persist contact %s: %v", remote.FirstContactID.Short(), err)
		return
	}

	if tier > protocol.TrustNone && remote.StaticKey != ([32]byte{}) {
		durable := durableNodeID(remote.StaticKey)
		if err := n.db.PromoteContact(remote.FirstContactID.Hex(), durable.Hex(), tier); err != nil {
			log.Printf("⚠️ Failed to promote contact %s: %v", remote.FirstContactID.Short(), err)
			return
		}
		n.resolver.PromoteDurable(remote.FirstContactID, durable)
	}
}

// lookupPeerStatic resolves a persisted pairing for the handshake
// machine. Only trusted contacts qualify for the short pattern.
func (n *Node) lookupPeerStatic(peer protocol.NodeID) *[32]byte {
	if n.db == nil {
		return nil
	}
	contact, err := n.db.GetContact(peer.Hex())
	if err != nil || contact.TrustTier == protocol.TrustNone {
		return nil
	}
	raw, err := hex.DecodeString(contact.StaticKey)
	if err != nil || len(raw) != 32 {
		return nil
	}
	var static [32]byte
	copy(static[:], raw)
	return &static
}

// durableNodeID derives the durable identifier from a peer's
// long-term public key.
func durableNodeID(static [32]byte) protocol.NodeID {
	var id protocol.NodeID
	if sum, err := crypto.Hash(static[:]); err == nil {
		copy(id[:], sum)
	}
	return id
}

func (n *Node) onConnDown(c *Connection, reason error) {
	n.connMu.Lock()
	if n.initiator == c {
		n.initiator = nil
	}
	if n.acceptor == c {
		n.acceptor = nil
	}
	anyLeft := n.initiator != nil || n.acceptor != nil
	n.connMu.Unlock()

	remote := c.Remote()
	if !remote.FirstContactID.IsZero() {
		// Session ids rotate per connection; drop the stale mapping
		n.resolver.RotateSession(remote.FirstContactID, protocol.NodeID{})
	}

	n.publishStatus(c.role, StatusReconnecting, fmt.Sprintf("link down: %v", reason))
	if !anyLeft && n.sched != nil {
		n.sched.SetOffline()
	}
}

// sessionNodeID folds a session public key into a NodeID
func sessionNodeID(pub [32]byte) protocol.NodeID {
	return protocol.NodeID(pub)
}

func (n *Node) publishStatus(role protocol.HandshakeRole, status ConnStatus, text string) {
	n.statusStream.Publish(StatusEvent{Role: role, Status: status, Text: text})
}

// ===== INBOUND =====

func (n *Node) onPlaintext(c *Connection, data []byte) {
	n.msgStream.Publish(InboundMessage{
		From:    c.Remote().FirstContactID,
		Content: data,
	})
}

func (n *Node) onRelayArrived(c *Connection, env *protocol.RelayEnvelope) {
	decision := n.relay.HandleInbound(env, c.Remote().FirstContactID)
	switch decision {
	case DecisionDeliveredLocally:
		// Tell the carrying hop its copy landed
		if err := c.SendRelayAck(env.ComputedID()); err != nil {
			log.Printf("⚠️ Relay ack to %s failed: %v", c.Remote().FirstContactID.Short(), err)
		}
	case DecisionDropHopLimit, DecisionDropDuplicate:
		log.Printf("🔁 Relay %.8s from %s: %s",
			env.ComputedID().Hex(), c.Remote().FirstContactID.Short(), decision)
	}
}

// onRelayAck settles the queued copy of an acknowledged message. Acks
// for messages this node merely relayed find no queue row and fall
// through silently.
func (n *Node) onRelayAck(c *Connection, id protocol.MessageID) {
	if n.queue == nil {
		return
	}
	if err := n.queue.MarkDelivered(id.Hex()); err == nil {
		log.Printf("✅ Message %.8s acknowledged by %s", id.Hex(), c.Remote().FirstContactID.Short())
	}
}

// deliverLocal is the relay engine's local delivery sink
func (n *Node) deliverLocal(env *protocol.RelayEnvelope) {
	n.msgStream.Publish(InboundMessage{
		From:    env.OriginalSender,
		Content: env.Content,
		Relayed: true,
	})
}

// ===== OUTBOUND =====

// SendMessage sends content to a recipient: directly over a live
// session when one exists, otherwise relay-wrapped into the mesh and
// queued for unreachable next hops.
func (n *Node) SendMessage(recipient protocol.NodeID, content []byte, priority protocol.Priority) error {
	if conn := n.liveConnTo(recipient); conn != nil {
		return conn.SendPayload(content)
	}

	env := &protocol.RelayEnvelope{
		OriginalSender: n.local.FirstContactID,
		FinalRecipient: recipient,
		HopCount:       0,
		TTL:            n.cfg.MaxHops,
		Timestamp:      protocol.NowUnixMilli(),
		Content:        content,
	}
	decision := n.relay.HandleOutbound(env)
	if decision == DecisionDropNoNextHops {
		// Nobody reachable at all; park it for the recipient directly
		return n.enqueueRelay(recipient, env, priority)
	}
	return nil
}

// RetryMessage resets a failed queued message for another attempt
func (n *Node) RetryMessage(id string) error {
	if n.queue == nil {
		return storage.ErrNotFound
	}
	_, err := n.queue.ScheduleRetry(id, "manual retry")
	if err != nil {
		return err
	}
	if n.sched != nil {
		n.sched.SetOnline()
	}
	return nil
}

// SetPriority changes a queued message's priority
func (n *Node) SetPriority(id string, p protocol.Priority) error {
	if n.queue == nil {
		return storage.ErrNotFound
	}
	return n.queue.ChangePriority(id, p)
}

// liveConnTo finds an established connection whose peer matches the
// recipient under any of its identifiers.
func (n *Node) liveConnTo(recipient protocol.NodeID) *Connection {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	for _, conn := range []*Connection{n.initiator, n.acceptor} {
		if conn == nil || !conn.Ready() {
			continue
		}
		remote := conn.Remote()
		if remote.FirstContactID == recipient ||
			n.resolver.ConversationKeyFor(remote.FirstContactID) == n.resolver.ConversationKeyFor(recipient) {
			return conn
		}
	}
	return nil
}

// liveConns snapshots the established connections
func (n *Node) liveConns() []*Connection {
	n.connMu.RLock()
	defer n.connMu.RUnlock()
	var conns []*Connection
	for _, conn := range []*Connection{n.initiator, n.acceptor} {
		if conn != nil && conn.Ready() {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ===== RELAY ENGINE COLLABORATORS =====

// NextHops returns connected peers eligible to carry a relay onward
func (n *Node) NextHops(finalRecipient protocol.NodeID, exclude []protocol.NodeID) []protocol.NodeID {
	var hops []protocol.NodeID
	for _, conn := range n.liveConns() {
		peer := conn.Remote().FirstContactID
		excluded := false
		for _, ex := range exclude {
			if peer == ex {
				excluded = true
				break
			}
		}
		if !excluded {
			hops = append(hops, peer)
		}
	}
	return hops
}

// ForwardRelay hands an onward relay copy to a next hop: straight to
// the link when live, otherwise into the durable queue.
func (n *Node) ForwardRelay(nextHop protocol.NodeID, env *protocol.RelayEnvelope) error {
	if conn := n.liveConnTo(nextHop); conn != nil {
		return conn.SendRelay(env)
	}
	return n.enqueueRelay(nextHop, env, protocol.PriorityNormal)
}

func (n *Node) enqueueRelay(nextHop protocol.NodeID, env *protocol.RelayEnvelope, priority protocol.Priority) error {
	if n.queue == nil {
		return ErrNoNextHops
	}
	id := env.ComputedID()
	_, err := n.queue.Enqueue(&storage.QueuedMessage{
		ID:          id.Hex(),
		ChatID:      n.resolver.ConversationKeyFor(env.FinalRecipient).Hex(),
		Content:     env.Encode(),
		RecipientID: nextHop.Hex(),
		SenderID:    n.local.FirstContactID.Hex(),
		Priority:    priority,
		Relay: &storage.HopMetadata{
			OriginalSender: env.OriginalSender.Hex(),
			FinalRecipient: env.FinalRecipient.Hex(),
			HopCount:       int(env.HopCount),
			TTL:            int(env.TTL),
			MessageHash:    id.Hex(),
		},
	})
	return err
}

// deliverQueued is the scheduler's delivery callback
func (n *Node) deliverQueued(msg *storage.QueuedMessage) error {
	recipient, err := protocol.NodeIDFromHex(msg.RecipientID)
	if err != nil {
		return err
	}
	conn := n.liveConnTo(recipient)
	if conn == nil {
		return ErrNotConnected
	}

	if msg.Relay != nil {
		var env protocol.RelayEnvelope
		if err := env.Decode(msg.Content); err != nil {
			return err
		}
		return conn.SendRelay(&env)
	}
	return conn.SendPayload(msg.Content)
}

// estimateNetworkSize feeds flood control. Direct links plus the
// resolver's contact population approximate reachable mesh size.
func (n *Node) estimateNetworkSize() int {
	size := len(n.liveConns())
	if known := n.resolver.Len(); known > size {
		size = known
	}
	if size < 1 {
		size = 1
	}
	return size
}

// ===== MAINTENANCE =====

func (n *Node) rekeyLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			for _, conn := range n.liveConns() {
				if err := conn.MaybeRekey(); err != nil {
					log.Printf("⚠️ Rekey attempt failed: %v", err)
				}
			}
		}
	}
}

// Close shuts the node down
func (n *Node) Close() {
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.sched != nil {
			n.sched.Stop()
		}
		n.connMu.Lock()
		initiator, acceptor := n.initiator, n.acceptor
		n.initiator, n.acceptor = nil, nil
		n.connMu.Unlock()
		if initiator != nil {
			initiator.Close()
		}
		if acceptor != nil {
			acceptor.Close()
		}
		n.statusStream.Close()
		n.msgStream.Close()
	})
}
