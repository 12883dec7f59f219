package network

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/transport"
)

// Fragment original-type codes; only application frames fragment
const (
	fragTypeSessionData  uint8 = 1
	fragTypeRelayForward uint8 = 2
)

// Connection owns one live link: its handshake machine, its session
// once established, and fragment reassembly. A device runs at most one
// connection per role; the two share nothing mutable.
type Connection struct {
	role protocol.HandshakeRole
	cfg  Config
	link transport.Link

	machine *HandshakeMachine
	reasm   *protocol.Reassembler
	fec     *protocol.FECCodec

	fecMu   sync.Mutex
	fecSets map[fecSetKey]*fecPending

	mu      sync.Mutex
	session *Session
	keys    protocol.SessionKeys
	remote  PeerIdentity
	ready   bool
	closed  bool

	rekeyMu      sync.Mutex
	pendingRekey *crypto.DHKeyPair

	sweepStop chan struct{}

	// OnPlaintext receives each decrypted application payload
	OnPlaintext func(c *Connection, data []byte)
	// OnRelay receives relay envelopes arriving on this link
	OnRelay func(c *Connection, env *protocol.RelayEnvelope)
	// OnRelayAck receives delivery acknowledgements from the peer
	OnRelayAck func(c *Connection, id protocol.MessageID)
	// OnReady fires once when the session is established
	OnReady func(c *Connection)
	// OnDown fires once when the connection dies
	OnDown func(c *Connection, reason error)
}

// NewConnection wraps a fresh link. knownPeerStatic enables the
// 2-message handshake pattern when a previous pairing exists.
func NewConnection(role protocol.HandshakeRole, link transport.Link, local LocalIdentity, knownPeerStatic *[32]byte, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	// Default shard geometry never fails validation
	fec, _ := protocol.NewFECCodec(0, 0)
	c := &Connection{
		role:      role,
		cfg:       cfg,
		link:      link,
		reasm:     protocol.NewReassembler(cfg.ReassemblyTimeout),
		fec:       fec,
		fecSets:   make(map[fecSetKey]*fecPending),
		sweepStop: make(chan struct{}),
	}
	c.machine = NewHandshakeMachine(role, local, knownPeerStatic, c.sendTyped, c, cfg)
	c.machine.OnFailed = func(err error) { c.teardown(err) }

	link.SetHandler(c.onReceive, func(reason error) { c.teardown(reason) })
	go c.sweepLoop()
	return c
}

// Start kicks off the handshake
func (c *Connection) Start() error {
	return c.machine.Start()
}

// Machine exposes the handshake machine for consent decisions and
// phase observation.
func (c *Connection) Machine() *HandshakeMachine { return c.machine }

// Remote returns the peer identity once the handshake learned it
func (c *Connection) Remote() PeerIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return c.remote
	}
	return c.machine.Remote()
}

// Ready reports whether encrypted application traffic may flow
func (c *Connection) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Session returns the session, nil before established
func (c *Connection) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ===== OUTBOUND =====

// SendPayload encrypts and transmits one application payload. Fails
// closed: nothing reaches the link unless encryption succeeded.
func (c *Connection) SendPayload(plaintext []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotEstablished
	}

	frame, err := session.Encrypt(plaintext)
	if err != nil {
		return err
	}
	opts := protocol.FragmentOptions{OriginalType: fragTypeSessionData}
	return c.sendFrame(protocol.MsgTypeSessionData, protocol.FlagEncrypted, opts, frame)
}

// SendRelay transmits a relay envelope on this link, encrypted under
// the link session like any other traffic. Each hop decrypts, inspects
// the envelope, and re-encrypts toward the next hop; routing metadata
// is never exposed beyond the two link endpoints.
func (c *Connection) SendRelay(env *protocol.RelayEnvelope) error {
	c.mu.Lock()
	session := c.session
	ready := c.ready && !c.closed
	c.mu.Unlock()
	if session == nil || !ready {
		return ErrNotEstablished
	}

	frame, err := session.Encrypt(env.Encode())
	if err != nil {
		return err
	}
	opts := protocol.FragmentOptions{
		Extended:      true,
		OriginalType:  fragTypeRelayForward,
		TTL:           env.TTL,
		RecipientHint: env.FinalRecipient,
	}
	return c.sendFrame(protocol.MsgTypeRelayForward, protocol.FlagEncrypted|protocol.FlagRelay, opts, frame)
}

// SendRelayAck acknowledges local delivery of a relayed message back
// to the hop that carried it here.
func (c *Connection) SendRelayAck(id protocol.MessageID) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotEstablished
	}

	frame, err := session.Encrypt(id[:])
	if err != nil {
		return err
	}
	return c.sendFrame(protocol.MsgTypeRelayAck, protocol.FlagEncrypted, protocol.FragmentOptions{}, frame)
}

// sendTyped is the handshake machine's transmit path
func (c *Connection) sendTyped(msgType uint16, payload []byte) error {
	return c.sendFrame(msgType, 0, protocol.FragmentOptions{}, payload)
}

// sendFrame frames a payload, fragmenting when the link MTU requires
func (c *Connection) sendFrame(msgType uint16, flags uint16, opts protocol.FragmentOptions, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	msgID, err := randomMessageID()
	if err != nil {
		return err
	}

	if protocol.HeaderSize+len(payload) <= c.link.MaxPayload() {
		hdr := protocol.NewHeader(msgType, len(payload), msgID)
		hdr.Flags = flags
		msg := protocol.Message{Header: hdr, Payload: payload}
		return c.link.Send(msg.Encode())
	}

	frags, fragFlags, err := c.fragment(payload, opts)
	if err != nil {
		return err
	}

	for _, f := range frags {
		encoded := f.Encode()
		hdr := protocol.NewHeader(msgType, len(encoded), msgID)
		hdr.Flags = flags | protocol.FlagFragmented | fragFlags
		msg := protocol.Message{Header: hdr, Payload: encoded}
		if err := c.link.Send(msg.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// fragment picks the fragmentation scheme. Relay transfers use the
// parity-augmented FEC set whenever its fixed shard geometry fits the
// link MTU, so a lost fragment does not sink the whole transfer.
// Everything else splits count-exact. Relay frames use the extended
// envelope so hop state survives fragmentation.
func (c *Connection) fragment(payload []byte, opts protocol.FragmentOptions) ([]*protocol.FragmentEnvelope, uint16, error) {
	if opts.Extended {
		frags, err := c.fec.Fragment(payload, opts)
		if err == nil && protocol.HeaderSize+protocol.FragmentExtendedHeaderSize+len(frags[0].Payload) <= c.link.MaxPayload() {
			return frags, protocol.FlagFEC, nil
		}
	}

	maxFrag := c.link.MaxPayload() - protocol.HeaderSize - protocol.FragmentHeaderSize
	if opts.Extended {
		maxFrag = c.link.MaxPayload() - protocol.HeaderSize - protocol.FragmentExtendedHeaderSize
	}
	frags, err := protocol.Fragment(payload, maxFrag, opts)
	return frags, 0, err
}

func randomMessageID() (protocol.MessageID, error) {
	var id protocol.MessageID
	nonce, err := crypto.GenerateNonce(len(id))
	if err != nil {
		return id, err
	}
	copy(id[:], nonce)
	return id, nil
}

// ===== INBOUND =====

func (c *Connection) onReceive(data []byte) {
	msg, err := protocol.DecodeMessage(data)
	if err != nil {
		log.Printf("⚠️ Dropping malformed frame from %s: %v", c.link.RemoteAddr(), err)
		return
	}

	payload := msg.Payload
	forwardable := true
	if msg.Header.HasFlag(protocol.FlagFragmented) {
		payload, forwardable = c.reassemble(msg)
		if payload == nil {
			return // incomplete or bad fragment
		}
	}

	c.dispatch(msg.Header.Type, payload, forwardable)
}

func (c *Connection) reassemble(msg *protocol.Message) ([]byte, bool) {
	extended := msg.Header.HasFlag(protocol.FlagRelay)
	env, err := protocol.DecodeFragment(msg.Payload, extended)
	if err != nil {
		log.Printf("⚠️ Bad fragment from %s: %v", c.link.RemoteAddr(), err)
		return nil, false
	}

	if msg.Header.HasFlag(protocol.FlagFEC) {
		return c.acceptFEC(msg.Header.MessageID, env)
	}

	result, err := c.reasm.Accept(c.senderKey(), msg.Header.MessageID, env)
	if err != nil || result == nil || !result.Complete {
		return nil, false
	}
	return result.Payload, result.Forwardable
}

// fecSetKey scopes a FEC set like the count-based reassembler does
type fecSetKey struct {
	sender protocol.NodeID
	id     protocol.MessageID
}

type fecPending struct {
	envs      []*protocol.FragmentEnvelope
	have      map[uint8]bool
	firstSeen time.Time
}

// acceptFEC collects one FEC fragment and attempts recovery once
// enough shards survived. Duplicate indices never count twice.
func (c *Connection) acceptFEC(id protocol.MessageID, env *protocol.FragmentEnvelope) ([]byte, bool) {
	c.fecMu.Lock()
	defer c.fecMu.Unlock()

	key := fecSetKey{sender: c.senderKey(), id: id}
	set, ok := c.fecSets[key]
	if !ok {
		set = &fecPending{have: make(map[uint8]bool), firstSeen: time.Now()}
		c.fecSets[key] = set
	}
	if !set.have[env.Index] {
		set.have[env.Index] = true
		set.envs = append(set.envs, env)
	}
	if len(set.envs) < c.fec.DataShards() {
		return nil, false
	}

	payload, err := c.fec.Reassemble(set.envs)
	if err != nil {
		// Wait for more shards
		return nil, false
	}
	delete(c.fecSets, key)
	return payload, !env.Extended || env.TTL > 0
}

func (c *Connection) sweepFEC() {
	c.fecMu.Lock()
	defer c.fecMu.Unlock()
	cutoff := time.Now().Add(-c.cfg.ReassemblyTimeout)
	for key, set := range c.fecSets {
		if set.firstSeen.Before(cutoff) {
			delete(c.fecSets, key)
		}
	}
}

// senderKey scopes reassembly sets to this link's peer
func (c *Connection) senderKey() protocol.NodeID {
	return c.Remote().FirstContactID
}

func (c *Connection) dispatch(msgType uint16, payload []byte, forwardable bool) {
	switch msgType {
	case protocol.MsgTypeIdentityAnnounce, protocol.MsgTypeKeyExchange, protocol.MsgTypeStatusSync:
		if err := c.machine.HandleMessage(msgType, payload); err != nil &&
			!errors.Is(err, ErrUnexpectedMessage) {
			log.Printf("⚠️ Handshake error on %s: %v", c.link.RemoteAddr(), err)
		}

	case protocol.MsgTypeSessionData:
		c.handleSessionData(payload)

	case protocol.MsgTypeRelayForward:
		c.handleRelayForward(payload, forwardable)

	case protocol.MsgTypeRelayAck:
		c.handleRelayAck(payload)

	case protocol.MsgTypeRekeyRequest:
		c.handleRekeyRequest(payload)

	case protocol.MsgTypeRekeyResponse:
		c.handleRekeyResponse(payload)

	case protocol.MsgTypePing:
		_ = c.sendTyped(protocol.MsgTypePong, nil)

	case protocol.MsgTypePong:
		// keepalive answered

	case protocol.MsgTypeDisconnect:
		c.teardown(ErrConnectionClosed)

	default:
		log.Printf("⚠️ Unknown message type 0x%04x from %s", msgType, c.link.RemoteAddr())
	}
}

func (c *Connection) handleSessionData(frame []byte) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		// Arrived ahead of established; replayed in order afterwards
		c.machine.BufferPayload(frame)
		return
	}
	c.decryptAndDeliver(session, frame)
}

func (c *Connection) decryptAndDeliver(session *Session, frame []byte) {
	plaintext, err := session.Decrypt(frame)
	if err != nil {
		if errors.Is(err, ErrReplayedNonce) {
			// Expected under duplicate relay delivery
			return
		}
		log.Printf("⚠️ Decrypt failed on %s: %v", c.link.RemoteAddr(), err)
		return
	}
	if c.OnPlaintext != nil {
		c.OnPlaintext(c, plaintext)
	}
}

func (c *Connection) handleRelayForward(frame []byte, forwardable bool) {
	if !c.Ready() {
		// Relay traffic is not accepted from unauthenticated links
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}

	payload, err := session.Decrypt(frame)
	if err != nil {
		if errors.Is(err, ErrReplayedNonce) {
			return
		}
		log.Printf("⚠️ Relay decrypt failed on %s: %v", c.link.RemoteAddr(), err)
		return
	}

	var env protocol.RelayEnvelope
	if err := env.Decode(payload); err != nil {
		log.Printf("⚠️ Bad relay envelope from %s: %v", c.link.RemoteAddr(), err)
		return
	}
	if !forwardable {
		// Hop budget died in transit; local delivery only
		env.TTL = 0
	}
	if c.OnRelay != nil {
		c.OnRelay(c, &env)
	}
}

func (c *Connection) handleRelayAck(frame []byte) {
	if !c.Ready() {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}

	payload, err := session.Decrypt(frame)
	if err != nil || len(payload) != len(protocol.MessageID{}) {
		return
	}
	var id protocol.MessageID
	copy(id[:], payload)
	if c.OnRelayAck != nil {
		c.OnRelayAck(c, id)
	}
}

// ===== SESSION ESTABLISHMENT =====

// EstablishSession is called by the handshake machine on success
func (c *Connection) EstablishSession(role protocol.HandshakeRole, keys *protocol.SessionKeys, remote *PeerIdentity) {
	c.mu.Lock()
	if c.closed || c.session != nil {
		c.mu.Unlock()
		return
	}
	c.session = NewSession(role, keys, c.cfg)
	c.keys = *keys
	c.remote = *remote
	c.ready = true
	session := c.session
	c.mu.Unlock()

	// Drain payloads that beat the handshake, in arrival order
	for _, frame := range c.machine.TakeBuffered() {
		c.decryptAndDeliver(session, frame)
	}

	if c.OnReady != nil {
		c.OnReady(c)
	}
}

// ===== REKEY =====

// MaybeRekey starts a rekey exchange when a threshold has tripped.
// Only the connection's original initiator starts one, so both sides
// never race their own exchanges.
func (c *Connection) MaybeRekey() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil || c.role != protocol.RoleInitiator || !session.NeedsRekey() {
		return nil
	}
	return c.requestRekey()
}

func (c *Connection) requestRekey() error {
	c.rekeyMu.Lock()
	defer c.rekeyMu.Unlock()
	if c.pendingRekey != nil {
		return ErrRekeyPending
	}

	eph, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return err
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotEstablished
	}
	if err := session.BeginRekey(); err != nil {
		return err
	}
	c.pendingRekey = eph

	req := protocol.RekeyExchange{Ephemeral: eph.Public}
	log.Printf("🔄 Rekeying session with %s", c.Remote().FirstContactID.Short())
	return c.sendTyped(protocol.MsgTypeRekeyRequest, req.Encode())
}

func (c *Connection) handleRekeyRequest(payload []byte) {
	var req protocol.RekeyExchange
	if err := req.Decode(payload); err != nil {
		return
	}

	c.mu.Lock()
	session := c.session
	prev := c.keys
	c.mu.Unlock()
	if session == nil {
		return
	}

	eph, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return
	}
	dh, err := crypto.DH(eph.Private, req.Ephemeral)
	if err != nil {
		return
	}
	newKeys, err := protocol.RekeyDerive(&prev, dh, false)
	if err != nil {
		return
	}

	if err := session.BeginRekey(); err != nil && !errors.Is(err, ErrRekeyPending) {
		return
	}

	resp := protocol.RekeyExchange{Ephemeral: eph.Public}
	if err := c.sendTyped(protocol.MsgTypeRekeyResponse, resp.Encode()); err != nil {
		return
	}

	if err := session.CompleteRekey(newKeys); err != nil {
		log.Printf("⚠️ Rekey install failed: %v", err)
		return
	}
	c.mu.Lock()
	c.keys = *newKeys
	c.mu.Unlock()
}

func (c *Connection) handleRekeyResponse(payload []byte) {
	var resp protocol.RekeyExchange
	if err := resp.Decode(payload); err != nil {
		return
	}

	c.rekeyMu.Lock()
	eph := c.pendingRekey
	c.pendingRekey = nil
	c.rekeyMu.Unlock()
	if eph == nil {
		return
	}

	c.mu.Lock()
	session := c.session
	prev := c.keys
	c.mu.Unlock()
	if session == nil {
		return
	}

	dh, err := crypto.DH(eph.Private, resp.Ephemeral)
	if err != nil {
		return
	}
	newKeys, err := protocol.RekeyDerive(&prev, dh, true)
	if err != nil {
		return
	}
	if err := session.CompleteRekey(newKeys); err != nil {
		log.Printf("⚠️ Rekey install failed: %v", err)
		return
	}
	c.mu.Lock()
	c.keys = *newKeys
	c.mu.Unlock()
	log.Printf("✅ Session rekeyed with %s", c.Remote().FirstContactID.Short())
}

// ===== TEARDOWN =====

func (c *Connection) sweepLoop() {
	ticker := time.NewTicker(c.cfg.ReassemblyTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.reasm.Sweep()
			c.sweepFEC()
		}
	}
}

func (c *Connection) teardown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready = false
	session := c.session
	c.session = nil
	c.mu.Unlock()

	close(c.sweepStop)
	c.machine.Cancel()
	if session != nil {
		session.Close()
	}
	c.link.Close()

	if c.OnDown != nil {
		c.OnDown(c, reason)
	}
}

// Close tears the connection down deliberately
func (c *Connection) Close() {
	_ = c.sendTyped(protocol.MsgTypeDisconnect, nil)
	c.teardown(ErrConnectionClosed)
}
