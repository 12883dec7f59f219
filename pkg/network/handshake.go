package network

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// HandshakePhase is the progression of a link toward encrypted traffic
type HandshakePhase uint8

const (
	PhaseConnectionReady HandshakePhase = iota
	PhaseIdentityExchanged
	PhaseSecureHandshake
	PhaseStatusSynced
	PhaseAwaitingConsent
	PhaseEstablished
	PhaseFailed
)

// String returns the phase name
func (p HandshakePhase) String() string {
	switch p {
	case PhaseIdentityExchanged:
		return "identity_exchanged"
	case PhaseSecureHandshake:
		return "secure_handshake"
	case PhaseStatusSynced:
		return "status_synced"
	case PhaseAwaitingConsent:
		return "awaiting_consent"
	case PhaseEstablished:
		return "established"
	case PhaseFailed:
		return "failed"
	default:
		return "connection_ready"
	}
}

// LocalIdentity is this node's identity material for one link
type LocalIdentity struct {
	FirstContactID protocol.NodeID
	DisplayName    string
	Static         *crypto.DHKeyPair
	Signing        *crypto.SigningKeyPair
	SessionKey     *crypto.DHKeyPair // rotates per connection

	// What we assert about the peer in statusSync
	PeerTrustTier     protocol.TrustTier
	RelationshipFlags uint16
}

// PeerIdentity is the candidate identity learned during the handshake.
// It is not persisted as a contact until the machine establishes.
type PeerIdentity struct {
	FirstContactID    protocol.NodeID
	DisplayName       string
	SessionPublicKey  [32]byte
	StaticKey         [32]byte
	TrustTier         protocol.TrustTier
	RelationshipFlags uint16
}

// SendFunc transmits one typed handshake message over the link
type SendFunc func(msgType uint16, payload []byte) error

// SessionEstablisher receives the outcome of a successful handshake
type SessionEstablisher interface {
	EstablishSession(role protocol.HandshakeRole, keys *protocol.SessionKeys, remote *PeerIdentity)
}

// HandshakeMachine drives one link from connectionReady to
// established. Transitions are strictly sequential; each phase resends
// its last message on a fixed backoff up to the retry budget, then the
// whole attempt fails. Any authentication failure is fatal to the
// attempt; there is no path into an unauthenticated established
// state.
type HandshakeMachine struct {
	role protocol.HandshakeRole
	cfg  Config

	local LocalIdentity
	// Durable static of the peer from a previous pairing; enables the
	// 2-message pattern when both sides hold one.
	knownPeerStatic *[32]byte

	send        SendFunc
	establisher SessionEstablisher

	// StaticLookup resolves a durable static key for a peer once its
	// identity is known. Returns nil when no pairing is held. Consulted
	// only when knownPeerStatic was not supplied up front.
	StaticLookup func(peer protocol.NodeID) *[32]byte

	// OnFailed fires once when the attempt dies
	OnFailed func(err error)
	// OnPhaseChange fires on every transition
	OnPhaseChange func(phase HandshakePhase)
	// OnConsentRequired fires when progression suspends for a user
	// decision; resume with GrantConsent or DenyConsent.
	OnConsentRequired func(remote *PeerIdentity)

	mu           sync.Mutex
	phase        HandshakePhase
	remote       PeerIdentity
	hs           *protocol.HandshakeState
	pattern      protocol.HandshakePattern
	keys         *protocol.SessionKeys
	sentIdentity bool
	sentStatus   bool
	gotStatus    bool
	buffer       [][]byte
	drained      bool

	retryTimer *time.Timer
	attempts   int
	lastSend   func() error
	failed     bool
}

// NewHandshakeMachine creates a machine for one fresh link.
// knownPeerStatic is nil on first contact.
func NewHandshakeMachine(role protocol.HandshakeRole, local LocalIdentity, knownPeerStatic *[32]byte, send SendFunc, establisher SessionEstablisher, cfg Config) *HandshakeMachine {
	return &HandshakeMachine{
		role:            role,
		cfg:             cfg.withDefaults(),
		local:           local,
		knownPeerStatic: knownPeerStatic,
		send:            send,
		establisher:     establisher,
		phase:           PhaseConnectionReady,
	}
}

// Phase returns the current phase
func (m *HandshakeMachine) Phase() HandshakePhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Remote returns the candidate peer identity learned so far
func (m *HandshakeMachine) Remote() PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Start begins the exchange. Both roles announce identity; the
// initiator announces first, the responder answers.
func (m *HandshakeMachine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnectionReady {
		return ErrUnexpectedMessage
	}
	if m.role == protocol.RoleInitiator {
		return m.sendIdentityLocked()
	}
	// Responder waits for the initiator's announce; arm the phase
	// timeout so a silent peer still fails the attempt.
	m.armRetryLocked(func() error { return nil })
	return nil
}

func (m *HandshakeMachine) sendIdentityLocked() error {
	announce := protocol.IdentityAnnounce{
		FirstContactID:   m.local.FirstContactID,
		DisplayName:      m.local.DisplayName,
		SessionPublicKey: m.local.SessionKey.Public,
	}
	if m.local.Signing != nil {
		copy(announce.SigningPublicKey[:], m.local.Signing.Public)
		copy(announce.Signature[:], crypto.Sign(m.local.Signing, announce.SigningPayload()))
	}
	payload := announce.Encode()
	sendFn := func() error { return m.send(protocol.MsgTypeIdentityAnnounce, payload) }
	if err := sendFn(); err != nil {
		return err
	}
	m.sentIdentity = true
	m.armRetryLocked(sendFn)
	return nil
}

// HandleMessage feeds one inbound pre-session message to the machine
func (m *HandshakeMachine) HandleMessage(msgType uint16, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseFailed || m.phase == PhaseEstablished {
		return ErrUnexpectedMessage
	}

	var err error
	switch msgType {
	case protocol.MsgTypeIdentityAnnounce:
		err = m.handleIdentityLocked(payload)
	case protocol.MsgTypeKeyExchange:
		err = m.handleKeyExchangeLocked(payload)
	case protocol.MsgTypeStatusSync:
		err = m.handleStatusSyncLocked(payload)
	default:
		return ErrUnexpectedMessage
	}

	if err != nil {
		m.failLocked(err)
	}
	return err
}

func (m *HandshakeMachine) handleIdentityLocked(payload []byte) error {
	if m.phase != PhaseConnectionReady {
		// Duplicate announce (peer retry); harmless
		return nil
	}

	var announce protocol.IdentityAnnounce
	if err := announce.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	if !crypto.VerifySignature(announce.SigningPublicKey[:], announce.SigningPayload(), announce.Signature[:]) {
		return fmt.Errorf("%w: identity signature invalid", ErrHandshakeAuthFailure)
	}

	m.remote.FirstContactID = announce.FirstContactID
	m.remote.DisplayName = announce.DisplayName
	m.remote.SessionPublicKey = announce.SessionPublicKey

	// The peer is now named; a stored pairing for it enables the
	// 2-message pattern.
	if m.knownPeerStatic == nil && m.StaticLookup != nil {
		m.knownPeerStatic = m.StaticLookup(announce.FirstContactID)
	}

	if !m.sentIdentity {
		if err := m.sendIdentityLocked(); err != nil {
			return err
		}
	}
	m.setPhaseLocked(PhaseIdentityExchanged)
	log.Printf("🤝 Identity exchanged with %s (%s)", m.remote.FirstContactID.Short(), m.remote.DisplayName)

	// The initiator opens the cryptographic handshake
	if m.role == protocol.RoleInitiator {
		return m.beginKeyExchangeLocked()
	}
	m.armRetryLocked(func() error { return nil })
	return nil
}

func (m *HandshakeMachine) beginKeyExchangeLocked() error {
	pattern := protocol.PatternFirstContact
	if m.knownPeerStatic != nil {
		pattern = protocol.PatternKnownPeer
	}

	hs, err := protocol.NewHandshakeState(pattern, m.role, m.local.Static, m.knownPeerStatic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	m.hs = hs
	m.pattern = pattern
	m.setPhaseLocked(PhaseSecureHandshake)
	return m.writeKeyExchangeLocked(0)
}

func (m *HandshakeMachine) writeKeyExchangeLocked(msgNum uint8) error {
	body, err := m.hs.WriteMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	ke := protocol.KeyExchangeMessage{Pattern: m.pattern, MsgNum: msgNum, Body: body}
	payload := ke.Encode()
	sendFn := func() error { return m.send(protocol.MsgTypeKeyExchange, payload) }
	if err := sendFn(); err != nil {
		return err
	}
	m.armRetryLocked(sendFn)

	if m.hs.Complete() {
		return m.finishKeyExchangeLocked()
	}
	return nil
}

func (m *HandshakeMachine) handleKeyExchangeLocked(payload []byte) error {
	var ke protocol.KeyExchangeMessage
	if err := ke.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	// The responder learns the pattern from the first message
	if m.hs == nil {
		if m.role != protocol.RoleResponder || m.phase != PhaseIdentityExchanged {
			return ErrUnexpectedMessage
		}
		if ke.Pattern == protocol.PatternKnownPeer && m.knownPeerStatic == nil {
			return fmt.Errorf("%w: peer assumed a pairing we do not hold", ErrHandshakeAuthFailure)
		}
		remoteStatic := m.knownPeerStatic
		if ke.Pattern == protocol.PatternFirstContact {
			remoteStatic = nil
		}
		hs, err := protocol.NewHandshakeState(ke.Pattern, m.role, m.local.Static, remoteStatic)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
		}
		m.hs = hs
		m.pattern = ke.Pattern
		m.setPhaseLocked(PhaseSecureHandshake)
	}

	if m.hs.Complete() {
		// Peer retry of its final message after we completed
		return nil
	}

	if err := m.hs.ReadMessage(ke.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}

	if m.hs.Complete() {
		return m.finishKeyExchangeLocked()
	}
	return m.writeKeyExchangeLocked(ke.MsgNum + 1)
}

// finishKeyExchangeLocked derives keys and moves to status sync
func (m *HandshakeMachine) finishKeyExchangeLocked() error {
	keys, err := m.hs.Split()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	m.keys = keys

	if static, ok := m.hs.RemoteStatic(); ok {
		m.remote.StaticKey = static
	}
	log.Printf("🔐 Key exchange complete with %s (%d-message pattern)",
		m.remote.FirstContactID.Short(), m.hs.MessageCount())

	return m.sendStatusLocked()
}

func (m *HandshakeMachine) sendStatusLocked() error {
	status := protocol.StatusSync{
		TrustTier:         m.local.PeerTrustTier,
		RelationshipFlags: m.local.RelationshipFlags,
	}
	payload := status.Encode()
	sendFn := func() error { return m.send(protocol.MsgTypeStatusSync, payload) }
	if err := sendFn(); err != nil {
		return err
	}
	m.sentStatus = true
	m.armRetryLocked(sendFn)
	return m.maybeSyncedLocked()
}

func (m *HandshakeMachine) handleStatusSyncLocked(payload []byte) error {
	if m.keys == nil {
		return ErrUnexpectedMessage
	}
	if m.gotStatus {
		return nil // peer retry
	}

	var status protocol.StatusSync
	if err := status.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeAuthFailure, err)
	}
	m.remote.TrustTier = status.TrustTier
	m.remote.RelationshipFlags = status.RelationshipFlags
	m.gotStatus = true

	if !m.sentStatus {
		return m.sendStatusLocked()
	}
	return m.maybeSyncedLocked()
}

// maybeSyncedLocked advances once both status messages have crossed
func (m *HandshakeMachine) maybeSyncedLocked() error {
	if !m.sentStatus || !m.gotStatus {
		return nil
	}
	m.setPhaseLocked(PhaseStatusSynced)

	// Asymmetric trust: a consent-pending peer suspends progression
	// for a user decision rather than guessing.
	if m.remote.RelationshipFlags&protocol.RelFlagConsentPending != 0 &&
		m.remote.RelationshipFlags&protocol.RelFlagConsentGranted == 0 {
		m.setPhaseLocked(PhaseAwaitingConsent)
		m.stopRetryLocked()
		if m.OnConsentRequired != nil {
			remote := m.remote
			go m.OnConsentRequired(&remote)
		}
		return nil
	}

	m.establishLocked()
	return nil
}

// GrantConsent resumes a handshake suspended in awaiting_consent
func (m *HandshakeMachine) GrantConsent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseAwaitingConsent {
		return ErrUnexpectedMessage
	}
	m.establishLocked()
	return nil
}

// DenyConsent terminates a suspended handshake
func (m *HandshakeMachine) DenyConsent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseAwaitingConsent {
		m.failLocked(ErrConsentRequired)
	}
}

func (m *HandshakeMachine) establishLocked() {
	m.stopRetryLocked()
	m.setPhaseLocked(PhaseEstablished)
	log.Printf("✅ Handshake established with %s", m.remote.FirstContactID.Short())

	if m.establisher != nil {
		// Off the lock: the establisher will come back for the
		// pre-established buffer.
		keys := m.keys
		remote := m.remote
		go m.establisher.EstablishSession(m.role, keys, &remote)
	}
}

// BufferPayload holds application payload arriving before established.
// The owner fetches it with TakeBuffered after the session exists.
func (m *HandshakeMachine) BufferPayload(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseEstablished || m.phase == PhaseFailed {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.buffer = append(m.buffer, buf)
}

// TakeBuffered returns buffered payloads in arrival order, exactly
// once. Subsequent calls return nil.
func (m *HandshakeMachine) TakeBuffered() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drained {
		return nil
	}
	m.drained = true
	buf := m.buffer
	m.buffer = nil
	return buf
}

// Cancel tears down the attempt wholesale, without the failure
// callback. Used on disconnect; a handshake is never resumed.
func (m *HandshakeMachine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseEstablished || m.phase == PhaseFailed {
		return
	}
	m.stopRetryLocked()
	m.phase = PhaseFailed
	m.failed = true
}

func (m *HandshakeMachine) setPhaseLocked(phase HandshakePhase) {
	if m.phase == phase {
		return
	}
	m.phase = phase
	if m.OnPhaseChange != nil {
		cb := m.OnPhaseChange
		go cb(phase)
	}
}

func (m *HandshakeMachine) failLocked(err error) {
	if m.failed {
		return
	}
	m.failed = true
	m.stopRetryLocked()
	m.setPhaseLocked(PhaseFailed)
	log.Printf("❌ Handshake failed: %v", err)
	if m.OnFailed != nil {
		cb := m.OnFailed
		go cb(err)
	}
}

// ===== PHASE RETRY =====

// armRetryLocked restarts the retry budget for the current phase. The
// resend closure retransmits the last outbound message; when the
// budget is exhausted the attempt fails with a timeout.
func (m *HandshakeMachine) armRetryLocked(resend func() error) {
	m.stopRetryLocked()
	m.attempts = 0
	m.lastSend = resend
	m.retryTimer = time.AfterFunc(m.cfg.HandshakeBackoff, m.retryFire)
}

func (m *HandshakeMachine) retryFire() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failed || m.phase == PhaseEstablished || m.phase == PhaseAwaitingConsent {
		return
	}

	m.attempts++
	if m.attempts >= m.cfg.HandshakeRetries {
		m.failLocked(ErrHandshakeTimeout)
		return
	}

	if m.lastSend != nil {
		if err := m.lastSend(); err != nil {
			m.failLocked(err)
			return
		}
	}
	m.retryTimer = time.AfterFunc(m.cfg.HandshakeBackoff, m.retryFire)
}

func (m *HandshakeMachine) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}
