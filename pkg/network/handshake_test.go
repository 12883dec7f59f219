package network

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// pump shuttles typed messages between two machines in order, like a
// lossless link without goroutines.
type pump struct {
	mu    sync.Mutex
	queue []pumpMsg
}

type pumpMsg struct {
	to      *HandshakeMachine
	msgType uint16
	payload []byte
}

func (p *pump) sendTo(m *HandshakeMachine) SendFunc {
	return func(msgType uint16, payload []byte) error {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		p.mu.Lock()
		p.queue = append(p.queue, pumpMsg{to: m, msgType: msgType, payload: buf})
		p.mu.Unlock()
		return nil
	}
}

// run delivers queued messages until quiescent
func (p *pump) run() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		_ = msg.to.HandleMessage(msg.msgType, msg.payload)
	}
}

type captureEstablisher struct {
	ch chan establishResult
}

type establishResult struct {
	role   protocol.HandshakeRole
	keys   *protocol.SessionKeys
	remote *PeerIdentity
}

func newCapture() *captureEstablisher {
	return &captureEstablisher{ch: make(chan establishResult, 1)}
}

func (c *captureEstablisher) EstablishSession(role protocol.HandshakeRole, keys *protocol.SessionKeys, remote *PeerIdentity) {
	c.ch <- establishResult{role, keys, remote}
}

func (c *captureEstablisher) wait(t *testing.T) establishResult {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("session never established")
		return establishResult{}
	}
}

func testLocal(t *testing.T, b byte, name string) LocalIdentity {
	t.Helper()
	static, err := crypto.GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	session, err := crypto.GenerateDHKeyPair()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	return LocalIdentity{
		FirstContactID: nid(b),
		DisplayName:    name,
		Static:         static,
		Signing:        signing,
		SessionKey:     session,
	}
}

func TestHandshakeFirstContact(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")
	estA, estB := newCapture(), newCapture()

	var a, b *HandshakeMachine
	a = NewHandshakeMachine(protocol.RoleInitiator, localA, nil, nil, estA, Config{})
	b = NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, estB, Config{})
	a.send = p.sendTo(b)
	b.send = p.sendTo(a)

	if err := b.Start(); err != nil {
		t.Fatalf("responder Start failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("initiator Start failed: %v", err)
	}
	p.run()

	ra := estA.wait(t)
	rb := estB.wait(t)

	if a.Phase() != PhaseEstablished || b.Phase() != PhaseEstablished {
		t.Fatalf("phases: %v / %v", a.Phase(), b.Phase())
	}
	if !bytes.Equal(ra.keys.SendKey[:], rb.keys.ReceiveKey[:]) ||
		!bytes.Equal(ra.keys.ReceiveKey[:], rb.keys.SendKey[:]) {
		t.Error("directional keys do not mirror")
	}
	if ra.keys.TranscriptSum != rb.keys.TranscriptSum {
		t.Error("transcript hashes diverge")
	}
	if ra.remote.FirstContactID != nid(2) || ra.remote.DisplayName != "Bob" {
		t.Errorf("initiator learned wrong identity: %+v", ra.remote)
	}
	// The 3-message pattern carries statics encrypted; both learn them
	if ra.remote.StaticKey != localB.Static.Public {
		t.Error("initiator did not learn responder static key")
	}
	if rb.remote.StaticKey != localA.Static.Public {
		t.Error("responder did not learn initiator static key")
	}
}

func TestHandshakeKnownPeer(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")
	estA, estB := newCapture(), newCapture()

	staticA, staticB := localA.Static.Public, localB.Static.Public
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, &staticB, nil, estA, Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, &staticA, nil, estB, Config{})
	a.send = p.sendTo(b)
	b.send = p.sendTo(a)

	if err := b.Start(); err != nil {
		t.Fatalf("responder Start failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("initiator Start failed: %v", err)
	}
	p.run()

	ra := estA.wait(t)
	rb := estB.wait(t)
	if !bytes.Equal(ra.keys.SendKey[:], rb.keys.ReceiveKey[:]) {
		t.Error("known-peer keys do not mirror")
	}
}

func TestHandshakeKnownPeerViaStoredPairing(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")
	estA, estB := newCapture(), newCapture()

	staticA, staticB := localA.Static.Public, localB.Static.Public

	// Neither side holds the pairing up front; both resolve it once the
	// peer names itself.
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, nil, nil, estA, Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, estB, Config{})
	a.StaticLookup = func(peer protocol.NodeID) *[32]byte {
		if peer == nid(2) {
			return &staticB
		}
		return nil
	}
	b.StaticLookup = func(peer protocol.NodeID) *[32]byte {
		if peer == nid(1) {
			return &staticA
		}
		return nil
	}
	a.send = p.sendTo(b)
	b.send = p.sendTo(a)

	if err := b.Start(); err != nil {
		t.Fatalf("responder Start failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("initiator Start failed: %v", err)
	}
	p.run()

	ra := estA.wait(t)
	rb := estB.wait(t)
	if a.pattern != protocol.PatternKnownPeer || b.pattern != protocol.PatternKnownPeer {
		t.Fatalf("patterns: %v / %v, want known-peer on both sides", a.pattern, b.pattern)
	}
	if !bytes.Equal(ra.keys.SendKey[:], rb.keys.ReceiveKey[:]) {
		t.Error("known-peer keys do not mirror")
	}
}

func TestHandshakeForgedIdentityFails(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")

	failed := make(chan error, 1)
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, nil, nil, newCapture(), Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, newCapture(), Config{})

	// Corrupt the announce signature in flight
	a.send = func(msgType uint16, payload []byte) error {
		if msgType == protocol.MsgTypeIdentityAnnounce {
			payload = append([]byte(nil), payload...)
			payload[len(payload)-1] ^= 0x01
		}
		return p.sendTo(b)(msgType, payload)
	}
	b.send = p.sendTo(a)
	b.OnFailed = func(err error) { failed <- err }

	b.Start()
	a.Start()
	p.run()

	select {
	case err := <-failed:
		if !errors.Is(err, ErrHandshakeAuthFailure) {
			t.Errorf("failure = %v, want auth failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder accepted a forged announce")
	}
}

func TestHandshakeKnownPeerWithoutPairingFails(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")
	staticB := localB.Static.Public

	failed := make(chan error, 1)
	// A assumes a pairing B does not hold
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, &staticB, nil, newCapture(), Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, newCapture(), Config{})
	a.send = p.sendTo(b)
	b.send = p.sendTo(a)
	b.OnFailed = func(err error) { failed <- err }

	b.Start()
	a.Start()
	p.run()

	select {
	case err := <-failed:
		if !errors.Is(err, ErrHandshakeAuthFailure) {
			t.Errorf("failure = %v, want auth failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder never failed")
	}
	if b.Phase() != PhaseFailed {
		t.Errorf("responder phase = %v, want failed", b.Phase())
	}
}

func TestHandshakeTamperedKeyExchangeFails(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")

	failed := make(chan error, 1)
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, nil, nil, newCapture(), Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, newCapture(), Config{})

	// Corrupt the second key-exchange body in flight
	tampered := false
	a.send = p.sendTo(b)
	b.send = func(msgType uint16, payload []byte) error {
		if msgType == protocol.MsgTypeKeyExchange && !tampered {
			tampered = true
			payload = append([]byte(nil), payload...)
			payload[len(payload)-1] ^= 0x01
		}
		return p.sendTo(a)(msgType, payload)
	}
	a.OnFailed = func(err error) { failed <- err }

	b.Start()
	a.Start()
	p.run()

	select {
	case err := <-failed:
		if !errors.Is(err, ErrHandshakeAuthFailure) {
			t.Errorf("failure = %v, want auth failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initiator never failed on tampered exchange")
	}
}

func TestHandshakeBufferDrainedExactlyOnce(t *testing.T) {
	local := testLocal(t, 1, "Alice")
	m := NewHandshakeMachine(protocol.RoleInitiator, local, nil, func(uint16, []byte) error { return nil }, nil, Config{})

	m.BufferPayload([]byte("one"))
	m.BufferPayload([]byte("two"))
	m.BufferPayload([]byte("three"))

	got := m.TakeBuffered()
	if len(got) != 3 || string(got[0]) != "one" || string(got[2]) != "three" {
		t.Errorf("buffer order wrong: %q", got)
	}
	if again := m.TakeBuffered(); again != nil {
		t.Error("second drain must return nothing")
	}
}

func TestHandshakeConsentSuspension(t *testing.T) {
	p := &pump{}
	localA := testLocal(t, 1, "Alice")
	localB := testLocal(t, 2, "Bob")
	// B declares the relationship pending a user decision
	localB.RelationshipFlags = protocol.RelFlagConsentPending

	estA, estB := newCapture(), newCapture()
	a := NewHandshakeMachine(protocol.RoleInitiator, localA, nil, nil, estA, Config{})
	b := NewHandshakeMachine(protocol.RoleResponder, localB, nil, nil, estB, Config{})
	a.send = p.sendTo(b)
	b.send = p.sendTo(a)

	consentAsked := make(chan struct{}, 1)
	a.OnConsentRequired = func(*PeerIdentity) { consentAsked <- struct{}{} }

	b.Start()
	a.Start()
	p.run()

	select {
	case <-consentAsked:
	case <-time.After(2 * time.Second):
		t.Fatal("consent callback never fired")
	}
	if a.Phase() != PhaseAwaitingConsent {
		t.Fatalf("initiator phase = %v, want awaiting_consent", a.Phase())
	}

	// B sees no pending flag from A and establishes normally
	estB.wait(t)

	if err := a.GrantConsent(); err != nil {
		t.Fatalf("GrantConsent failed: %v", err)
	}
	estA.wait(t)
	if a.Phase() != PhaseEstablished {
		t.Errorf("phase after consent = %v", a.Phase())
	}
}

func TestHandshakeRetryBudgetExhausts(t *testing.T) {
	local := testLocal(t, 1, "Alice")
	cfg := Config{HandshakeRetries: 2, HandshakeBackoff: 20 * time.Millisecond}

	failed := make(chan error, 1)
	// The peer never answers
	m := NewHandshakeMachine(protocol.RoleInitiator, local, nil, func(uint16, []byte) error { return nil }, nil, cfg)
	m.OnFailed = func(err error) { failed <- err }

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, ErrHandshakeTimeout) {
			t.Errorf("failure = %v, want timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry budget never exhausted")
	}
	if m.Phase() != PhaseFailed {
		t.Errorf("phase = %v, want failed", m.Phase())
	}
}

func TestHandshakeCancelStopsAttempt(t *testing.T) {
	local := testLocal(t, 1, "Alice")
	cfg := Config{HandshakeRetries: 5, HandshakeBackoff: 20 * time.Millisecond}

	var failCount int
	var mu sync.Mutex
	m := NewHandshakeMachine(protocol.RoleInitiator, local, nil, func(uint16, []byte) error { return nil }, nil, cfg)
	m.OnFailed = func(error) {
		mu.Lock()
		failCount++
		mu.Unlock()
	}

	m.Start()
	m.Cancel()

	// Cancellation is wholesale and silent
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if failCount != 0 {
		t.Error("cancel must not fire the failure callback")
	}
	if m.Phase() != PhaseFailed {
		t.Errorf("phase = %v, want failed", m.Phase())
	}
}
