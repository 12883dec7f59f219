package network

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
)

// SessionState tracks a per-peer session through its life
type SessionState uint8

const (
	SessionIdle SessionState = iota
	SessionIdentityExchanged
	SessionHandshaking
	SessionEstablished
	SessionRekeying
	SessionClosed
)

// String returns the state name
func (s SessionState) String() string {
	switch s {
	case SessionIdentityExchanged:
		return "identity_exchanged"
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionRekeying:
		return "rekeying"
	case SessionClosed:
		return "closed"
	default:
		return "idle"
	}
}

// sessionFrameOverhead is the counter prefix plus the AEAD tag
const sessionFrameOverhead = 8 + 16

type sessionOp uint8

const (
	opEncrypt sessionOp = iota
	opDecrypt
	opState
	opNeedsRekey
	opBeginRekey
	opCompleteRekey
	opStats
)

type sessionReq struct {
	op    sessionOp
	data  []byte
	keys  *protocol.SessionKeys
	reply chan sessionReply
}

type sessionReply struct {
	data  []byte
	state SessionState
	flag  bool
	stats SessionStats
	err   error
}

// SessionStats is a snapshot of session counters
type SessionStats struct {
	State             string `json:"state"`
	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	ReplaysRejected   uint64 `json:"replays_rejected"`
	MessagesSinceKeys int    `json:"messages_since_rekey"`
}

// Session is the authenticated-encryption channel to one peer. All
// state lives inside a single goroutine; callers interact through
// request passing, so concurrent Encrypt/Decrypt calls serialize by
// construction rather than by a lock callers must remember.
//
// Wire frame: [8-byte big-endian counter][AES-GCM ciphertext]. The
// counter doubles as the GCM nonce; the handshake transcript hash is
// bound in as additional data. The receive side tolerates reordering
// within a bounded window and rejects anything replayed or older.
type Session struct {
	role protocol.HandshakeRole
	cfg  Config

	reqCh     chan *sessionReq
	closed    chan struct{}
	closeOnce sync.Once

	// owned by the run loop
	state       SessionState
	keys        protocol.SessionKeys
	sendCounter uint64
	recvHighest uint64
	recvWindow  uint64
	msgsSent    uint64
	msgsRecv    uint64
	replays     uint64
	sinceRekey  int
	keysAt      time.Time
	pending     []*sessionReq // encrypts suspended during rekey
}

// NewSession creates an established session from freshly derived keys
func NewSession(role protocol.HandshakeRole, keys *protocol.SessionKeys, cfg Config) *Session {
	s := &Session{
		role:   role,
		cfg:    cfg.withDefaults(),
		reqCh:  make(chan *sessionReq),
		closed: make(chan struct{}),
		state:  SessionEstablished,
		keys:   *keys,
		keysAt: time.Now(),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			s.state = SessionClosed
			for _, req := range s.pending {
				req.reply <- sessionReply{err: ErrSessionClosed}
			}
			s.pending = nil
			return
		case req := <-s.reqCh:
			s.handle(req)
		}
	}
}

func (s *Session) handle(req *sessionReq) {
	switch req.op {
	case opEncrypt:
		if s.state == SessionRekeying {
			// Suspend until the new keys are confirmed; the caller
			// stays blocked and is answered in arrival order.
			s.pending = append(s.pending, req)
			return
		}
		data, err := s.encrypt(req.data)
		req.reply <- sessionReply{data: data, err: err}

	case opDecrypt:
		data, err := s.decrypt(req.data)
		req.reply <- sessionReply{data: data, err: err}

	case opState:
		req.reply <- sessionReply{state: s.state}

	case opNeedsRekey:
		req.reply <- sessionReply{flag: s.needsRekey()}

	case opBeginRekey:
		if s.state != SessionEstablished {
			err := ErrNotEstablished
			if s.state == SessionRekeying {
				err = ErrRekeyPending
			}
			req.reply <- sessionReply{err: err}
			return
		}
		s.state = SessionRekeying
		req.reply <- sessionReply{}

	case opCompleteRekey:
		if s.state != SessionRekeying {
			req.reply <- sessionReply{err: ErrNotEstablished}
			return
		}
		s.keys = *req.keys
		s.sendCounter = 0
		s.recvHighest = 0
		s.recvWindow = 0
		s.sinceRekey = 0
		s.keysAt = time.Now()
		s.state = SessionEstablished
		req.reply <- sessionReply{}

		// Drain sends suspended during the rekey, in arrival order
		suspended := s.pending
		s.pending = nil
		for _, p := range suspended {
			data, err := s.encrypt(p.data)
			p.reply <- sessionReply{data: data, err: err}
		}

	case opStats:
		req.reply <- sessionReply{stats: SessionStats{
			State:             s.state.String(),
			MessagesSent:      s.msgsSent,
			MessagesReceived:  s.msgsRecv,
			ReplaysRejected:   s.replays,
			MessagesSinceKeys: s.sinceRekey,
		}}
	}
}

// encrypt runs on the session goroutine
func (s *Session) encrypt(plaintext []byte) ([]byte, error) {
	if s.state != SessionEstablished {
		return nil, ErrNotEstablished
	}

	s.sendCounter++
	ct, err := crypto.SealWithCounter(plaintext, s.keys.SendKey[:], s.sendCounter, s.keys.TranscriptSum[:])
	if err != nil {
		// Fail closed: the counter was consumed, nothing hit the wire
		return nil, err
	}

	out := make([]byte, 8+len(ct))
	binary.BigEndian.PutUint64(out[:8], s.sendCounter)
	copy(out[8:], ct)

	s.msgsSent++
	s.sinceRekey++
	return out, nil
}

// decrypt runs on the session goroutine
func (s *Session) decrypt(frame []byte) ([]byte, error) {
	if s.state != SessionEstablished && s.state != SessionRekeying {
		return nil, ErrNotEstablished
	}
	if len(frame) < sessionFrameOverhead {
		return nil, crypto.ErrDecryptionFailed
	}

	counter := binary.BigEndian.Uint64(frame[:8])
	if err := s.replayCheck(counter); err != nil {
		s.replays++
		return nil, err
	}

	pt, err := crypto.OpenWithCounter(frame[8:], s.keys.ReceiveKey[:], counter, s.keys.TranscriptSum[:])
	if err != nil {
		return nil, err
	}

	// Commit to the window only after authentication, so forged
	// counters cannot poison it.
	s.replayCommit(counter)
	s.msgsRecv++
	return pt, nil
}

// replayCheck rejects counters already accepted or too far behind
func (s *Session) replayCheck(counter uint64) error {
	if counter == 0 {
		return ErrReplayedNonce
	}
	if counter > s.recvHighest {
		return nil
	}
	diff := s.recvHighest - counter
	if diff >= s.cfg.ReplayWindow {
		return ErrReplayedNonce
	}
	if s.recvWindow&(1<<diff) != 0 {
		return ErrReplayedNonce
	}
	return nil
}

// replayCommit records an authenticated counter in the window. Bit i
// of recvWindow covers counter recvHighest-i.
func (s *Session) replayCommit(counter uint64) {
	if counter > s.recvHighest {
		shift := counter - s.recvHighest
		if shift >= 64 {
			s.recvWindow = 1
		} else {
			s.recvWindow = s.recvWindow<<shift | 1
		}
		s.recvHighest = counter
		return
	}
	s.recvWindow |= 1 << (s.recvHighest - counter)
}

func (s *Session) needsRekey() bool {
	if s.state != SessionEstablished {
		return false
	}
	if s.cfg.RekeyMessageCount > 0 && s.sinceRekey >= s.cfg.RekeyMessageCount {
		return true
	}
	if s.cfg.RekeyInterval > 0 && time.Since(s.keysAt) >= s.cfg.RekeyInterval {
		return true
	}
	return false
}

// request round-trips one operation through the session goroutine
func (s *Session) request(req *sessionReq) sessionReply {
	req.reply = make(chan sessionReply, 1)
	select {
	case s.reqCh <- req:
	case <-s.closed:
		return sessionReply{err: ErrSessionClosed}
	}
	select {
	case r := <-req.reply:
		return r
	case <-s.closed:
		return sessionReply{err: ErrSessionClosed}
	}
}

// Encrypt seals plaintext into a wire frame. Blocks during a rekey
// until the new keys are in place.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	r := s.request(&sessionReq{op: opEncrypt, data: plaintext})
	return r.data, r.err
}

// Decrypt opens a wire frame. Replayed or tampered frames fail; a
// replay failure is expected under duplicate relay delivery and is
// safe to drop silently.
func (s *Session) Decrypt(frame []byte) ([]byte, error) {
	r := s.request(&sessionReq{op: opDecrypt, data: frame})
	return r.data, r.err
}

// State returns the current session state
func (s *Session) State() SessionState {
	select {
	case <-s.closed:
		return SessionClosed
	default:
	}
	return s.request(&sessionReq{op: opState}).state
}

// NeedsRekey reports whether a rekey threshold has tripped
func (s *Session) NeedsRekey() bool {
	return s.request(&sessionReq{op: opNeedsRekey}).flag
}

// BeginRekey suspends sends pending fresh keys
func (s *Session) BeginRekey() error {
	return s.request(&sessionReq{op: opBeginRekey}).err
}

// CompleteRekey installs fresh keys, resets counters and the replay
// window, and releases suspended sends.
func (s *Session) CompleteRekey(keys *protocol.SessionKeys) error {
	return s.request(&sessionReq{op: opCompleteRekey, keys: keys}).err
}

// Stats returns a snapshot of session counters
func (s *Session) Stats() SessionStats {
	select {
	case <-s.closed:
		return SessionStats{State: SessionClosed.String()}
	default:
	}
	return s.request(&sessionReq{op: opStats}).stats
}

// Role returns the negotiated handshake role
func (s *Session) Role() protocol.HandshakeRole { return s.role }

// Close destroys the session. Suspended sends fail with
// ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
