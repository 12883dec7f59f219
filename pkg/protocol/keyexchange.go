package protocol

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
)

// ===== AUTHENTICATED KEY EXCHANGE =====
// X25519 Diffie-Hellman with an HKDF-SHA256 key schedule and a running
// transcript hash. Two patterns are supported:
//
//   PatternFirstContact: 3 messages, mutual authentication, static
//   keys exchanged encrypted inside the handshake. Used when the peers
//   have never paired.
//
//   PatternKnownPeer: 2 messages. Both sides already hold each
//   other's durable static key from a previous pairing, so statics are
//   mixed as pre-messages and never travel on the wire.
//
// Any AEAD failure during the exchange is fatal to the attempt; there
// is no fallback into an unauthenticated state.

const (
	handshakeProtoName = "pak-connect X25519 HKDF-SHA256 AESGCM v1"
	kdfHandshakeInfo   = "pak-connect handshake key"
	kdfSplitInfo       = "pak-connect session split"
	kdfRekeyInfo       = "pak-connect rekey"

	// DHKeyLen is the X25519 public key length
	DHKeyLen = 32

	// handshake AEAD tag length (AES-GCM)
	tagLen = 16
)

var (
	ErrHandshakeFailed   = errors.New("handshake authentication failed")
	ErrHandshakeOrder    = errors.New("handshake message out of order")
	ErrHandshakeDone     = errors.New("handshake already complete")
	ErrMissingRemoteKey  = errors.New("known-peer pattern requires the remote static key")
	ErrHandshakeNotReady = errors.New("handshake not complete")
)

// HandshakePattern selects the message pattern
type HandshakePattern uint8

const (
	PatternFirstContact HandshakePattern = 1 // 3-message mutual authentication
	PatternKnownPeer    HandshakePattern = 2 // 2-message, statics known
)

// HandshakeRole is the negotiated role on this link
type HandshakeRole uint8

const (
	RoleInitiator HandshakeRole = iota
	RoleResponder
)

// SessionKeys is the result of a completed exchange: one AES-256-GCM
// key per direction plus the transcript hash, which the session layer
// uses as AEAD additional data for channel binding.
type SessionKeys struct {
	SendKey       [32]byte
	ReceiveKey    [32]byte
	TranscriptSum [32]byte
}

// HandshakeState drives one key exchange attempt. It is not safe for
// concurrent use; the owning connection serializes access.
type HandshakeState struct {
	pattern HandshakePattern
	role    HandshakeRole

	ck [32]byte // chaining key
	h  [32]byte // transcript hash
	k  []byte   // current intermediate AEAD key, nil until first mixKey

	localStatic     *crypto.DHKeyPair
	localEphemeral  *crypto.DHKeyPair
	remoteStatic    [32]byte
	remoteEphemeral [32]byte
	hasRemoteStatic bool

	msgNum   int
	complete bool
}

// NewHandshakeState initializes an exchange. remoteStatic must be
// non-nil for PatternKnownPeer and is ignored for PatternFirstContact.
func NewHandshakeState(pattern HandshakePattern, role HandshakeRole, localStatic *crypto.DHKeyPair, remoteStatic *[32]byte) (*HandshakeState, error) {
	hs := &HandshakeState{
		pattern:     pattern,
		role:        role,
		localStatic: localStatic,
	}

	hs.h = sha256.Sum256([]byte(handshakeProtoName))
	hs.ck = hs.h

	if pattern == PatternKnownPeer {
		if remoteStatic == nil {
			return nil, ErrMissingRemoteKey
		}
		hs.remoteStatic = *remoteStatic
		hs.hasRemoteStatic = true

		// Pre-messages: initiator static first, then responder static
		if role == RoleInitiator {
			hs.mixHash(localStatic.Public[:])
			hs.mixHash(remoteStatic[:])
		} else {
			hs.mixHash(remoteStatic[:])
			hs.mixHash(localStatic.Public[:])
		}
	}

	return hs, nil
}

// mixHash absorbs data into the transcript hash
func (hs *HandshakeState) mixHash(data []byte) {
	sum := sha256.New()
	sum.Write(hs.h[:])
	sum.Write(data)
	copy(hs.h[:], sum.Sum(nil))
}

// mixKey ratchets the chaining key with a DH output and derives a
// fresh intermediate AEAD key
func (hs *HandshakeState) mixKey(dhOutput []byte) error {
	kdf := hkdf.New(sha256.New, dhOutput, hs.ck[:], []byte(kdfHandshakeInfo))
	out := make([]byte, 64)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return err
	}
	copy(hs.ck[:], out[0:32])
	hs.k = out[32:64]
	return nil
}

// encryptAndHash encrypts plaintext under the current intermediate key
// with the transcript as additional data, then absorbs the ciphertext
func (hs *HandshakeState) encryptAndHash(plaintext []byte) ([]byte, error) {
	ct, err := crypto.SealWithCounter(plaintext, hs.k, 0, hs.h[:])
	if err != nil {
		return nil, err
	}
	hs.mixHash(ct)
	return ct, nil
}

// decryptAndHash is the inverse of encryptAndHash
func (hs *HandshakeState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	pt, err := crypto.OpenWithCounter(ciphertext, hs.k, 0, hs.h[:])
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	hs.mixHash(ciphertext)
	return pt, nil
}

// MessageCount returns how many messages the pattern needs
func (hs *HandshakeState) MessageCount() int {
	if hs.pattern == PatternKnownPeer {
		return 2
	}
	return 3
}

// Complete reports whether all pattern messages have been processed
func (hs *HandshakeState) Complete() bool { return hs.complete }

// RemoteStatic returns the peer's static key once known. For the
// first-contact pattern that is after its encrypted static arrived.
func (hs *HandshakeState) RemoteStatic() ([32]byte, bool) {
	return hs.remoteStatic, hs.hasRemoteStatic
}

// writerTurn reports whether it is our turn to produce message n
// (0-based). Messages alternate starting with the initiator.
func (hs *HandshakeState) writerTurn() bool {
	if hs.msgNum%2 == 0 {
		return hs.role == RoleInitiator
	}
	return hs.role == RoleResponder
}

// WriteMessage produces the next outbound handshake message
func (hs *HandshakeState) WriteMessage() ([]byte, error) {
	if hs.complete {
		return nil, ErrHandshakeDone
	}
	if !hs.writerTurn() {
		return nil, ErrHandshakeOrder
	}

	var out []byte
	var err error
	if hs.pattern == PatternKnownPeer {
		out, err = hs.writeKnownPeer()
	} else {
		out, err = hs.writeFirstContact()
	}
	if err != nil {
		return nil, err
	}

	hs.msgNum++
	if hs.msgNum == hs.MessageCount() {
		hs.complete = true
	}
	return out, nil
}

// ReadMessage consumes the next inbound handshake message
func (hs *HandshakeState) ReadMessage(buf []byte) error {
	if hs.complete {
		return ErrHandshakeDone
	}
	if hs.writerTurn() {
		return ErrHandshakeOrder
	}

	var err error
	if hs.pattern == PatternKnownPeer {
		err = hs.readKnownPeer(buf)
	} else {
		err = hs.readFirstContact(buf)
	}
	if err != nil {
		return err
	}

	hs.msgNum++
	if hs.msgNum == hs.MessageCount() {
		hs.complete = true
	}
	return nil
}

// ===== FIRST-CONTACT PATTERN (3 messages) =====
//
//	msg1 I->R: e
//	msg2 R->I: e, ee, enc(s), es
//	msg3 I->R: enc(s), se

func (hs *HandshakeState) writeFirstContact() ([]byte, error) {
	switch hs.msgNum {
	case 0: // I: e
		eph, err := crypto.GenerateDHKeyPair()
		if err != nil {
			return nil, err
		}
		hs.localEphemeral = eph
		hs.mixHash(eph.Public[:])
		return eph.Public[:], nil

	case 1: // R: e, ee, enc(s), es
		eph, err := crypto.GenerateDHKeyPair()
		if err != nil {
			return nil, err
		}
		hs.localEphemeral = eph
		hs.mixHash(eph.Public[:])

		ee, err := crypto.DH(eph.Private, hs.remoteEphemeral)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(ee); err != nil {
			return nil, err
		}

		encS, err := hs.encryptAndHash(hs.localStatic.Public[:])
		if err != nil {
			return nil, err
		}

		// es (responder side): DH(static, remote ephemeral)
		es, err := crypto.DH(hs.localStatic.Private, hs.remoteEphemeral)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(es); err != nil {
			return nil, err
		}

		out := make([]byte, 0, DHKeyLen+len(encS))
		out = append(out, eph.Public[:]...)
		out = append(out, encS...)
		return out, nil

	case 2: // I: enc(s), se
		encS, err := hs.encryptAndHash(hs.localStatic.Public[:])
		if err != nil {
			return nil, err
		}

		se, err := crypto.DH(hs.localStatic.Private, hs.remoteEphemeral)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(se); err != nil {
			return nil, err
		}
		return encS, nil
	}
	return nil, ErrHandshakeOrder
}

func (hs *HandshakeState) readFirstContact(buf []byte) error {
	switch hs.msgNum {
	case 0: // R reads: e
		if len(buf) != DHKeyLen {
			return ErrHandshakeFailed
		}
		copy(hs.remoteEphemeral[:], buf)
		hs.mixHash(buf)
		return nil

	case 1: // I reads: e, ee, enc(s), es
		if len(buf) != DHKeyLen+DHKeyLen+tagLen {
			return ErrHandshakeFailed
		}
		copy(hs.remoteEphemeral[:], buf[:DHKeyLen])
		hs.mixHash(buf[:DHKeyLen])

		ee, err := crypto.DH(hs.localEphemeral.Private, hs.remoteEphemeral)
		if err != nil {
			return ErrHandshakeFailed
		}
		if err := hs.mixKey(ee); err != nil {
			return err
		}

		staticPub, err := hs.decryptAndHash(buf[DHKeyLen:])
		if err != nil {
			return err
		}
		copy(hs.remoteStatic[:], staticPub)
		hs.hasRemoteStatic = true

		// es (initiator side): DH(ephemeral, remote static)
		es, err := crypto.DH(hs.localEphemeral.Private, hs.remoteStatic)
		if err != nil {
			return ErrHandshakeFailed
		}
		return hs.mixKey(es)

	case 2: // R reads: enc(s), se
		if len(buf) != DHKeyLen+tagLen {
			return ErrHandshakeFailed
		}
		staticPub, err := hs.decryptAndHash(buf)
		if err != nil {
			return err
		}
		copy(hs.remoteStatic[:], staticPub)
		hs.hasRemoteStatic = true

		se, err := crypto.DH(hs.localEphemeral.Private, hs.remoteStatic)
		if err != nil {
			return ErrHandshakeFailed
		}
		return hs.mixKey(se)
	}
	return ErrHandshakeOrder
}

// ===== KNOWN-PEER PATTERN (2 messages) =====
//
// Statics are pre-messages; each message proves possession of the
// sender's static key via the DH mixes and carries an AEAD tag over
// the transcript.
//
//	msg1 I->R: e, es, ss, tag
//	msg2 R->I: e, ee, se, tag

func (hs *HandshakeState) writeKnownPeer() ([]byte, error) {
	eph, err := crypto.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	hs.localEphemeral = eph
	hs.mixHash(eph.Public[:])

	switch hs.msgNum {
	case 0: // I: es, ss
		es, err := crypto.DH(eph.Private, hs.remoteStatic)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(es); err != nil {
			return nil, err
		}
		ss, err := crypto.DH(hs.localStatic.Private, hs.remoteStatic)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(ss); err != nil {
			return nil, err
		}

	case 1: // R: ee, se
		ee, err := crypto.DH(eph.Private, hs.remoteEphemeral)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(ee); err != nil {
			return nil, err
		}
		se, err := crypto.DH(eph.Private, hs.remoteStatic)
		if err != nil {
			return nil, err
		}
		if err := hs.mixKey(se); err != nil {
			return nil, err
		}

	default:
		return nil, ErrHandshakeOrder
	}

	tag, err := hs.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, DHKeyLen+len(tag))
	out = append(out, hs.localEphemeral.Public[:]...)
	out = append(out, tag...)
	return out, nil
}

func (hs *HandshakeState) readKnownPeer(buf []byte) error {
	if len(buf) != DHKeyLen+tagLen {
		return ErrHandshakeFailed
	}
	copy(hs.remoteEphemeral[:], buf[:DHKeyLen])
	hs.mixHash(buf[:DHKeyLen])

	switch hs.msgNum {
	case 0: // R reads: es, ss
		es, err := crypto.DH(hs.localStatic.Private, hs.remoteEphemeral)
		if err != nil {
			return ErrHandshakeFailed
		}
		if err := hs.mixKey(es); err != nil {
			return err
		}
		ss, err := crypto.DH(hs.localStatic.Private, hs.remoteStatic)
		if err != nil {
			return ErrHandshakeFailed
		}
		if err := hs.mixKey(ss); err != nil {
			return err
		}

	case 1: // I reads: ee, se
		ee, err := crypto.DH(hs.localEphemeral.Private, hs.remoteEphemeral)
		if err != nil {
			return ErrHandshakeFailed
		}
		if err := hs.mixKey(ee); err != nil {
			return err
		}
		se, err := crypto.DH(hs.localStatic.Private, hs.remoteEphemeral)
		if err != nil {
			return ErrHandshakeFailed
		}
		if err := hs.mixKey(se); err != nil {
			return err
		}

	default:
		return ErrHandshakeOrder
	}

	_, err := hs.decryptAndHash(buf[DHKeyLen:])
	return err
}

// ===== KEY DERIVATION =====

// Split derives the directional session keys from the final chaining
// key. The first derived key belongs to the initiator's send
// direction, so the two sides end up with mirrored key assignments.
func (hs *HandshakeState) Split() (*SessionKeys, error) {
	if !hs.complete {
		return nil, ErrHandshakeNotReady
	}

	kdf := hkdf.New(sha256.New, nil, hs.ck[:], []byte(kdfSplitInfo))
	out := make([]byte, 64)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}

	keys := &SessionKeys{TranscriptSum: hs.h}
	if hs.role == RoleInitiator {
		copy(keys.SendKey[:], out[0:32])
		copy(keys.ReceiveKey[:], out[32:64])
	} else {
		copy(keys.SendKey[:], out[32:64])
		copy(keys.ReceiveKey[:], out[0:32])
	}
	return keys, nil
}

// RekeyDerive chains fresh directional keys from the previous
// transcript sum and a new ephemeral DH output. Both sides call this
// with the same inputs after a rekey exchange; identity is unchanged,
// only the symmetric material rotates.
func RekeyDerive(previous *SessionKeys, dhOutput []byte, initiator bool) (*SessionKeys, error) {
	kdf := hkdf.New(sha256.New, dhOutput, previous.TranscriptSum[:], []byte(kdfRekeyInfo))
	out := make([]byte, 96)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, err
	}

	keys := &SessionKeys{}
	copy(keys.TranscriptSum[:], out[64:96])
	if initiator {
		copy(keys.SendKey[:], out[0:32])
		copy(keys.ReceiveKey[:], out[32:64])
	} else {
		copy(keys.SendKey[:], out[32:64])
		copy(keys.ReceiveKey[:], out[0:32])
	}
	return keys, nil
}
