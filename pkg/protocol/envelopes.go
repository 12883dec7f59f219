package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// MaxDisplayNameLen bounds the identity display name on the wire
const MaxDisplayNameLen = 64

// Relationship flags carried in a StatusSync
const (
	RelFlagKnownContact   uint16 = 0x0001 // Sender already holds our durable key
	RelFlagFavorite       uint16 = 0x0002 // Sender marked us a favorite
	RelFlagConsentPending uint16 = 0x0004 // Sender awaits a local user decision
	RelFlagConsentGranted uint16 = 0x0008 // Sender's user approved the relationship
)

// ===== IDENTITY ANNOUNCE =====

// IdentityAnnounce is the first typed message on a fresh link: the
// sender's first-contact identifier, display name, and the rotating
// session public key used for this connection. The announce carries an
// Ed25519 signature over the identifier and session key so a peer
// cannot claim another node's first-contact id with a fresh session
// key.
type IdentityAnnounce struct {
	FirstContactID   NodeID
	DisplayName      string
	SessionPublicKey [32]byte
	SigningPublicKey [32]byte
	Signature        [64]byte
}

// SigningPayload returns the bytes covered by the announce signature
func (ia *IdentityAnnounce) SigningPayload() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, ia.FirstContactID[:]...)
	buf = append(buf, ia.SessionPublicKey[:]...)
	return buf
}

// Encode serializes the announce
func (ia *IdentityAnnounce) Encode() []byte {
	name := []byte(ia.DisplayName)
	if len(name) > MaxDisplayNameLen {
		name = name[:MaxDisplayNameLen]
	}

	buf := make([]byte, 0, 32+2+len(name)+32+32+64)
	buf = append(buf, ia.FirstContactID[:]...)

	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)
	buf = append(buf, ia.SessionPublicKey[:]...)
	buf = append(buf, ia.SigningPublicKey[:]...)
	buf = append(buf, ia.Signature[:]...)
	return buf
}

// Decode parses and validates an announce
func (ia *IdentityAnnounce) Decode(buf []byte) error {
	if len(buf) < 32+2+32+32+64 {
		return ErrInvalidEnvelope
	}

	copy(ia.FirstContactID[:], buf[0:32])
	nameLen := int(binary.BigEndian.Uint16(buf[32:34]))
	if nameLen > MaxDisplayNameLen || len(buf) != 32+2+nameLen+32+32+64 {
		return ErrInvalidEnvelope
	}

	ia.DisplayName = string(buf[34 : 34+nameLen])
	rest := buf[34+nameLen:]
	copy(ia.SessionPublicKey[:], rest[0:32])
	copy(ia.SigningPublicKey[:], rest[32:64])
	copy(ia.Signature[:], rest[64:])

	if ia.FirstContactID.IsZero() {
		return fmt.Errorf("%w: zero first-contact id", ErrInvalidEnvelope)
	}
	return nil
}

// ===== KEY EXCHANGE =====

// KeyExchangeMessage wraps one pattern message of the cryptographic
// handshake so the receiver can check pattern and sequence before
// feeding the body to its HandshakeState.
type KeyExchangeMessage struct {
	Pattern HandshakePattern
	MsgNum  uint8
	Body    []byte
}

// Encode serializes the message
func (ke *KeyExchangeMessage) Encode() []byte {
	buf := make([]byte, 0, 2+2+len(ke.Body))
	buf = append(buf, byte(ke.Pattern), ke.MsgNum)

	var bodyLen [2]byte
	binary.BigEndian.PutUint16(bodyLen[:], uint16(len(ke.Body)))
	buf = append(buf, bodyLen[:]...)
	buf = append(buf, ke.Body...)
	return buf
}

// Decode parses the message
func (ke *KeyExchangeMessage) Decode(buf []byte) error {
	if len(buf) < 4 {
		return ErrInvalidEnvelope
	}

	ke.Pattern = HandshakePattern(buf[0])
	ke.MsgNum = buf[1]
	bodyLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) != 4+bodyLen {
		return ErrInvalidEnvelope
	}

	ke.Body = buf[4:]
	if ke.Pattern != PatternFirstContact && ke.Pattern != PatternKnownPeer {
		return fmt.Errorf("%w: unknown pattern %d", ErrInvalidEnvelope, ke.Pattern)
	}
	return nil
}

// ===== STATUS SYNC =====

// StatusSync exchanges the trust tier and relationship status after
// the cryptographic handshake completes. Asymmetric trust or a pending
// mutual-consent decision surfaces here.
type StatusSync struct {
	TrustTier         TrustTier
	RelationshipFlags uint16
}

// Encode serializes the sync
func (ss *StatusSync) Encode() []byte {
	buf := make([]byte, 3)
	buf[0] = byte(ss.TrustTier)
	binary.BigEndian.PutUint16(buf[1:3], ss.RelationshipFlags)
	return buf
}

// Decode parses the sync
func (ss *StatusSync) Decode(buf []byte) error {
	if len(buf) != 3 {
		return ErrInvalidEnvelope
	}
	ss.TrustTier = TrustTier(buf[0])
	ss.RelationshipFlags = binary.BigEndian.Uint16(buf[1:3])
	if ss.TrustTier > TrustHigh {
		return fmt.Errorf("%w: unknown trust tier %d", ErrInvalidEnvelope, ss.TrustTier)
	}
	return nil
}

// ===== REKEY =====

// RekeyExchange carries a fresh ephemeral public key. The same shape
// serves request and response; the header type distinguishes them.
type RekeyExchange struct {
	Ephemeral [32]byte
}

// Encode serializes the exchange
func (re *RekeyExchange) Encode() []byte {
	buf := make([]byte, 32)
	copy(buf, re.Ephemeral[:])
	return buf
}

// Decode parses the exchange
func (re *RekeyExchange) Decode(buf []byte) error {
	if len(buf) != 32 {
		return ErrInvalidEnvelope
	}
	copy(re.Ephemeral[:], buf)
	return nil
}

// ===== RELAY ENVELOPE =====

// RelayEnvelope carries a payload travelling across the mesh, itself
// encrypted hop by hop under each carrying link's session.
// Timestamp and OriginalSender travel with the content so every hop
// recomputes the same canonical message identifier. HopCount counts
// hops taken; TTL is the remaining hop budget.
type RelayEnvelope struct {
	OriginalSender NodeID
	FinalRecipient NodeID
	HopCount       uint8
	TTL            uint8
	Timestamp      int64
	MessageID      MessageID
	Content        []byte
}

// ComputedID recomputes the canonical identifier from the envelope's
// own fields. Receivers trust this over the carried MessageID.
func (re *RelayEnvelope) ComputedID() MessageID {
	return ComputeMessageID(re.Timestamp, re.OriginalSender, re.Content)
}

// Encode serializes the envelope
func (re *RelayEnvelope) Encode() []byte {
	buf := make([]byte, 0, 32+32+1+1+8+16+4+len(re.Content))
	buf = append(buf, re.OriginalSender[:]...)
	buf = append(buf, re.FinalRecipient[:]...)
	buf = append(buf, re.HopCount, re.TTL)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(re.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, re.MessageID[:]...)

	var contentLen [4]byte
	binary.BigEndian.PutUint32(contentLen[:], uint32(len(re.Content)))
	buf = append(buf, contentLen[:]...)
	buf = append(buf, re.Content...)
	return buf
}

// Decode parses the envelope
func (re *RelayEnvelope) Decode(buf []byte) error {
	const fixed = 32 + 32 + 1 + 1 + 8 + 16 + 4
	if len(buf) < fixed {
		return ErrInvalidEnvelope
	}

	copy(re.OriginalSender[:], buf[0:32])
	copy(re.FinalRecipient[:], buf[32:64])
	re.HopCount = buf[64]
	re.TTL = buf[65]
	re.Timestamp = int64(binary.BigEndian.Uint64(buf[66:74]))
	copy(re.MessageID[:], buf[74:90])

	contentLen := binary.BigEndian.Uint32(buf[90:94])
	if len(buf) != fixed+int(contentLen) {
		return ErrInvalidEnvelope
	}
	re.Content = buf[fixed:]
	return nil
}
