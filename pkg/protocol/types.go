package protocol

import (
	"encoding/hex"
	"time"
)

// Protocol constants
const (
	// Magic number for the pak-connect protocol ('PKCN')
	ProtocolMagic = 0x504B434E

	// Protocol version
	ProtocolVersion = 0x0100 // v1.0

	// Header size
	HeaderSize = 32
)

// Message types
const (
	// Handshake & control (0x00xx)
	MsgTypeIdentityAnnounce uint16 = 0x0001
	MsgTypeKeyExchange      uint16 = 0x0002
	MsgTypeStatusSync       uint16 = 0x0003
	MsgTypePing             uint16 = 0x0004
	MsgTypePong             uint16 = 0x0005
	MsgTypeDisconnect       uint16 = 0x0006
	MsgTypeRekeyRequest     uint16 = 0x0007
	MsgTypeRekeyResponse    uint16 = 0x0008

	// Application (0x01xx)
	MsgTypeSessionData  uint16 = 0x0100
	MsgTypeRelayForward uint16 = 0x0101
	MsgTypeRelayAck     uint16 = 0x0102
)

// Flags
const (
	FlagEncrypted  uint16 = 0x0001 // Payload is encrypted session data
	FlagFragmented uint16 = 0x0002 // Payload is a fragment envelope
	FlagRelay      uint16 = 0x0004 // Payload is relay-wrapped
	FlagUrgent     uint16 = 0x0008 // High priority message
	FlagFEC        uint16 = 0x0010 // Fragment set carries parity fragments
)

// Trust tiers for peers. A peer starts at TrustNone and is upgraded
// explicitly; a durable identifier exists only above TrustNone.
type TrustTier uint8

const (
	TrustNone TrustTier = iota
	TrustLow
	TrustMedium
	TrustHigh
)

// String returns the tier name
func (t TrustTier) String() string {
	switch t {
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	default:
		return "none"
	}
}

// Priority of a queued outbound message
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityUrgent
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// NodeID identifies a peer on the wire (32 bytes). Identifiers are
// derived from public key material; which of a peer's identifiers is
// in play (first-contact, durable, session) is a pkg/identity concern.
type NodeID [32]byte

// MessageID identifies a message (16 bytes)
type MessageID [16]byte

// Hex returns the lowercase hex rendering of the node ID
func (n NodeID) Hex() string {
	return hex.EncodeToString(n[:])
}

// Short returns an abbreviated form for logging
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

// IsZero reports whether the ID is all zeros
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Hex returns the lowercase hex rendering of the message ID. This is
// the canonical fixed-length printable form (32 characters).
func (m MessageID) Hex() string {
	return hex.EncodeToString(m[:])
}

// NodeIDFromHex parses a 64-character hex string into a NodeID
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
