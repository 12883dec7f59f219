package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrInvalidMagic   = errors.New("invalid protocol magic")
	ErrInvalidVersion = errors.New("unsupported protocol version")
	ErrInvalidHeader  = errors.New("invalid header")
	ErrInvalidLength  = errors.New("invalid length")
)

// Header is the fixed 32-byte header in front of every protocol message
type Header struct {
	Magic     uint32    // Magic number (0x504B434E)
	Version   uint16    // Protocol version
	Type      uint16    // Message type
	Length    uint32    // Payload length
	Flags     uint16    // Feature flags
	MessageID MessageID // Message ID
	Reserved  uint16    // Reserved for future use
}

// NewHeader builds a header for the given type and payload
func NewHeader(msgType uint16, payloadLen int, id MessageID) *Header {
	return &Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Type:      msgType,
		Length:    uint32(payloadLen),
		MessageID: id,
	}
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Type)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	binary.BigEndian.PutUint16(buf[12:14], h.Flags)
	copy(buf[14:30], h.MessageID[:])
	binary.BigEndian.PutUint16(buf[30:32], h.Reserved)

	return buf
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidHeader
	}

	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.Type = binary.BigEndian.Uint16(buf[6:8])
	h.Length = binary.BigEndian.Uint32(buf[8:12])
	h.Flags = binary.BigEndian.Uint16(buf[12:14])
	copy(h.MessageID[:], buf[14:30])
	h.Reserved = binary.BigEndian.Uint16(buf[30:32])

	return nil
}

// Validate checks magic and version
func (h *Header) Validate() error {
	if h.Magic != ProtocolMagic {
		return ErrInvalidMagic
	}
	if h.Version != ProtocolVersion {
		return ErrInvalidVersion
	}
	return nil
}

// HasFlag checks if a flag is set
func (h *Header) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// SetFlag sets a flag
func (h *Header) SetFlag(flag uint16) {
	h.Flags |= flag
}

// ReadHeader reads and validates a header from an io.Reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}

	return header, nil
}

// Message pairs a header with its payload
type Message struct {
	Header  *Header
	Payload []byte
}

// NewMessage builds a protocol message for the given type and payload
func NewMessage(msgType uint16, payload []byte) *Message {
	return &Message{
		Header:  NewHeader(msgType, len(payload), MessageID{}),
		Payload: payload,
	}
}

// Encode serializes header and payload into one buffer
func (m *Message) Encode() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = append(buf, m.Header.Encode()...)
	buf = append(buf, m.Payload...)
	return buf
}

// DecodeMessage parses a buffer into a validated message
func DecodeMessage(buf []byte) (*Message, error) {
	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if len(buf) < HeaderSize+int(header.Length) {
		return nil, ErrInvalidLength
	}

	return &Message{
		Header:  header,
		Payload: buf[HeaderSize : HeaderSize+int(header.Length)],
	}, nil
}
