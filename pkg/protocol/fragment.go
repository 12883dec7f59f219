package protocol

import (
	"errors"
)

// Fragment envelope sizes
const (
	FragmentHeaderSize         = 2              // [index][total]
	FragmentExtendedHeaderSize = 2 + 1 + 1 + 32 // [index][total][originalType][ttl][recipientHint]

	// MaxFragments bounds a fragment set; index and total are one byte
	MaxFragments = 255
)

var (
	ErrPayloadTooLarge   = errors.New("payload exceeds maximum fragment count")
	ErrInvalidFragment   = errors.New("invalid fragment envelope")
	ErrFragmentTooSmall  = errors.New("fragment size too small")
	ErrNotForwardable    = errors.New("fragment TTL exhausted")
	ErrEmptyPayload      = errors.New("empty payload")
	ErrInconsistentTotal = errors.New("fragment total mismatch within set")
)

// FragmentEnvelope is one fragment of a larger payload.
//
// Basic wire form:    [1 index][1 total][payload]
// Extended wire form: [1 index][1 total][1 originalType][1 ttl][32 recipientHint][payload]
//
// The extended form is used for relay-capable transfers; the header's
// FlagRelay flag tells the receiver which form to decode.
type FragmentEnvelope struct {
	Index    uint8
	Total    uint8
	Extended bool

	// Extended-form fields
	OriginalType  uint8
	TTL           uint8
	RecipientHint NodeID

	Payload []byte
}

// Encode serializes the envelope
func (f *FragmentEnvelope) Encode() []byte {
	if !f.Extended {
		buf := make([]byte, FragmentHeaderSize+len(f.Payload))
		buf[0] = f.Index
		buf[1] = f.Total
		copy(buf[2:], f.Payload)
		return buf
	}

	buf := make([]byte, FragmentExtendedHeaderSize+len(f.Payload))
	buf[0] = f.Index
	buf[1] = f.Total
	buf[2] = f.OriginalType
	buf[3] = f.TTL
	copy(buf[4:36], f.RecipientHint[:])
	copy(buf[36:], f.Payload)
	return buf
}

// DecodeFragment parses a fragment envelope. The caller decides the
// form from the surrounding header flags.
func DecodeFragment(buf []byte, extended bool) (*FragmentEnvelope, error) {
	f := &FragmentEnvelope{Extended: extended}

	if !extended {
		if len(buf) < FragmentHeaderSize {
			return nil, ErrInvalidFragment
		}
		f.Index = buf[0]
		f.Total = buf[1]
		f.Payload = buf[FragmentHeaderSize:]
	} else {
		if len(buf) < FragmentExtendedHeaderSize {
			return nil, ErrInvalidFragment
		}
		f.Index = buf[0]
		f.Total = buf[1]
		f.OriginalType = buf[2]
		f.TTL = buf[3]
		copy(f.RecipientHint[:], buf[4:36])
		f.Payload = buf[FragmentExtendedHeaderSize:]
	}

	if f.Total == 0 || f.Index >= f.Total {
		return nil, ErrInvalidFragment
	}
	return f, nil
}

// FragmentOptions carries the extended-form metadata for a fragment set
type FragmentOptions struct {
	Extended      bool
	OriginalType  uint8
	TTL           uint8
	RecipientHint NodeID
}

// Fragment splits a payload into envelopes no larger than
// maxFragmentSize bytes of wire data each. The envelopes share the
// same Total and carry consecutive indices starting at zero.
func Fragment(payload []byte, maxFragmentSize int, opts FragmentOptions) ([]*FragmentEnvelope, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	headerSize := FragmentHeaderSize
	if opts.Extended {
		headerSize = FragmentExtendedHeaderSize
	}

	chunkSize := maxFragmentSize - headerSize
	if chunkSize <= 0 {
		return nil, ErrFragmentTooSmall
	}

	total := (len(payload) + chunkSize - 1) / chunkSize
	if total > MaxFragments {
		return nil, ErrPayloadTooLarge
	}

	envelopes := make([]*FragmentEnvelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}

		envelopes = append(envelopes, &FragmentEnvelope{
			Index:         uint8(i),
			Total:         uint8(total),
			Extended:      opts.Extended,
			OriginalType:  opts.OriginalType,
			TTL:           opts.TTL,
			RecipientHint: opts.RecipientHint,
			Payload:       payload[start:end],
		})
	}

	return envelopes, nil
}
