package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Default FEC geometry for large relay-capable transfers. Any
// FECDefaultData of the FECDefaultData+FECDefaultParity fragments
// recover the payload, so a set survives fragment loss without
// retransmission.
const (
	FECDefaultData   = 8
	FECDefaultParity = 4

	// Each FEC fragment payload starts with the original payload size
	fecSizePrefix = 4
)

// FECCodec produces and recovers parity-augmented fragment sets using
// Reed-Solomon coding. Fragment envelopes from a FEC set carry the
// FlagFEC header flag so the receiver routes them here instead of the
// count-based reassembler.
type FECCodec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewFECCodec creates a codec with the given shard geometry. Zero
// values select the defaults.
func NewFECCodec(dataShards, parityShards int) (*FECCodec, error) {
	if dataShards == 0 {
		dataShards = FECDefaultData
	}
	if parityShards == 0 {
		parityShards = FECDefaultParity
	}
	if dataShards+parityShards > MaxFragments {
		return nil, ErrPayloadTooLarge
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create Reed-Solomon encoder: %w", err)
	}

	return &FECCodec{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

// DataShards returns the number of data shards per set
func (c *FECCodec) DataShards() int { return c.dataShards }

// TotalShards returns the total number of fragments per set
func (c *FECCodec) TotalShards() int { return c.dataShards + c.parityShards }

// Fragment encodes a payload into data+parity fragment envelopes.
// Every fragment payload is prefixed with the original payload size so
// the decoder can strip shard padding.
func (c *FECCodec) Fragment(payload []byte, opts FragmentOptions) ([]*FragmentEnvelope, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to split payload: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}

	total := c.TotalShards()
	envelopes := make([]*FragmentEnvelope, 0, total)
	for i, shard := range shards {
		body := make([]byte, fecSizePrefix+len(shard))
		binary.BigEndian.PutUint32(body[0:fecSizePrefix], uint32(len(payload)))
		copy(body[fecSizePrefix:], shard)

		envelopes = append(envelopes, &FragmentEnvelope{
			Index:         uint8(i),
			Total:         uint8(total),
			Extended:      opts.Extended,
			OriginalType:  opts.OriginalType,
			TTL:           opts.TTL,
			RecipientHint: opts.RecipientHint,
			Payload:       body,
		})
	}

	return envelopes, nil
}

// Reassemble recovers the payload from the received envelopes of one
// set. Missing fragments are tolerated as long as at least DataShards
// fragments survived.
func (c *FECCodec) Reassemble(envelopes []*FragmentEnvelope) ([]byte, error) {
	total := c.TotalShards()
	shards := make([][]byte, total)

	var originalSize uint32
	available := 0
	for _, env := range envelopes {
		if env == nil || int(env.Index) >= total {
			continue
		}
		if len(env.Payload) < fecSizePrefix {
			return nil, ErrInvalidFragment
		}
		if shards[env.Index] == nil {
			available++
		}
		originalSize = binary.BigEndian.Uint32(env.Payload[0:fecSizePrefix])
		shards[env.Index] = env.Payload[fecSizePrefix:]
	}

	if available < c.dataShards {
		return nil, fmt.Errorf("insufficient fragments for recovery: have %d, need %d", available, c.dataShards)
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("failed to reconstruct fragments: %w", err)
	}

	payload := make([]byte, 0, int(originalSize))
	for i := 0; i < c.dataShards && len(payload) < int(originalSize); i++ {
		payload = append(payload, shards[i]...)
	}
	if len(payload) < int(originalSize) {
		return nil, ErrInvalidFragment
	}
	return payload[:originalSize], nil
}
