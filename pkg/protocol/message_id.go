package protocol

import (
	"encoding/binary"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
)

// ComputeMessageID derives the canonical identifier for an application
// message from its timestamp, sender and content:
//
//	BLAKE2b-256(timestamp(8, big-endian) ++ senderID ++ content)[:16]
//
// Every hop computes the same identifier from the same inputs without
// coordination; duplicate suppression across the mesh depends on it.
func ComputeMessageID(timestamp int64, senderID NodeID, content []byte) MessageID {
	buf := make([]byte, 0, 8+len(senderID)+len(content))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, senderID[:]...)
	buf = append(buf, content...)

	var id MessageID
	sum, err := crypto.HashTruncated(buf, len(id))
	if err != nil {
		// blake2b.New256 with a nil key cannot fail; keep the zero ID
		// rather than panicking in a hot path.
		return id
	}
	copy(id[:], sum)
	return id
}
