// Package protocol implements the pak-connect mesh wire protocol.
//
// The protocol package defines the binary message formats, the
// fragmentation codec, and the cryptographic handshake used by the
// pak-connect peer-to-peer messaging stack. It has no knowledge of
// transports or routing policy; those live in pkg/transport and
// pkg/network.
//
// # Header Format
//
// Every protocol message starts with a 32-byte header:
//   - Magic (4 bytes): Protocol identifier (0x504B434E = "PKCN")
//   - Version (2 bytes): Protocol version (0x0100 = v1.0)
//   - Type (2 bytes): Message type
//   - Length (4 bytes): Payload length
//   - Flags (2 bytes): Feature flags (encrypted, fragmented, etc.)
//   - MessageID (16 bytes): Message identifier
//   - Reserved (2 bytes): Reserved for future use
//
// # Message Types
//
// Handshake (0x00xx): identity announce, key-exchange messages,
// status sync, ping/pong, disconnect, rekey request/response.
//
// Application (0x01xx): encrypted session data, relay forward,
// relay acknowledgment.
//
// # Fragmentation
//
// Payloads larger than the transport's negotiated maximum are split
// into fragments. A fragment envelope is
//
//	[1 byte index][1 byte total][payload]
//
// with an extended variant carrying original type, remaining TTL and
// a 32-byte recipient hint ahead of the payload for relay-capable
// transfers. Reassembly is order-independent and completes purely by
// fragment count. Fragment sets can optionally carry Reed-Solomon
// parity fragments so that reassembly survives fragment loss.
//
// # Handshake
//
// Key agreement is X25519 with an HKDF-SHA256 key schedule and a
// running SHA-256 transcript hash. Two patterns are supported: a
// 3-message mutually authenticating pattern for first contact, and a
// 2-message pattern when both sides already hold each other's durable
// static key. The handshake yields two directional AES-256-GCM keys.
//
// # Message Identifiers
//
// Application message identifiers are deterministic:
//
//	BLAKE2b-256(timestamp ++ senderID ++ content)[:16]
//
// so every hop in the mesh derives the same identifier without
// coordination, which is what duplicate suppression relies on.
package protocol
