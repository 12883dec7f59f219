// Package transport provides the links mesh nodes talk over.
//
// A Link is a point-to-point datagram channel with a bounded payload
// size. The protocol layer above fragments anything larger than
// MaxPayload. Two implementations ship here: an in-memory pipe used by
// tests and local tooling, and a libp2p-backed link for real networks.
package transport

import (
	"errors"
)

var (
	ErrLinkClosed     = errors.New("link closed")
	ErrPayloadTooBig  = errors.New("payload exceeds link MTU")
	ErrNoHandler      = errors.New("no receive handler installed")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrDialFailed     = errors.New("dial failed")
	ErrAlreadyRunning = errors.New("transport already running")
)

// ReceiveFunc is invoked for every inbound datagram on a link
type ReceiveFunc func(data []byte)

// DisconnectFunc is invoked once when the link goes down
type DisconnectFunc func(reason error)

// Link is a point-to-point channel to one peer. Implementations must
// deliver datagrams whole and in order, and must invoke the disconnect
// handler exactly once when the channel dies.
type Link interface {
	// MaxPayload is the largest datagram Send accepts
	MaxPayload() int

	// Send transmits one datagram. It blocks until the datagram is
	// handed to the underlying channel or the link closes.
	Send(data []byte) error

	// SetHandler installs the inbound and disconnect callbacks.
	// Must be called before traffic flows.
	SetHandler(onReceive ReceiveFunc, onDisconnect DisconnectFunc)

	// RemoteAddr identifies the peer for logs
	RemoteAddr() string

	Close() error
}
