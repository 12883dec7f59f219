// Package network is the mesh communication stack: the handshake state
// machine that turns a raw link into an authenticated session, the
// encrypted session layer with replay protection, and the relay engine
// that floods messages across hops with dedup and flood control.
package network

import "errors"

var (
	// Session layer
	ErrNotEstablished = errors.New("session not established")
	ErrSessionClosed  = errors.New("session closed")
	ErrReplayedNonce  = errors.New("nonce outside replay window")
	ErrRekeyPending   = errors.New("rekey already in progress")

	// Handshake
	ErrHandshakeTimeout     = errors.New("handshake phase timed out")
	ErrHandshakeAuthFailure = errors.New("handshake authentication failure")
	ErrUnexpectedMessage    = errors.New("message not valid in current handshake state")
	ErrConsentRequired      = errors.New("awaiting consent decision")

	// Relay
	ErrHopLimitExceeded = errors.New("relay hop limit exceeded")
	ErrNoNextHops       = errors.New("no next-hop peers available")

	// Connection
	ErrNotConnected     = errors.New("no active connection")
	ErrConnectionClosed = errors.New("connection closed")
)
