package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// MeshProtocolID identifies the mesh datagram protocol on libp2p
const MeshProtocolID = protocol.ID("/pakconnect/mesh/1.0.0")

// StreamMaxPayload bounds a single datagram on a libp2p stream. Wide
// enough that most messages never fragment over this transport.
const StreamMaxPayload = 64 * 1024

// HostConfig configures the libp2p host
type HostConfig struct {
	Port       int
	PrivateKey p2pcrypto.PrivKey // optional, generated when nil
}

// Host wraps a libp2p host and accepts mesh links from peers
type Host struct {
	host host.Host

	mu       sync.Mutex
	onAccept func(link Link)
	closed   bool
}

// NewHost creates a libp2p host listening on the configured port
func NewHost(config *HostConfig) (*Host, error) {
	priv := config.PrivateKey
	if priv == nil {
		var err error
		priv, _, err = p2pcrypto.GenerateEd25519Key(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.Port)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	mh := &Host{host: h}
	h.SetStreamHandler(MeshProtocolID, mh.handleStream)

	log.Printf("✅ Mesh host up: %s", h.ID())
	return mh, nil
}

// ID returns the libp2p peer id of this host
func (h *Host) ID() peer.ID {
	return h.host.ID()
}

// Addrs returns the multiaddrs this host listens on
func (h *Host) Addrs() []multiaddr.Multiaddr {
	return h.host.Addrs()
}

// Underlying exposes the raw libp2p host for discovery wiring
func (h *Host) Underlying() host.Host {
	return h.host
}

// OnAccept installs the callback invoked for each inbound link
func (h *Host) OnAccept(fn func(link Link)) {
	h.mu.Lock()
	h.onAccept = fn
	h.mu.Unlock()
}

func (h *Host) handleStream(s network.Stream) {
	h.mu.Lock()
	accept := h.onAccept
	h.mu.Unlock()

	if accept == nil {
		s.Reset()
		return
	}

	link := newStreamLink(s)
	log.Printf("🔗 Inbound link from %s", s.Conn().RemotePeer())
	accept(link)
	link.start()
}

// Dial opens a mesh link to a peer given its multiaddr (which must
// include the /p2p/ component).
func (h *Host) Dial(ctx context.Context, addr string) (Link, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %s: %w", addr, err)
	}
	return h.DialPeer(ctx, *info)
}

// DialPeer opens a mesh link to a known peer
func (h *Host) DialPeer(ctx context.Context, info peer.AddrInfo) (Link, error) {
	if err := h.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	s, err := h.host.NewStream(ctx, info.ID, MeshProtocolID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}

	link := newStreamLink(s)
	log.Printf("🔗 Outbound link to %s", info.ID)
	return link, nil
}

// Close shuts down the host and all its links
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	return h.host.Close()
}

// streamLink frames datagrams over a libp2p stream with a 4-byte
// big-endian length prefix.
type streamLink struct {
	stream network.Stream

	mu           sync.Mutex
	writeMu      sync.Mutex
	onReceive    ReceiveFunc
	onDisconnect DisconnectFunc
	started      bool
	closed       bool
}

func newStreamLink(s network.Stream) *streamLink {
	return &streamLink{stream: s}
}

func (l *streamLink) MaxPayload() int { return StreamMaxPayload }

func (l *streamLink) RemoteAddr() string {
	return l.stream.Conn().RemotePeer().String()
}

func (l *streamLink) SetHandler(onReceive ReceiveFunc, onDisconnect DisconnectFunc) {
	l.mu.Lock()
	l.onReceive = onReceive
	l.onDisconnect = onDisconnect
	shouldStart := !l.started
	l.started = true
	l.mu.Unlock()

	// Outbound links start their read loop once handlers exist.
	// Inbound links are started by the host after OnAccept returns,
	// so start() tolerates a second call.
	if shouldStart {
		go l.readLoop()
	}
}

// start launches the read loop if SetHandler hasn't already
func (l *streamLink) start() {
	l.mu.Lock()
	shouldStart := !l.started
	l.started = true
	l.mu.Unlock()
	if shouldStart {
		go l.readLoop()
	}
}

func (l *streamLink) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(l.stream, lenBuf[:]); err != nil {
			l.teardown(err)
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 || size > StreamMaxPayload {
			l.teardown(fmt.Errorf("bad frame length %d", size))
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(l.stream, buf); err != nil {
			l.teardown(err)
			return
		}

		l.mu.Lock()
		handler := l.onReceive
		l.mu.Unlock()
		if handler != nil {
			handler(buf)
		}
	}
}

func (l *streamLink) Send(data []byte) error {
	if len(data) > StreamMaxPayload {
		return ErrPayloadTooBig
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stream.Write(lenBuf[:]); err != nil {
		l.teardown(err)
		return ErrLinkClosed
	}
	if _, err := l.stream.Write(data); err != nil {
		l.teardown(err)
		return ErrLinkClosed
	}
	return nil
}

func (l *streamLink) teardown(reason error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	handler := l.onDisconnect
	l.mu.Unlock()

	l.stream.Reset()
	if handler != nil {
		handler(reason)
	}
}

func (l *streamLink) Close() error {
	l.teardown(ErrLinkClosed)
	return nil
}
