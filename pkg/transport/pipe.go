package transport

import (
	"sync"
)

// DefaultPipeMTU mirrors the payload budget of a short-range radio
// link, the constrained case the fragmentation layer was built for.
const DefaultPipeMTU = 512

// pipeInboxDepth bounds datagrams buffered per half
const pipeInboxDepth = 256

// PipeLink is an in-memory link half. NewPipe returns two halves
// cross-wired so that Send on one delivers to the other's handler.
// Delivery is in order: one dispatch goroutine per half drains an
// inbox, the way a stream transport would.
type PipeLink struct {
	mtu  int
	addr string

	inbox chan []byte
	done  chan struct{}

	mu           sync.Mutex
	peer         *PipeLink
	onReceive    ReceiveFunc
	onDisconnect DisconnectFunc
	handlerSet   chan struct{}
	closed       bool

	// dropNext drops the next n outbound datagrams, for loss tests
	dropNext int
}

// NewPipe creates a connected pair of in-memory links with the given
// MTU. An mtu of 0 uses DefaultPipeMTU.
func NewPipe(mtu int) (*PipeLink, *PipeLink) {
	if mtu <= 0 {
		mtu = DefaultPipeMTU
	}
	a := newPipeHalf(mtu, "pipe:a")
	b := newPipeHalf(mtu, "pipe:b")
	a.peer = b
	b.peer = a
	go a.dispatch()
	go b.dispatch()
	return a, b
}

func newPipeHalf(mtu int, addr string) *PipeLink {
	return &PipeLink{
		mtu:        mtu,
		addr:       addr,
		inbox:      make(chan []byte, pipeInboxDepth),
		done:       make(chan struct{}),
		handlerSet: make(chan struct{}),
	}
}

// dispatch drains the inbox sequentially once a handler exists
func (p *PipeLink) dispatch() {
	select {
	case <-p.handlerSet:
	case <-p.done:
		return
	}
	for {
		select {
		case data := <-p.inbox:
			p.mu.Lock()
			handler := p.onReceive
			p.mu.Unlock()
			if handler != nil {
				handler(data)
			}
		case <-p.done:
			return
		}
	}
}

func (p *PipeLink) MaxPayload() int { return p.mtu }

func (p *PipeLink) RemoteAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer != nil {
		return p.peer.addr
	}
	return "pipe:disconnected"
}

// SetHandler installs callbacks for inbound traffic and teardown
func (p *PipeLink) SetHandler(onReceive ReceiveFunc, onDisconnect DisconnectFunc) {
	p.mu.Lock()
	first := p.onReceive == nil && onReceive != nil
	p.onReceive = onReceive
	p.onDisconnect = onDisconnect
	p.mu.Unlock()
	if first {
		close(p.handlerSet)
	}
}

// DropNext makes the link silently discard the next n datagrams,
// simulating radio loss.
func (p *PipeLink) DropNext(n int) {
	p.mu.Lock()
	p.dropNext = n
	p.mu.Unlock()
}

// Send delivers one datagram to the peer half's inbox
func (p *PipeLink) Send(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrLinkClosed
	}
	if len(data) > p.mtu {
		p.mu.Unlock()
		return ErrPayloadTooBig
	}
	if p.dropNext > 0 {
		p.dropNext--
		p.mu.Unlock()
		return nil
	}
	peer := p.peer
	p.mu.Unlock()

	if peer == nil {
		return ErrLinkClosed
	}

	peer.mu.Lock()
	peerClosed := peer.closed
	peerHasHandler := peer.onReceive != nil
	peer.mu.Unlock()
	if peerClosed {
		return ErrLinkClosed
	}
	if !peerHasHandler {
		return ErrNoHandler
	}

	// Copy so the caller can reuse its buffer
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case peer.inbox <- buf:
		return nil
	case <-peer.done:
		return ErrLinkClosed
	}
}

// Close tears down both halves. The disconnect handler on each half
// fires exactly once.
func (p *PipeLink) Close() error {
	p.closeHalf(ErrLinkClosed)
	p.mu.Lock()
	peer := p.peer
	p.peer = nil
	p.mu.Unlock()
	if peer != nil {
		peer.closeHalf(ErrLinkClosed)
	}
	return nil
}

func (p *PipeLink) closeHalf(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handler := p.onDisconnect
	p.mu.Unlock()

	close(p.done)
	if handler != nil {
		handler(reason)
	}
}
