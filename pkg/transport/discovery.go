package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
)

// DefaultRendezvous is the DHT namespace mesh nodes advertise under
const DefaultRendezvous = "pakconnect-mesh"

// Discovery finds mesh peers through the Kademlia DHT. Nodes
// advertise a rendezvous string and dial everything advertising the
// same one.
type Discovery struct {
	host       *Host
	dht        *dht.IpfsDHT
	rendezvous string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	found map[peer.ID]time.Time
}

// NewDiscovery creates DHT-backed peer discovery on an existing host.
// Bootstrap peers are multiaddrs of nodes already in the DHT; an empty
// list starts a fresh network.
func NewDiscovery(ctx context.Context, h *Host, rendezvous string, bootstrapPeers []string) (*Discovery, error) {
	if rendezvous == "" {
		rendezvous = DefaultRendezvous
	}

	kad, err := dht.New(ctx, h.Underlying(), dht.Mode(dht.ModeServer))
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Discovery{
		host:       h,
		dht:        kad,
		rendezvous: rendezvous,
		ctx:        dctx,
		cancel:     cancel,
		found:      make(map[peer.ID]time.Time),
	}

	var connected int
	for _, peerStr := range bootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			log.Printf("⚠️ Invalid bootstrap peer address %s: %v", peerStr, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("⚠️ Invalid bootstrap peer address %s: %v", peerStr, err)
			continue
		}
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := h.Underlying().Connect(connectCtx, *info); err != nil {
			log.Printf("⚠️ Failed to connect to bootstrap peer %s: %v", info.ID, err)
		} else {
			connected++
		}
		connectCancel()
	}
	if len(bootstrapPeers) > 0 {
		log.Printf("✅ Connected to %d/%d bootstrap peers", connected, len(bootstrapPeers))
	}

	if err := kad.Bootstrap(dctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	return d, nil
}

// Start advertises this node and begins the find loop. Discovered
// peers are handed to onPeer; dialing is the caller's decision.
func (d *Discovery) Start(onPeer func(info peer.AddrInfo)) {
	rd := routingdisc.NewRoutingDiscovery(d.dht)
	util.Advertise(d.ctx, rd, d.rendezvous)
	log.Printf("📡 Advertising rendezvous %q", d.rendezvous)

	go d.findLoop(rd, onPeer)
}

func (d *Discovery) findLoop(rd *routingdisc.RoutingDiscovery, onPeer func(info peer.AddrInfo)) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		d.findOnce(rd, onPeer)
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) findOnce(rd *routingdisc.RoutingDiscovery, onPeer func(info peer.AddrInfo)) {
	peerCh, err := rd.FindPeers(d.ctx, d.rendezvous)
	if err != nil {
		log.Printf("⚠️ Peer discovery failed: %v", err)
		return
	}

	self := d.host.ID()
	for info := range peerCh {
		if info.ID == self || len(info.Addrs) == 0 {
			continue
		}

		d.mu.Lock()
		_, known := d.found[info.ID]
		d.found[info.ID] = time.Now()
		d.mu.Unlock()

		if !known {
			log.Printf("🔍 Discovered mesh peer %s", info.ID)
			onPeer(info)
		}
	}
}

// KnownPeers returns the peers seen through discovery
func (d *Discovery) KnownPeers() []peer.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]peer.ID, 0, len(d.found))
	for id := range d.found {
		peers = append(peers, id)
	}
	return peers
}

// Close stops discovery and shuts down the DHT
func (d *Discovery) Close() error {
	d.cancel()
	return d.dht.Close()
}
