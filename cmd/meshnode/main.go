// Package main runs a pak-connect mesh node: libp2p transport, DHT
// peer discovery, the encrypted mesh engine, and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/api"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/crypto"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/network"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/protocol"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/storage"
	"github.com/AbubakarMahmood1/pak-connect-final-sub017/pkg/transport"
)

func main() {
	port := flag.Int("port", 9000, "Mesh transport port")
	apiPort := flag.Int("api-port", 8080, "HTTP API port")
	dataDir := flag.String("data", "./mesh-data", "Data directory")
	name := flag.String("name", "", "Display name shown to peers")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	rendezvous := flag.String("rendezvous", transport.DefaultRendezvous, "DHT rendezvous namespace")
	memOnly := flag.Bool("mem", false, "Run without persistence (no contacts, no offline queue)")

	flag.Parse()

	fmt.Println("🚀 pak-connect mesh node")
	fmt.Println("========================")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transport host
	fmt.Printf("📡 Starting mesh transport on port %d...\n", *port)
	host, err := transport.NewHost(&transport.HostConfig{Port: *port})
	if err != nil {
		log.Fatalf("Failed to create host: %v", err)
	}

	// The first-contact id is derived from the transport identity so
	// it stays stable for the lifetime of the host key
	nodeID, err := deriveNodeID(host.ID())
	if err != nil {
		log.Fatalf("Failed to derive node id: %v", err)
	}

	displayName := *name
	if displayName == "" {
		displayName = fmt.Sprintf("node-%s", nodeID.Short())
	}

	// Persistence
	var db *storage.MeshDB
	if !*memOnly {
		if err := os.MkdirAll(*dataDir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		dbPath := filepath.Join(*dataDir, "mesh.db")
		db, err = storage.Open(dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		fmt.Printf("💾 Database: %s\n", dbPath)
	}

	// Mesh engine
	node, err := network.NewNode(nodeID, displayName, db, network.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to create mesh node: %v", err)
	}
	defer node.Close()

	// Inbound links take the acceptor slot
	host.OnAccept(func(link transport.Link) {
		if _, err := node.AttachLink(protocol.RoleResponder, link); err != nil {
			log.Printf("⚠️ Failed to attach inbound link: %v", err)
		}
	})

	// Discovery: dial discovered peers as initiator
	var bootstrapPeers []string
	if *bootstrap != "" {
		bootstrapPeers = strings.Split(*bootstrap, ",")
	}
	discovery, err := transport.NewDiscovery(ctx, host, *rendezvous, bootstrapPeers)
	if err != nil {
		log.Fatalf("Failed to start discovery: %v", err)
	}
	defer discovery.Close()

	discovery.Start(func(info peer.AddrInfo) {
		link, err := host.DialPeer(ctx, info)
		if err != nil {
			log.Printf("⚠️ Failed to dial discovered peer %s: %v", info.ID, err)
			return
		}
		if _, err := node.AttachLink(protocol.RoleInitiator, link); err != nil {
			log.Printf("⚠️ Failed to attach outbound link: %v", err)
		}
	})

	// Node info
	fmt.Println()
	fmt.Println("Node Information:")
	fmt.Printf("  Mesh ID: %s\n", nodeID.Hex())
	fmt.Printf("  Name:    %s\n", displayName)
	fmt.Printf("  Peer ID: %s\n", host.ID())
	fmt.Printf("  Addresses:\n")
	for _, addr := range host.Addrs() {
		fmt.Printf("    %s/p2p/%s\n", addr, host.ID())
	}
	fmt.Println()

	// HTTP API
	fmt.Printf("🌐 Starting HTTP API server on port %d...\n", *apiPort)
	apiServer, err := api.NewServer(node, &api.Config{
		Port:       *apiPort,
		EnableCORS: true,
		RateLimit:  100,
	})
	if err != nil {
		log.Fatalf("Failed to create API server: %v", err)
	}

	go func() {
		if err := apiServer.Start(ctx); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("✅ Node is ready!")
	fmt.Println()
	fmt.Println("API Endpoints:")
	fmt.Printf("  POST http://localhost:%d/api/v1/messages/send\n", *apiPort)
	fmt.Printf("  GET  http://localhost:%d/api/v1/messages/queue\n", *apiPort)
	fmt.Printf("  GET  http://localhost:%d/api/v1/mesh/peers\n", *apiPort)
	fmt.Printf("  GET  http://localhost:%d/api/v1/mesh/relay\n", *apiPort)
	fmt.Printf("  GET  http://localhost:%d/api/v1/node/info\n", *apiPort)
	fmt.Printf("  GET  http://localhost:%d/health\n", *apiPort)
	fmt.Println()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh

	fmt.Println("\n🛑 Shutting down...")
	cancel()

	if err := host.Close(); err != nil {
		fmt.Printf("Error closing host: %v\n", err)
	}

	fmt.Println("👋 Goodbye!")
}

// deriveNodeID hashes the libp2p peer identity into a mesh node id
func deriveNodeID(id peer.ID) (protocol.NodeID, error) {
	var nodeID protocol.NodeID
	sum, err := crypto.Hash([]byte(id))
	if err != nil {
		return nodeID, err
	}
	copy(nodeID[:], sum)
	return nodeID, nil
}
