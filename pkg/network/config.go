package network

import "time"

// Config carries every tunable of the mesh stack. Zero values are
// replaced with defaults at construction.
type Config struct {
	// Relay
	MaxHops        uint8         // hop budget for relayed messages
	DedupWindow    time.Duration // seen-message retention
	EstimateCache  time.Duration // network-size estimate cache
	MinRelayProb   float64       // flood-control probability floor

	// Handshake
	HandshakeRetries int           // attempts per phase before failure
	HandshakeBackoff time.Duration // delay between attempts

	// Session rekey thresholds; whichever trips first wins
	RekeyMessageCount int
	RekeyInterval     time.Duration

	// Replay protection
	ReplayWindow uint64 // accepted backward nonce distance

	// Fragmentation
	ReassemblyTimeout time.Duration

	// Spam filter
	SpamRatePerMinute int     // per-sender relay acceptance rate
	SpamTrustFloor    float64 // hash trust score below which relays are rejected
}

// DefaultConfig returns the default mesh configuration
func DefaultConfig() Config {
	return Config{
		MaxHops:           4,
		DedupWindow:       5 * time.Minute,
		EstimateCache:     7 * time.Second,
		MinRelayProb:      0.15,
		HandshakeRetries:  5,
		HandshakeBackoff:  1500 * time.Millisecond,
		RekeyMessageCount: 1000,
		RekeyInterval:     time.Hour,
		ReplayWindow:      64,
		ReassemblyTimeout: 30 * time.Second,
		SpamRatePerMinute: 60,
		SpamTrustFloor:    0.2,
	}
}

// withDefaults fills in zero fields
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxHops == 0 {
		c.MaxHops = def.MaxHops
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.EstimateCache == 0 {
		c.EstimateCache = def.EstimateCache
	}
	if c.MinRelayProb == 0 {
		c.MinRelayProb = def.MinRelayProb
	}
	if c.HandshakeRetries == 0 {
		c.HandshakeRetries = def.HandshakeRetries
	}
	if c.HandshakeBackoff == 0 {
		c.HandshakeBackoff = def.HandshakeBackoff
	}
	if c.RekeyMessageCount == 0 {
		c.RekeyMessageCount = def.RekeyMessageCount
	}
	if c.RekeyInterval == 0 {
		c.RekeyInterval = def.RekeyInterval
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = def.ReplayWindow
	}
	// The receive window is a 64-bit bitmap
	if c.ReplayWindow > 64 {
		c.ReplayWindow = 64
	}
	if c.ReassemblyTimeout == 0 {
		c.ReassemblyTimeout = def.ReassemblyTimeout
	}
	if c.SpamRatePerMinute == 0 {
		c.SpamRatePerMinute = def.SpamRatePerMinute
	}
	if c.SpamTrustFloor == 0 {
		c.SpamTrustFloor = def.SpamTrustFloor
	}
	return c
}
