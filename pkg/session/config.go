package session

import (
	"fmt"
	"net"
	"time"

	"udplat/pkg/budget"
	"udplat/pkg/packet"
)

// RecorderConfig names one enabled auxiliary recorder; its runtime budget
// and log destination are appended by the session.
type RecorderConfig struct {
	Name    string
	Command string
	Args    []string
}

// Config is the validated configuration surface for one test session.
type Config struct {
	Mode budget.Mode

	LocalIP   string
	LocalPort int
	PeerIP    string
	PeerPort  int

	PacketSize    int
	Rate          float64 // packets per second
	ActiveSeconds int
	BufferSize    int
	RetryDelay    time.Duration
	LogErrors     bool

	SyncEnabled     bool
	SyncPeerIP      string // sync-plane override; defaults to PeerIP
	ReuseSyncConfig bool

	LogDir    string
	Recorders []RecorderConfig
}

// Validate rejects the fatal-misconfiguration class before any resource is
// touched, and fills defaults for the rest.
func (c *Config) Validate() error {
	if c.ActiveSeconds <= 0 {
		return fmt.Errorf("active duration must be positive, got %d", c.ActiveSeconds)
	}
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", c.LocalPort)
	}
	if c.LocalIP != "" && net.ParseIP(c.LocalIP) == nil {
		return fmt.Errorf("invalid local ip %q", c.LocalIP)
	}

	if c.Mode == budget.ModeSender {
		if c.PeerIP == "" || net.ParseIP(c.PeerIP) == nil {
			return fmt.Errorf("invalid peer ip %q", c.PeerIP)
		}
		if c.PeerPort <= 0 || c.PeerPort > 65535 {
			return fmt.Errorf("invalid peer port %d", c.PeerPort)
		}
		if c.Rate <= 0 {
			return fmt.Errorf("packet rate must be positive, got %g", c.Rate)
		}
		if c.PacketSize < packet.HeaderSize {
			return fmt.Errorf("packet size %d below header size %d", c.PacketSize, packet.HeaderSize)
		}
	}

	if c.BufferSize == 0 {
		c.BufferSize = 1500
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.LogDir == "" {
		c.LogDir = "./logs"
	}
	if c.SyncPeerIP == "" {
		c.SyncPeerIP = c.PeerIP
	}
	if c.SyncEnabled && c.SyncPeerIP == "" {
		return fmt.Errorf("sync enabled but no sync peer address")
	}
	return nil
}
