// Package cosmicconnect wires the identity store, device registry, plugin
// dispatcher, LAN link provider, and trusted-network policy into the one
// value a process needs to run the daemon, in place of global singletons.
package cosmicconnect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/config"
	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
	"github.com/cosmic-connect/cosmic-connectd/internal/netpolicy"
	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/plugin"
	"github.com/cosmic-connect/cosmic-connectd/internal/registry"
	"github.com/cosmic-connect/cosmic-connectd/internal/transport"
)

// Core is every long-lived collaborator the daemon needs, constructed once
// by main and threaded explicitly through everything that uses it.
type Core struct {
	Config    config.Config
	Log       logr.Logger
	Identity  identity.Store
	Registry  *registry.Registry
	Dispatch  *plugin.Dispatcher
	NetPolicy *netpolicy.Policy
	LAN       *transport.LANProvider
}

// New constructs every collaborator and wires them together: the LAN
// provider's OnLink hands a fresh Link to the registry, the registry's
// OnReachable/OnUnreachable/OnPaired/OnUnpaired callbacks drive the plugin
// dispatcher, and the dispatcher's Usable predicate is the registry's
// capability-intersection rule.
func New(ctx context.Context, cfg config.Config, log logr.Logger) (*Core, error) {
	if cfg.DeviceID == "" {
		id, err := stableDeviceID(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("cosmicconnect: derive device id: %w", err)
		}
		cfg.DeviceID = id
	}

	passphrase, err := stablePassphrase(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("cosmicconnect: derive key passphrase: %w", err)
	}
	store, err := identity.NewFileStore(
		filepath.Join(cfg.StateDir, "keystore"),
		identity.NewScryptProtector(passphrase),
		log.WithName("identity"),
	)
	if err != nil {
		return nil, fmt.Errorf("cosmicconnect: open identity store: %w", err)
	}

	netPolicy := netpolicy.New(netpolicy.Config{
		TrustAllNetworks: cfg.TrustAllNetworks,
		TrustedSet:       cfg.TrustedNetworks,
	})

	c := &Core{
		Config:    cfg,
		Log:       log,
		Identity:  store,
		NetPolicy: netPolicy,
	}

	c.Dispatch = plugin.NewDispatcher(
		c.pluginUsable,
		c.deviceName,
		c.deviceSender,
		c.deviceIsPaired,
		log.WithName("plugin"),
	)

	c.Registry = registry.New(registry.Config{
		Identity:      store,
		PairDeadline:  cfg.PairDeadline,
		ForgetGrace:   cfg.ForgetGrace,
		Dispatch:      c.dispatchPacket,
		OnReachable:   c.Dispatch.OnReachable,
		OnUnreachable: c.Dispatch.OnUnreachable,
		OnPaired:      c.Dispatch.OnPaired,
		OnUnpaired:    c.Dispatch.OnUnpaired,
		Log:           log.WithName("registry"),
	})

	lan, err := transport.NewLANProvider(transport.LANProviderConfig{
		Local: transport.LocalIdentity{
			DeviceID:             cfg.DeviceID,
			DeviceName:           cfg.DeviceName,
			DeviceType:           cfg.DeviceType,
			ProtocolVersion:      7,
			IncomingCapabilities: plugin.AllIncoming(),
			OutgoingCapabilities: plugin.AllOutgoing(),
		},
		Identity:           store,
		BindAddr:           cfg.BindAddr,
		UDPPort:            cfg.UDPPort,
		TCPPort:            cfg.TCPPort,
		BroadcastAddr:      cfg.BroadcastAddr,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		PayloadIdleTimeout: cfg.PayloadIdleTimeout,
		Policy:             netPolicy.Allowed,
		Log:                log.WithName("lan"),
		OnLink: func(link *transport.Link, remote transport.RemoteIdentity) {
			c.Registry.HandleLink(link, remote)
			go link.ReceiveLoop(ctx)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cosmicconnect: construct lan provider: %w", err)
	}
	c.LAN = lan

	return c, nil
}

func (c *Core) pluginUsable(deviceID string, incoming, outgoing []string) bool {
	return c.Registry.PluginUsable(deviceID, incoming, outgoing)
}

func (c *Core) deviceName(deviceID string) string {
	info, ok := c.Registry.DeviceInfo(deviceID)
	if !ok {
		return deviceID
	}
	return info.DeviceName
}

func (c *Core) deviceIsPaired(deviceID string) bool {
	for _, id := range c.Registry.Paired() {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (c *Core) deviceSender(deviceID string) plugin.Sender {
	mgr, ok := c.Registry.Get(deviceID)
	if !ok {
		return noopSender{}
	}
	return mgr
}

func (c *Core) dispatchPacket(peerID string, info registry.DeviceInfo, p *packet.Packet) {
	c.Dispatch.OnPacket(peerID, p)
}

// Start brings up the LAN provider and performs one initial discovery
// broadcast, suppressed by net policy like any other.
func (c *Core) Start(ctx context.Context) error {
	if err := c.LAN.Start(ctx); err != nil {
		return err
	}
	return c.LAN.Broadcast()
}

// Shutdown performs the two-phase drain: stop accepting new links, then
// close existing ones and every plugin instance they imply. The dispatcher
// is drained last, so every destroy hook queued by the registry teardown
// has completed by the time Shutdown returns.
func (c *Core) Shutdown() {
	_ = c.LAN.Stop()
	c.Registry.Shutdown()
	c.Dispatch.Close()
}

func stableDeviceID(stateDir string) (string, error) {
	id, err := loadOrGenerate(filepath.Join(stateDir, "device-id"), 16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(id), nil
}

// stablePassphrase returns the random passphrase protecting the local
// private key at rest, generating and persisting one (0600) on first run.
func stablePassphrase(stateDir string) ([]byte, error) {
	return loadOrGenerate(filepath.Join(stateDir, "keystore.passphrase"), 32)
}

func loadOrGenerate(path string, n int) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		return b, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, err
	}
	return raw, nil
}

// noopSender is handed to a plugin instance briefly created for a device
// whose Connection Manager has since vanished (e.g. torn down between
// OnPaired firing and the dispatcher reading it back); it swallows sends
// rather than panicking.
type noopSender struct{}

func (noopSender) SendPacket(p *packet.Packet) error { return nil }

func (noopSender) SendPacketWithPayload(ctx context.Context, p *packet.Packet, r io.Reader, size int64, opts transport.SendPacketWithPayloadOptions) error {
	return nil
}
