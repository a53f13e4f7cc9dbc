// Package config defines the flag-parsed configuration for the daemon:
// timeouts, binding addresses, state directory, and the trusted-network
// list. Defaults mirror the protocol's recommended values.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/utils/ptr"
)

// Config is the daemon's fully-resolved configuration.
type Config struct {
	DeviceID   string
	DeviceName string
	DeviceType string

	StateDir string

	BindAddr      string
	UDPPort       int
	TCPPort       int
	BroadcastAddr string
	MaxFrameBytes int

	PairDeadline       time.Duration
	PayloadIdleTimeout time.Duration
	ForgetGrace        time.Duration

	TrustAllNetworks bool
	TrustedNetworks  []string

	MetricsBindAddress *string
}

// Defaults returns a Config populated with the protocol's recommended
// values; callers mutate fields directly, or use BindFlags for a CLI.
func Defaults() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "cosmic-connect-device"
	}
	return Config{
		DeviceName:         hostname,
		DeviceType:         "desktop",
		StateDir:           defaultStateDir(),
		BindAddr:           "0.0.0.0",
		UDPPort:            1716,
		TCPPort:            1716,
		BroadcastAddr:      "255.255.255.255",
		MaxFrameBytes:      1 << 20, // 1 MiB
		PairDeadline:       30 * time.Second,
		PayloadIdleTimeout: 10 * time.Second,
		ForgetGrace:        5 * time.Minute,
		MetricsBindAddress: ptr.To("0"),
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/cosmic-connect"
	}
	return ".cosmic-connect"
}

// BindFlags registers cfg's fields onto fs, one StringVar/BoolVar/
// DurationVar/Func call per field, kebab-case names and a descriptive
// usage string for each.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DeviceID, "device-id", c.DeviceID, "This installation's stable device id. Left empty, one is generated and persisted under state-dir on first run.")
	fs.StringVar(&c.DeviceName, "device-name", c.DeviceName, "The name this device advertises to peers.")
	fs.StringVar(&c.DeviceType, "device-type", c.DeviceType, "The device type advertised to peers (e.g. desktop, laptop, phone).")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "Directory holding the persisted identity, peer certificates, and trust flags.")
	fs.StringVar(&c.BindAddr, "bind-address", c.BindAddr, "The address the LAN link provider binds its UDP and TCP sockets to.")
	fs.IntVar(&c.UDPPort, "udp-port", c.UDPPort, "The UDP port used for discovery broadcasts.")
	fs.IntVar(&c.TCPPort, "tcp-port", c.TCPPort, "The TCP port used for identity exchange and packet exchange. Defaults to the UDP port.")
	fs.StringVar(&c.BroadcastAddr, "broadcast-address", c.BroadcastAddr, "The subnet broadcast address used for discovery.")
	fs.IntVar(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "The maximum accepted size, in bytes, of a single wire frame.")
	fs.DurationVar(&c.PairDeadline, "pair-deadline", c.PairDeadline, "How long a pair request remains pending before reverting to unpaired.")
	fs.DurationVar(&c.PayloadIdleTimeout, "payload-idle-timeout", c.PayloadIdleTimeout, "How long a payload transfer may go without progress before it is cancelled.")
	fs.DurationVar(&c.ForgetGrace, "forget-grace", c.ForgetGrace, "How long an unpaired device may remain unreachable before it is dropped from the device registry.")
	fs.BoolVar(&c.TrustAllNetworks, "trust-all-networks", c.TrustAllNetworks, "If set, discovery and inbound connections are allowed on every network.")
	fs.Func("trusted-networks", "Comma-separated list of trusted network identities (e.g. SSIDs).", func(v string) error {
		c.TrustedNetworks = splitNonEmpty(v, ",")
		return nil
	})
	fs.Func("metrics-bind-address", "The address the /healthz liveness endpoint listens on; \"0\" or empty disables it.", func(v string) error {
		c.MetricsBindAddress = ptr.To(v)
		return nil
	})
}

// Finalize validates required fields and applies any cross-field defaults
// left over from flag parsing (e.g. an explicit -tcp-port=0 falling back to
// the UDP port).
func (c *Config) Finalize() error {
	if c.TCPPort == 0 {
		c.TCPPort = c.UDPPort
	}
	if c.DeviceName == "" {
		return fmt.Errorf("config: device-name must not be empty")
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
