// Package plugin implements the plugin registry and per-device dispatcher.
// The registry is a compile-time table: a package-level, sync.RWMutex-
// guarded map keyed by a unique string, Register panics on a duplicate key,
// and enumeration returns a sorted slice.
package plugin

import (
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/transport"
)

// Descriptor is a plugin's static metadata, declared once at registration.
type Descriptor struct {
	// Key uniquely identifies this plugin, e.g. "ping", "share".
	Key string
	// Incoming and Outgoing are the packet types this plugin accepts and
	// emits, used for capability negotiation and identity advertisement.
	Incoming []string
	Outgoing []string

	DefaultEnabled      bool
	HasSettings         bool
	ListenToUnpaired    bool
	RequiredPermissions []string

	// New constructs a fresh instance for one device.
	New func() Plugin
}

// Plugin is the contract every plugin implementation supplies. Lifecycle
// and packet handling are both per-device: one instance exists for each
// (plugin, device) pair the dispatcher has decided is usable.
type Plugin interface {
	// Create is called once a device becomes eligible for this plugin
	// (see Descriptor.ListenToUnpaired). Returning an error aborts
	// instantiation; the dispatcher logs it and does not call OnPacket or
	// Destroy for this instance.
	Create(device *Device) error
	// OnPacket handles one packet already routed to this plugin by type.
	// The bool return reports whether the packet was recognized, for
	// diagnostic logging only — the dispatcher has already matched the
	// type against Descriptor.Incoming before calling this.
	OnPacket(p *packet.Packet) (handled bool)
	// Destroy releases any resources held by this instance. Called when
	// the device becomes unreachable or unpairs.
	Destroy()
}

var (
	mu         sync.RWMutex
	registered = make(map[string]Descriptor)
)

// Register adds a plugin descriptor to the table. It panics if key is
// empty, New is nil, or key is already registered, since all three
// failures can only happen from a programming error at init time, never at
// runtime.
func Register(d Descriptor) {
	mu.Lock()
	defer mu.Unlock()
	if d.Key == "" {
		panic("plugin: Register called with empty key")
	}
	if d.New == nil {
		panic("plugin: Register called with nil constructor for " + d.Key)
	}
	if _, ok := registered[d.Key]; ok {
		panic("plugin: Register called twice for " + d.Key)
	}
	registered[d.Key] = d
}

// Get returns the descriptor registered under key.
func Get(key string) (Descriptor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := registered[key]
	return d, ok
}

// List returns every registered plugin key, sorted.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(registered))
}

// Descriptors returns every registered descriptor, sorted by key.
func Descriptors() []Descriptor {
	mu.RLock()
	defer mu.RUnlock()
	keys := slices.Sorted(maps.Keys(registered))
	out := make([]Descriptor, 0, len(keys))
	for _, k := range keys {
		out = append(out, registered[k])
	}
	return out
}

// AllIncoming returns the union of every registered descriptor's Incoming
// packet types, for advertisement in this device's own identity packet.
func AllIncoming() []string {
	return unionCapabilities(func(d Descriptor) []string { return d.Incoming })
}

// AllOutgoing returns the union of every registered descriptor's Outgoing
// packet types, for advertisement in this device's own identity packet.
func AllOutgoing() []string {
	return unionCapabilities(func(d Descriptor) []string { return d.Outgoing })
}

func unionCapabilities(pick func(Descriptor) []string) []string {
	mu.RLock()
	defer mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, d := range registered {
		for _, t := range pick(d) {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Sender is the subset of the Connection Manager a device handle needs:
// enough to send packets without exposing links, priorities, or anything
// else of the transport layer to plugin code.
type Sender interface {
	SendPacket(p *packet.Packet) error
	SendPacketWithPayload(ctx context.Context, p *packet.Packet, r io.Reader, size int64, opts transport.SendPacketWithPayloadOptions) error
}

// Device is the handle given to a plugin instance: device identity plus a
// narrow send surface, and nothing of the links, certificates, or pairing
// machinery beneath it.
type Device struct {
	id       string
	name     string
	sender   Sender
	isPaired func() bool
}

// NewDevice constructs the handle a dispatcher hands to a plugin instance.
func NewDevice(id, name string, sender Sender, isPaired func() bool) *Device {
	return &Device{id: id, name: name, sender: sender, isPaired: isPaired}
}

func (d *Device) ID() string   { return d.id }
func (d *Device) Name() string { return d.name }
func (d *Device) IsPaired() bool {
	if d.isPaired == nil {
		return false
	}
	return d.isPaired()
}

// SendPacket routes p through this device's Connection Manager.
func (d *Device) SendPacket(p *packet.Packet) error {
	return d.sender.SendPacket(p)
}

// SendPacketWithPayload routes p, with its side-channel payload, through
// this device's Connection Manager.
func (d *Device) SendPacketWithPayload(ctx context.Context, p *packet.Packet, r io.Reader, size int64, opts transport.SendPacketWithPayloadOptions) error {
	return d.sender.SendPacketWithPayload(ctx, p, r, size, opts)
}
