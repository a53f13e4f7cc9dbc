package plugin

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
)

// Usable reports whether a plugin declaring incoming/outgoing capability
// sets is usable with the given device, per the capability-intersection
// rule. Satisfied by (*registry.Registry).PluginUsable.
type Usable func(deviceID string, incoming, outgoing []string) bool

// DeviceNamer resolves a device id to the human-readable name plugin
// instances receive in their handle.
type DeviceNamer func(deviceID string) string

// Dispatcher instantiates and tears down plugins per device, and routes
// incoming packets to whichever instance declares the packet's type.
type Dispatcher struct {
	usable    Usable
	namer     DeviceNamer
	newSender func(deviceID string) Sender
	isPaired  func(deviceID string) bool
	log       logr.Logger

	// pool serves every OnPacket handler and Destroy hook, routed by device
	// id so work for one device is serialized.
	pool *workerPool

	mu      sync.Mutex
	devices map[string]*deviceState
}

type pluginInstance struct {
	key  string
	inst Plugin
}

type deviceState struct {
	// instances is ordered by creation time so teardown can run in
	// reverse order, per the dispatcher contract.
	instances []pluginInstance
	// byType indexes instances by every packet type they declared
	// Incoming, for O(1) routing.
	byType map[string]Plugin
}

// NewDispatcher constructs a Dispatcher. usable, namer, newSender, and
// isPaired are typically backed by a *registry.Registry.
func NewDispatcher(usable Usable, namer DeviceNamer, newSender func(string) Sender, isPaired func(string) bool, log logr.Logger) *Dispatcher {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Dispatcher{
		usable:    usable,
		namer:     namer,
		newSender: newSender,
		isPaired:  isPaired,
		log:       log,
		pool:      newWorkerPool(defaultWorkers),
		devices:   make(map[string]*deviceState),
	}
}

// Close drains the worker pool: every queued packet handler and destroy
// hook completes before Close returns. Call once, after the device
// registry has shut down.
func (d *Dispatcher) Close() {
	d.pool.close()
}

// OnReachable instantiates every usable plugin whose descriptor sets
// ListenToUnpaired, immediately on first link.
func (d *Dispatcher) OnReachable(deviceID string) {
	d.instantiate(deviceID, func(desc Descriptor) bool { return desc.ListenToUnpaired })
}

// OnPaired instantiates every remaining usable plugin — every descriptor
// that did not already qualify under ListenToUnpaired — on first paired
// event.
func (d *Dispatcher) OnPaired(deviceID string) {
	d.instantiate(deviceID, func(desc Descriptor) bool { return !desc.ListenToUnpaired })
}

func (d *Dispatcher) instantiate(deviceID string, want func(Descriptor) bool) {
	device := NewDevice(deviceID, d.namer(deviceID), d.newSender(deviceID), func() bool { return d.isPaired(deviceID) })

	d.mu.Lock()
	st, ok := d.devices[deviceID]
	if !ok {
		st = &deviceState{byType: make(map[string]Plugin)}
		d.devices[deviceID] = st
	}
	alreadyCreated := make(map[string]bool, len(st.instances))
	for _, pi := range st.instances {
		alreadyCreated[pi.key] = true
	}
	d.mu.Unlock()

	for _, desc := range Descriptors() {
		if alreadyCreated[desc.Key] || !want(desc) {
			continue
		}
		if !d.usable(deviceID, desc.Incoming, desc.Outgoing) {
			continue
		}
		inst := desc.New()
		if err := inst.Create(device); err != nil {
			d.log.Error(err, "plugin create failed", "device", deviceID, "plugin", desc.Key)
			continue
		}

		d.mu.Lock()
		st.instances = append(st.instances, pluginInstance{key: desc.Key, inst: inst})
		for _, t := range desc.Incoming {
			st.byType[t] = inst
		}
		d.mu.Unlock()
	}
}

// OnPacket routes p to the plugin instance registered for its type on
// deviceID, on the worker owning that device. A packet whose type matches
// no instance is logged and dropped. The instance lookup happens on the
// worker, after any teardown already queued for the device, so a handler
// never runs against a destroyed instance.
func (d *Dispatcher) OnPacket(deviceID string, p *packet.Packet) {
	d.pool.submit(deviceID, func() { d.deliver(deviceID, p) })
}

func (d *Dispatcher) deliver(deviceID string, p *packet.Packet) {
	d.mu.Lock()
	st, ok := d.devices[deviceID]
	var inst Plugin
	if ok {
		inst = st.byType[p.Type]
	}
	d.mu.Unlock()

	if inst == nil {
		d.log.Info("no plugin for packet type, dropping", "device", deviceID, "type", p.Type)
		return
	}
	inst.OnPacket(p)
}

// OnUnreachable destroys every plugin instance for deviceID, in reverse
// order of creation, and forgets the device entirely.
func (d *Dispatcher) OnUnreachable(deviceID string) {
	d.teardown(deviceID)
}

// OnUnpaired destroys every plugin instance for deviceID, in reverse order
// of creation — paired-only instances lose their basis for existing, and
// listen-to-unpaired ones must be recreated since the device remains
// reachable and will not receive another OnReachable event.
func (d *Dispatcher) OnUnpaired(deviceID string) {
	d.teardown(deviceID)
	d.instantiate(deviceID, func(desc Descriptor) bool { return desc.ListenToUnpaired })
}

func (d *Dispatcher) teardown(deviceID string) {
	d.mu.Lock()
	st, ok := d.devices[deviceID]
	delete(d.devices, deviceID)
	d.mu.Unlock()
	if !ok {
		return
	}
	// The destroy hooks run on the device's worker, behind any packet
	// handlers already queued for it.
	d.pool.submit(deviceID, func() {
		for i := len(st.instances) - 1; i >= 0; i-- {
			st.instances[i].inst.Destroy()
		}
	})
}
