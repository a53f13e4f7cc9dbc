// Package registry implements the Device Registry: the single owner of
// per-device Connection Managers, reachability derivation, and the
// capability-intersection rule that decides which plugins may talk to a
// given peer.
package registry

import (
	"fmt"
	"sync"
	"time"

	cp "github.com/felix-kaestner/copy"
	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/connection"
	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/pairing"
	"github.com/cosmic-connect/cosmic-connectd/internal/transport"
)

// DeviceInfo is what the registry remembers about a peer from its most
// recent identity exchange.
type DeviceInfo struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Dispatch routes a packet, and the capability-annotated info of the
// device it arrived from, to whichever plugin declares it.
type Dispatch func(peerID string, info DeviceInfo, p *packet.Packet)

// Config configures a Registry.
type Config struct {
	Identity identity.Store
	// PairDeadline is T_pair, the pair state machine's request timeout;
	// recommended 30s.
	PairDeadline time.Duration
	// ForgetGrace is how long a device must remain both unpaired and
	// unreachable before the registry drops its Connection Manager and
	// identity record.
	ForgetGrace   time.Duration
	Dispatch      Dispatch
	OnReachable   func(peerID string)
	OnUnreachable func(peerID string)
	OnPaired      func(peerID string)
	OnUnpaired    func(peerID string)
	// OnPairTimeout fires when a pair request (in either direction) lapses
	// without an answer and the peer reverts to unpaired.
	OnPairTimeout func(peerID string)
	Log           logr.Logger
}

const defaultForgetGrace = 5 * time.Minute

// Registry is the single owner of every Connection Manager, keyed by peer
// device id, plus the one pair state machine shared by all of them.
type Registry struct {
	cfg Config
	log logr.Logger

	idGen *packet.IDGenerator

	mu       sync.RWMutex
	managers map[string]*connection.Manager
	devices  map[string]DeviceInfo

	pairing *pairing.Machine

	// forgets holds one pending removal timer per unreachable device,
	// replaced (not stacked) when a device flaps, canceled when it comes
	// back.
	forgets sync.Map // map[string]*time.Timer
}

// New constructs a Registry and its shared pair state machine.
func New(cfg Config) *Registry {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if cfg.ForgetGrace <= 0 {
		cfg.ForgetGrace = defaultForgetGrace
	}
	r := &Registry{
		cfg:      cfg,
		log:      log,
		idGen:    packet.NewIDGenerator(),
		managers: make(map[string]*connection.Manager),
		devices:  make(map[string]DeviceInfo),
	}
	r.pairing = pairing.NewMachine(pairing.Config{
		Identity: cfg.Identity,
		Deadline: cfg.PairDeadline,
		SendPair: r.sendPairPacket,
		OnStateChange: func(peerID string, old, new pairing.State) {
			r.onPairStateChange(peerID, old, new)
		},
		OnTimeout: cfg.OnPairTimeout,
		Log:       log,
	})
	return r
}

func (r *Registry) sendPairPacket(peerID string, pair bool) error {
	mgr, ok := r.Get(peerID)
	if !ok {
		return fmt.Errorf("registry: no connection manager for peer %s", peerID)
	}
	return mgr.SendPacket(packet.New(r.idGen.Next(), "kdeconnect.pair", map[string]any{"pair": pair}))
}

func (r *Registry) onPairStateChange(peerID string, old, newState pairing.State) {
	r.log.Info("pair state changed", "peer", peerID, "from", old, "to", newState)
	if newState == pairing.StatePaired && r.cfg.OnPaired != nil {
		r.cfg.OnPaired(peerID)
	}
	if old == pairing.StatePaired && newState != pairing.StatePaired && r.cfg.OnUnpaired != nil {
		r.cfg.OnUnpaired(peerID)
	}
}

// Pairing returns the shared pair state machine, for callers (e.g. a
// front-end control surface) that drive Accept/Reject/RequestPair/Unpair.
func (r *Registry) Pairing() *pairing.Machine { return r.pairing }

// HandleLink registers a freshly established Link under its peer's
// Connection Manager, creating the manager on first contact, and records
// the identity information exchanged when the link was set up.
func (r *Registry) HandleLink(link *transport.Link, remote transport.RemoteIdentity) {
	info := DeviceInfo{
		DeviceID:             remote.DeviceID,
		DeviceName:           remote.DeviceName,
		DeviceType:           remote.DeviceType,
		ProtocolVersion:      remote.ProtocolVersion,
		IncomingCapabilities: remote.IncomingCapabilities,
		OutgoingCapabilities: remote.OutgoingCapabilities,
	}

	r.mu.Lock()
	r.devices[remote.DeviceID] = info
	mgr, exists := r.managers[remote.DeviceID]
	if !exists {
		mgr = connection.NewManager(connection.Config{
			PeerID:        remote.DeviceID,
			Paired:        func() bool { return r.pairing.State(remote.DeviceID) == pairing.StatePaired },
			OnReachable:   r.onReachable,
			OnUnreachable: r.onUnreachable,
			PairHandler:   r.pairing.HandlePairPacket,
			Dispatch:      r.dispatchToPlugin,
			Log:           r.log,
		})
		r.managers[remote.DeviceID] = mgr
	}
	r.mu.Unlock()

	mgr.AddLink(link)
}

func (r *Registry) onReachable(peerID string) {
	r.cancelForget(peerID)
	if r.cfg.OnReachable != nil {
		r.cfg.OnReachable(peerID)
	}
}

func (r *Registry) onUnreachable(peerID string) {
	r.scheduleForget(peerID)
	if r.cfg.OnUnreachable != nil {
		r.cfg.OnUnreachable(peerID)
	}
}

// scheduleForget arms the grace-period timer after which an unreachable,
// unpaired device is dropped from the registry entirely. A timer already
// pending for the same device is replaced, not stacked.
func (r *Registry) scheduleForget(peerID string) {
	t := time.AfterFunc(r.cfg.ForgetGrace, func() { r.forget(peerID) })
	if old, loaded := r.forgets.LoadAndDelete(peerID); loaded {
		old.(*time.Timer).Stop()
	}
	r.forgets.Store(peerID, t)
}

func (r *Registry) cancelForget(peerID string) {
	if t, loaded := r.forgets.LoadAndDelete(peerID); loaded {
		t.(*time.Timer).Stop()
	}
}

// forget removes peerID's Connection Manager and identity record, but only
// if it is still both unpaired and unreachable when the grace period ends.
func (r *Registry) forget(peerID string) {
	r.forgets.Delete(peerID)
	if r.pairing.State(peerID) == pairing.StatePaired {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if mgr, ok := r.managers[peerID]; ok {
		if mgr.Reachable() {
			return
		}
		delete(r.managers, peerID)
	}
	delete(r.devices, peerID)
	r.log.Info("forgot device after grace period", "peer", peerID)
}

func (r *Registry) dispatchToPlugin(peerID string, p *packet.Packet) {
	info, _ := r.DeviceInfo(peerID)
	if r.cfg.Dispatch != nil {
		r.cfg.Dispatch(peerID, info, p)
	}
}

// Get returns the Connection Manager for peerID, if one has been created
// by a prior HandleLink call.
func (r *Registry) Get(peerID string) (*connection.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mgr, ok := r.managers[peerID]
	return mgr, ok
}

// DeviceInfo returns the most recently exchanged identity information for
// peerID, if any device has ever been seen under that id. The returned
// value is a deep copy: mutating its capability slices never affects the
// registry's own record.
func (r *Registry) DeviceInfo(peerID string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.devices[peerID]
	if !ok {
		return DeviceInfo{}, false
	}
	return cp.Deep(info), true
}

// Reachable lists every device id with at least one ready link.
func (r *Registry) Reachable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, mgr := range r.managers {
		if mgr.Reachable() {
			out = append(out, id)
		}
	}
	return out
}

// Paired lists every device id currently in the paired pairing state.
func (r *Registry) Paired() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.devices {
		if r.pairing.State(id) == pairing.StatePaired {
			out = append(out, id)
		}
	}
	return out
}

// PluginUsable implements the capability-intersection rule: a plugin
// declaring incoming/outgoing capability sets is usable with peerID iff
// one of its outgoing types is in the peer's incoming set, or one of its
// incoming types is in the peer's outgoing set.
func (r *Registry) PluginUsable(peerID string, pluginIncoming, pluginOutgoing []string) bool {
	info, ok := r.DeviceInfo(peerID)
	if !ok {
		return false
	}
	return Intersects(pluginOutgoing, info.IncomingCapabilities) ||
		Intersects(pluginIncoming, info.OutgoingCapabilities)
}

// Intersects reports whether a and b share at least one element.
func Intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// Shutdown tears down every Connection Manager and the pair state
// machine's deadline timers.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	managers := make([]*connection.Manager, 0, len(r.managers))
	for _, mgr := range r.managers {
		managers = append(managers, mgr)
	}
	r.mu.RUnlock()

	for _, mgr := range managers {
		mgr.Disconnect()
	}
	r.forgets.Range(func(key, value any) bool {
		value.(*time.Timer).Stop()
		r.forgets.Delete(key)
		return true
	})
	r.pairing.Shutdown()
}
