// Package connection implements the per-device Connection Manager: the
// Link set for one peer device id, link selection on send, and packet
// routing between the pair state machine, the plugin dispatcher, and a
// forced-unpair discard path for unexpected traffic.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/transport"
)

const pairPacketType = "kdeconnect.pair"

// ErrNoReadyLinks is returned by SendPacket when every link to this device
// has been exhausted without accepting the packet.
var ErrNoReadyLinks = errors.New("connection: no ready links accepted the packet")

// PairHandler routes pair packets and pairing-driven sends; satisfied by
// (*pairing.Machine).HandlePairPacket plus a send-pair callback wired at
// construction in the owning package.
type PairHandler func(peerID string, pair bool, presentedFingerprint string) error

// PluginDispatch routes a non-pair packet to whatever plugin declares it,
// once the device is paired.
type PluginDispatch func(peerID string, p *packet.Packet)

// Manager owns every Link currently open to one peer device id and the
// packet routing decisions over them.
type Manager struct {
	peerID string
	log    logr.Logger

	mu       sync.Mutex
	links    []*transport.Link
	lastSeen time.Time

	paired func() bool

	onReachable   func(peerID string)
	onUnreachable func(peerID string)

	pairHandler PairHandler
	dispatch    PluginDispatch
}

// Config configures a Manager.
type Config struct {
	PeerID string
	// Paired reports whether this device is currently in the paired
	// pairing state; non-pair packets are discarded (and a pair{false}
	// sent back) unless this is true at the moment they arrive.
	Paired        func() bool
	OnReachable   func(peerID string)
	OnUnreachable func(peerID string)
	PairHandler   PairHandler
	Dispatch      PluginDispatch
	Log           logr.Logger
}

// NewManager returns an empty Manager for one peer device id.
func NewManager(cfg Config) *Manager {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Manager{
		peerID:        cfg.PeerID,
		log:           log,
		paired:        cfg.Paired,
		onReachable:   cfg.OnReachable,
		onUnreachable: cfg.OnUnreachable,
		pairHandler:   cfg.PairHandler,
		dispatch:      cfg.Dispatch,
	}
}

// AddLink appends link to the set, wiring its receive callback to this
// Manager's routing, and fires the reachable observer if this is the first
// link for the device.
func (m *Manager) AddLink(link *transport.Link) {
	m.mu.Lock()
	wasEmpty := len(m.links) == 0
	m.links = append(m.links, link)
	m.lastSeen = time.Now()
	m.mu.Unlock()

	link.OnReceive(func(p *packet.Packet) { m.onPacketReceived(link, p) })
	link.OnClosed(func(reason error) { m.RemoveLink(link) })

	if wasEmpty && m.onReachable != nil {
		m.onReachable(m.peerID)
	}
}

// RemoveLink drops link from the set. If the set becomes empty, the
// unreachable observer fires. Safe to call more than once for the same
// link.
func (m *Manager) RemoveLink(link *transport.Link) {
	m.mu.Lock()
	kept := m.links[:0]
	found := false
	for _, l := range m.links {
		if l == link {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	m.links = kept
	becameEmpty := found && len(m.links) == 0
	m.mu.Unlock()

	if becameEmpty && m.onUnreachable != nil {
		m.onUnreachable(m.peerID)
	}
}

// LastSeen returns when this device last produced evidence of life: a link
// being added, or a packet arriving on one.
func (m *Manager) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Reachable reports whether at least one link to this device is currently
// ready.
func (m *Manager) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.State() == transport.StateReady {
			return true
		}
	}
	return false
}

// readyLinksLocked returns the ready links sorted by descending priority.
func (m *Manager) readyLinksLocked() []*transport.Link {
	out := make([]*transport.Link, 0, len(m.links))
	for _, l := range m.links {
		if l.State() == transport.StateReady {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority() > out[j].Priority() })
	return out
}

// SendPacket selects the highest-priority ready link and sends p, falling
// through to the next ready link on write failure. It returns
// ErrNoReadyLinks only once every ready link has refused the packet.
func (m *Manager) SendPacket(p *packet.Packet) error {
	m.mu.Lock()
	candidates := m.readyLinksLocked()
	m.mu.Unlock()

	var lastErr error
	for _, l := range candidates {
		if err := l.SendPacket(p); err != nil {
			m.log.Error(err, "send failed on link, trying next", "peer", m.peerID, "medium", l.Medium())
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoReadyLinks, lastErr)
	}
	return ErrNoReadyLinks
}

// SendPacketWithPayload is SendPacket's counterpart for a packet carrying a
// side-channel payload: the whole payload is transferred over whichever
// ready link accepts the announcing packet.
func (m *Manager) SendPacketWithPayload(ctx context.Context, p *packet.Packet, r io.Reader, size int64, opts transport.SendPacketWithPayloadOptions) error {
	m.mu.Lock()
	candidates := m.readyLinksLocked()
	m.mu.Unlock()

	var lastErr error
	for _, l := range candidates {
		if err := l.SendPacketWithPayload(ctx, p, r, size, opts); err != nil {
			m.log.Error(err, "payload send failed on link, trying next", "peer", m.peerID)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNoReadyLinks, lastErr)
	}
	return ErrNoReadyLinks
}

// Disconnect closes every link to this device.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	links := append([]*transport.Link(nil), m.links...)
	m.mu.Unlock()
	for _, l := range links {
		l.Close(nil)
	}
}

// onPacketReceived implements the routing rule: pair packets always reach
// the pair state machine; everything else reaches the plugin dispatcher if
// and only if the device is paired, and is otherwise discarded with a
// pair{false} forcing the peer to re-pair.
func (m *Manager) onPacketReceived(link *transport.Link, p *packet.Packet) {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()

	if p.Type == pairPacketType {
		pairVal, _ := p.Body["pair"].(bool)
		fp := ""
		if cert := link.PeerCertificate(); cert != nil {
			if f, err := certFingerprint(cert); err == nil {
				fp = f
			}
		}
		if m.pairHandler == nil {
			return
		}
		if err := m.pairHandler(m.peerID, pairVal, fp); err != nil {
			m.log.Error(err, "pair packet rejected, closing link", "peer", m.peerID)
			link.Close(err)
		}
		return
	}

	if m.paired != nil && m.paired() {
		if m.dispatch != nil {
			m.dispatch(m.peerID, p)
		}
		return
	}

	m.log.Info("discarding packet from unpaired device, forcing re-pair", "peer", m.peerID, "type", p.Type)
	_ = link.SendPacket(packet.New(0, pairPacketType, map[string]any{"pair": false}))
}
