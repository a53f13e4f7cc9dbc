// Package ping implements the demonstration round-trip plugin: on receipt
// of a ping packet it echoes one back, unless the payload body carries an
// explicit message, which it logs instead of echoing.
package ping

import (
	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/plugin"
)

const PacketType = "kdeconnect.ping"

func init() {
	plugin.Register(plugin.Descriptor{
		Key:              "ping",
		Incoming:         []string{PacketType},
		Outgoing:         []string{PacketType},
		DefaultEnabled:   true,
		ListenToUnpaired: false,
		New:              func() plugin.Plugin { return &Plugin{} },
	})
}

// Plugin echoes every ping it receives back to the sender, unless the
// incoming packet already carries a message (in which case it is a reply
// and is only logged).
type Plugin struct {
	device *plugin.Device
	idGen  *packet.IDGenerator
	log    logr.Logger
}

func (p *Plugin) Create(device *plugin.Device) error {
	p.device = device
	p.idGen = packet.NewIDGenerator()
	return nil
}

func (p *Plugin) OnPacket(pkt *packet.Packet) bool {
	if pkt.Type != PacketType {
		return false
	}
	if msg, ok := pkt.Body["message"].(string); ok && msg != "" {
		p.log.Info("received ping", "device", p.device.ID(), "message", msg)
		return true
	}
	_ = p.device.SendPacket(packet.New(p.idGen.Next(), PacketType, nil))
	return true
}

func (p *Plugin) Destroy() {}
