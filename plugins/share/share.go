// Package share implements the demonstration file-receive plugin: every
// incoming share request carrying a side-channel payload is drained to a
// destination directory under the filename the sender declared.
package share

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/payload"
	"github.com/cosmic-connect/cosmic-connectd/internal/plugin"
)

// PacketType is the request packet carrying one file's side-channel
// payload and its declared filename.
const PacketType = "kdeconnect.share.request"

// DefaultSubdir is the directory, relative to the process's working
// directory, where received files land when no explicit destination is
// configured.
const DefaultSubdir = "received"

func init() {
	plugin.Register(plugin.Descriptor{
		Key:              "share",
		Incoming:         []string{PacketType},
		Outgoing:         []string{PacketType},
		DefaultEnabled:   true,
		ListenToUnpaired: false,
		New:              func() plugin.Plugin { return &Plugin{Dir: DefaultSubdir} },
	})
}

// Plugin drains every received share request's payload into Dir, naming
// the file after the request's declared "filename" body field (or a
// fallback name derived from the packet id if that field is absent).
type Plugin struct {
	Dir    string
	device *plugin.Device
	log    logr.Logger
}

func (p *Plugin) Create(device *plugin.Device) error {
	p.device = device
	if p.Dir == "" {
		p.Dir = DefaultSubdir
	}
	return os.MkdirAll(p.Dir, 0o755)
}

func (p *Plugin) OnPacket(pkt *packet.Packet) bool {
	if pkt.Type != PacketType {
		return false
	}
	if !pkt.HasPayload() {
		p.log.Info("share request carried no payload, ignoring", "device", p.device.ID())
		return true
	}
	ph, ok := pkt.Body["__payload"].(*payload.Payload)
	if !ok {
		p.log.Info("share request advertised a payload but none was attached", "device", p.device.ID())
		return true
	}
	defer ph.Close()

	name := sanitizeFilename(pkt.Body["filename"])
	if name == "" {
		name = fmt.Sprintf("share-%d.bin", pkt.ID)
	}
	dst := filepath.Join(p.Dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		p.log.Error(err, "create destination file", "device", p.device.ID(), "path", dst)
		return true
	}
	if _, err := ph.CopyTo(f); err != nil {
		p.log.Error(err, "copy payload", "device", p.device.ID(), "path", dst)
		f.Close()
		os.Remove(dst)
		return true
	}
	if err := f.Close(); err != nil {
		p.log.Error(err, "close destination file", "device", p.device.ID(), "path", dst)
	}
	return true
}

func (p *Plugin) Destroy() {}

// sanitizeFilename extracts a safe base name from the body's "filename"
// field: only the last path element is kept, so a name with path
// separators or dot-dot segments still lands inside Dir. It returns "" for
// a non-string value or a name that reduces to "", ".", ".." or a bare
// separator.
func sanitizeFilename(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = filepath.Base(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." || s == string(filepath.Separator) {
		return ""
	}
	return s
}
