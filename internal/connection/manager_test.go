package connection

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/transport"
)

// newTestLink returns a ready Link backed by an in-memory net.Pipe, plus
// the decoder for the remote end so a test can inspect what the Link sent.
func newTestLink(t *testing.T, priority int) (*transport.Link, *packet.Codec, *bufio.Reader, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	link := transport.NewLink(local, transport.Config{
		Medium:        transport.MediumLAN,
		Priority:      priority,
		MaxFrameBytes: 1 << 16,
	})
	link.MarkReady()
	return link, packet.NewCodec(1 << 16), bufio.NewReader(remote), remote
}

// startRecv begins decoding one packet from r in the background (net.Pipe
// is unbuffered, so the read side must already be pumping before anything
// calls SendPacket, or the write blocks forever waiting for a reader).
func startRecv(codec *packet.Codec, r *bufio.Reader) <-chan *packet.Packet {
	ch := make(chan *packet.Packet, 1)
	go func() {
		p, err := codec.Decode(r)
		if err == nil {
			ch <- p
		}
		close(ch)
	}()
	return ch
}

func waitPacket(t *testing.T, ch <-chan *packet.Packet) *packet.Packet {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "no packet decoded before channel closed")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func TestAddLinkFiresOnReachableOnlyOnFirstLink(t *testing.T) {
	var reachableCount int
	m := NewManager(Config{
		PeerID:      "peer-1",
		OnReachable: func(string) { reachableCount++ },
	})
	link1, _, _, _ := newTestLink(t, 1)
	link2, _, _, _ := newTestLink(t, 1)

	m.AddLink(link1)
	m.AddLink(link2)

	assert.Equal(t, 1, reachableCount)
}

func TestRemoveLastLinkFiresOnUnreachable(t *testing.T) {
	var unreachable bool
	m := NewManager(Config{
		PeerID:        "peer-1",
		OnUnreachable: func(string) { unreachable = true },
	})
	link, _, _, _ := newTestLink(t, 1)
	m.AddLink(link)

	m.RemoveLink(link)

	assert.True(t, unreachable)
	assert.False(t, m.Reachable())
}

func TestSendPacketPrefersHigherPriorityLink(t *testing.T) {
	m := NewManager(Config{PeerID: "peer-1"})
	low, lowCodec, lowReader, _ := newTestLink(t, 1)
	high, highCodec, highReader, _ := newTestLink(t, 10)
	m.AddLink(low)
	m.AddLink(high)
	ch := startRecv(highCodec, highReader)

	require.NoError(t, m.SendPacket(packet.New(1, "kdeconnect.ping", nil)))

	got := waitPacket(t, ch)
	assert.Equal(t, "kdeconnect.ping", got.Type)
	_ = lowCodec
	_ = lowReader
}

func TestSendPacketReturnsErrNoReadyLinksWhenEmpty(t *testing.T) {
	m := NewManager(Config{PeerID: "peer-1"})
	err := m.SendPacket(packet.New(1, "kdeconnect.ping", nil))
	assert.ErrorIs(t, err, ErrNoReadyLinks)
}

func TestOnPacketReceivedRoutesPairPacketsToPairHandler(t *testing.T) {
	var gotPeer string
	var gotPair bool
	m := NewManager(Config{
		PeerID: "peer-1",
		PairHandler: func(peerID string, pair bool, fingerprint string) error {
			gotPeer, gotPair = peerID, pair
			return nil
		},
	})
	link, _, _, _ := newTestLink(t, 1)
	m.AddLink(link)

	m.onPacketReceived(link, packet.New(1, pairPacketType, map[string]any{"pair": true}))

	assert.Equal(t, "peer-1", gotPeer)
	assert.True(t, gotPair)
}

func TestOnPacketReceivedDispatchesNonPairPacketsOnlyWhenPaired(t *testing.T) {
	var dispatched bool
	m := NewManager(Config{
		PeerID:   "peer-1",
		Paired:   func() bool { return true },
		Dispatch: func(string, *packet.Packet) { dispatched = true },
	})
	link, _, _, _ := newTestLink(t, 1)
	m.AddLink(link)

	m.onPacketReceived(link, packet.New(1, "kdeconnect.ping", nil))

	assert.True(t, dispatched)
}

func TestOnPacketReceivedForcesRepairWhenUnpaired(t *testing.T) {
	m := NewManager(Config{
		PeerID: "peer-1",
		Paired: func() bool { return false },
	})
	link, codec, reader, _ := newTestLink(t, 1)
	m.AddLink(link)
	ch := startRecv(codec, reader)

	m.onPacketReceived(link, packet.New(1, "kdeconnect.ping", nil))

	got := waitPacket(t, ch)
	assert.Equal(t, pairPacketType, got.Type)
	assert.Equal(t, false, got.Body["pair"])
}

func TestLastSeenAdvancesOnLinkAndPacket(t *testing.T) {
	m := NewManager(Config{PeerID: "peer-1"})
	assert.True(t, m.LastSeen().IsZero())

	link, _, _, _ := newTestLink(t, 1)
	m.AddLink(link)
	afterAdd := m.LastSeen()
	assert.False(t, afterAdd.IsZero())

	m.onPacketReceived(link, packet.New(1, pairPacketType, map[string]any{"pair": false}))
	assert.False(t, m.LastSeen().Before(afterAdd))
}

func TestDisconnectClosesEveryLink(t *testing.T) {
	m := NewManager(Config{PeerID: "peer-1"})
	link1, _, _, _ := newTestLink(t, 1)
	link2, _, _, _ := newTestLink(t, 2)
	m.AddLink(link1)
	m.AddLink(link2)

	m.Disconnect()

	assert.Equal(t, transport.StateClosed, link1.State())
	assert.Equal(t, transport.StateClosed, link2.State())
}
