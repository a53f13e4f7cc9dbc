// Package transport implements one duplex, encrypted byte stream to one
// peer over one medium, plus the LAN Link Provider that discovers or
// accepts peers and produces Links.
package transport

import (
	"bufio"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
	"github.com/cosmic-connect/cosmic-connectd/internal/payload"
)

// Medium names the transport a Link runs over.
type Medium string

const (
	MediumLAN Medium = "lan"
	MediumAlt Medium = "alt"
)

// State is a Link's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateIdentified
	StatePairing
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StatePairing:
		return "pairing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrPeerIdentityMismatch is reported when a TLS session's presented
// certificate fingerprint does not match the one on file for a peer
// already marked trusted.
var ErrPeerIdentityMismatch = errors.New("transport: peer identity mismatch")

// ErrLinkClosed is returned by Send* operations on a Link that has already
// been closed.
var ErrLinkClosed = errors.New("transport: link closed")

// PayloadDialer opens a new TLS connection to the peer's advertised
// side-channel address for an inbound payload. The LAN provider's
// implementation dials the same peer host on the port named in
// transferInfo.
type PayloadDialer func(ctx context.Context, transferInfo map[string]any) (net.Conn, error)

// PayloadListener accepts exactly one inbound TLS connection on an
// ephemeral port for an outbound payload, and reports the port to
// advertise in payloadTransferInfo.
type PayloadListener interface {
	// Port returns the TCP port this listener is bound to.
	Port() int
	// Accept blocks for exactly one connection or until ctx is done.
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
}

// Link is one duplex, encrypted byte stream to one peer over one medium,
// A Link is owned by exactly one LinkProvider and, once
// identified, shared by at most one per-device Connection Manager.
type Link struct {
	medium   Medium
	priority int
	provider string

	conn   net.Conn
	codec  *packet.Codec
	reader *bufio.Reader

	writeMu sync.Mutex

	localCertDER []byte

	mu           sync.Mutex
	state        State
	peerDeviceID string
	peerCert     *x509.Certificate

	payloadListen func() (PayloadListener, error)
	payloadDial   PayloadDialer

	receiver func(*packet.Packet)
	onClosed func(reason error)

	closeOnce sync.Once
	closeCh   chan struct{}

	log logr.Logger

	payloadPorts   map[int]struct{}
	payloadPortsMu sync.Mutex

	payloadIdleTimeout     time.Duration
	payloadMinThroughputBs int64
}

// Config bundles what NewLink needs beyond the raw connection.
type Config struct {
	Medium        Medium
	Priority      int
	Provider      string
	MaxFrameBytes int
	PayloadListen func() (PayloadListener, error)
	PayloadDial   PayloadDialer
	Log           logr.Logger

	// PayloadIdleTimeout bounds how long an inbound payload transfer may go
	// without a successful read before it is cancelled; zero disables the
	// deadline (as in tests wrapping an in-memory stream).
	PayloadIdleTimeout time.Duration
}

// payloadMinThroughputBytesPerSec is the assumed worst-case transfer rate
// used to derive a payload's total timeout from its declared size, per the
// "total timeout proportional to declared size" requirement.
const payloadMinThroughputBytesPerSec = 64 * 1024

// NewLink wraps an already-TLS-established connection as a Link.
func NewLink(conn net.Conn, cfg Config) *Link {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Link{
		medium:                 cfg.Medium,
		priority:               cfg.Priority,
		provider:               cfg.Provider,
		conn:                   conn,
		codec:                  packet.NewCodec(cfg.MaxFrameBytes),
		reader:                 bufio.NewReader(conn),
		state:                  StateConnecting,
		payloadListen:          cfg.PayloadListen,
		payloadDial:            cfg.PayloadDial,
		closeCh:                make(chan struct{}),
		log:                    log,
		payloadPorts:           make(map[int]struct{}),
		payloadIdleTimeout:     cfg.PayloadIdleTimeout,
		payloadMinThroughputBs: payloadMinThroughputBytesPerSec,
	}
}

// Medium returns the transport medium this Link runs over.
func (l *Link) Medium() Medium { return l.medium }

// Priority returns the provider-assigned priority used by the Connection
// Manager to pick among several Links to the same device.
func (l *Link) Priority() int { return l.priority }

// State returns the Link's current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// PeerDeviceID returns the peer's device id, or "" before SetIdentified.
func (l *Link) PeerDeviceID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerDeviceID
}

// PeerCertificate returns the certificate presented at the TLS handshake in
// use on this Link, captured by SetIdentified.
func (l *Link) PeerCertificate() *x509.Certificate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerCert
}

// SetIdentified records the peer's device id and the certificate presented
// during the TLS handshake, and advances the Link out of "connecting".
func (l *Link) SetIdentified(deviceID string, cert *x509.Certificate) {
	l.mu.Lock()
	l.peerDeviceID = deviceID
	l.peerCert = cert
	if l.state == StateConnecting {
		l.state = StateIdentified
	}
	l.mu.Unlock()
}

// MarkReady transitions the Link to the ready state, from which it becomes
// eligible for the Connection Manager to select for sends.
func (l *Link) MarkReady() { l.setState(StateReady) }

// MarkPairing transitions the Link to the pairing state.
func (l *Link) MarkPairing() { l.setState(StatePairing) }

// OnReceive registers the callback invoked by the receive loop for every
// decoded packet, in submit order.
func (l *Link) OnReceive(fn func(*packet.Packet)) { l.receiver = fn }

// OnClosed registers the callback invoked exactly once when the Link
// closes, with the reason (nil for a clean, caller-initiated close).
func (l *Link) OnClosed(fn func(reason error)) { l.onClosed = fn }

// SendPacket encodes and writes p atomically with respect to other senders
// on this Link (writers are serialized).
func (l *Link) SendPacket(p *packet.Packet) error {
	if l.State() == StateClosed {
		return ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.codec.Encode(l.conn, p); err != nil {
		return fmt.Errorf("transport: send packet: %w", err)
	}
	return nil
}

// SendPacketWithPayloadOptions configures SendPacketWithPayload.
type SendPacketWithPayloadOptions struct {
	// SameThread runs the accept and copy on the calling goroutine. Without
	// it they run on a separate goroutine, but SendPacketWithPayload still
	// waits for that transfer to finish, returning early only if the Link's
	// receive loop ends first. In both modes the call returns once size bytes
	// have been written to the side-channel connection; it does not wait for
	// the receiver to confirm that it has drained them.
	SameThread bool
	// AcceptTimeout bounds how long to wait for the receiver to connect to
	// the side-channel listener.
	AcceptTimeout time.Duration
}

// SendPacketWithPayload allocates a fresh ephemeral listening port (never
// reusing one still tied to an in-flight transfer on this Link), rewrites
// p's payloadTransferInfo to advertise it, sends p, then accepts exactly
// one inbound connection within opts.AcceptTimeout and copies size bytes
// from r to it.
func (l *Link) SendPacketWithPayload(ctx context.Context, p *packet.Packet, r io.Reader, size int64, opts SendPacketWithPayloadOptions) error {
	if l.payloadListen == nil {
		return fmt.Errorf("transport: link does not support payload side-channel")
	}
	listener, err := l.payloadListen()
	if err != nil {
		return fmt.Errorf("transport: allocate payload listener: %w", err)
	}
	port := listener.Port()
	l.trackPayloadPort(port, true)
	defer func() {
		listener.Close()
		l.trackPayloadPort(port, false)
	}()

	announced := p.WithPayload(size, map[string]any{"port": float64(port)})
	if err := l.SendPacket(announced); err != nil {
		return err
	}

	acceptCtx := ctx
	var cancel context.CancelFunc
	if opts.AcceptTimeout > 0 {
		acceptCtx, cancel = context.WithTimeout(ctx, opts.AcceptTimeout)
		defer cancel()
	}

	transfer := func() error {
		conn, err := listener.Accept(acceptCtx)
		if err != nil {
			return fmt.Errorf("transport: accept payload connection: %w", err)
		}
		defer conn.Close()
		n, err := io.CopyN(conn, r, size)
		if err != nil {
			return fmt.Errorf("transport: send payload (%d/%d bytes): %w", n, size, err)
		}
		return nil
	}

	if opts.SameThread {
		return transfer()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- transfer() }()
	select {
	case err := <-errCh:
		return err
	case <-l.closeCh:
		return fmt.Errorf("%w: closed during payload transfer", ErrLinkClosed)
	}
}

func (l *Link) trackPayloadPort(port int, active bool) {
	l.payloadPortsMu.Lock()
	defer l.payloadPortsMu.Unlock()
	if active {
		l.payloadPorts[port] = struct{}{}
	} else {
		delete(l.payloadPorts, port)
	}
}

// ReceiveLoop reads frames until ctx is done or the Link closes, decoding
// each into a Packet, attaching an owned Payload handle when the packet
// declares one, and invoking the registered receiver in submit order.
//
// A decode failure (MalformedFrame, FrameTooLarge, InvalidType) closes the
// Link and ends the loop; it is not retried frame-by-frame.
func (l *Link) ReceiveLoop(ctx context.Context) error {
	defer close(l.closeCh)
	type result struct {
		p   *packet.Packet
		err error
	}
	for {
		resCh := make(chan result, 1)
		go func() {
			p, err := l.codec.Decode(l.reader)
			resCh <- result{p, err}
		}()

		var res result
		select {
		case <-ctx.Done():
			l.Close(ctx.Err())
			return ctx.Err()
		case res = <-resCh:
		}

		if res.err != nil {
			if res.err == io.EOF {
				l.Close(nil)
				return nil
			}
			l.Close(res.err)
			return res.err
		}

		p := res.p
		if p.HasPayload() {
			ph, err := l.attachPayload(ctx, p)
			if err != nil {
				l.log.Error(err, "failed to open payload side-channel", "type", p.Type)
			} else {
				p.Body["__payload"] = ph
			}
		}
		if l.receiver != nil {
			l.receiver(p)
		}
	}
}

// attachPayload connects to the sender's advertised side-channel,
// negotiates TLS (left to the caller-supplied dialer, which already knows
// the identities in play), and wraps the result as a bounded Payload armed
// with the idle-read timeout and a total timeout derived from the declared
// size, so a stalled or malicious sender cannot hold the transfer open
// indefinitely.
func (l *Link) attachPayload(ctx context.Context, p *packet.Packet) (*payload.Payload, error) {
	if l.payloadDial == nil {
		return nil, fmt.Errorf("transport: link does not support payload side-channel")
	}
	conn, err := l.payloadDial(ctx, p.PayloadTransferInfo)
	if err != nil {
		return nil, err
	}
	size := *p.PayloadSize
	ph := payload.New(size, conn)
	if l.payloadIdleTimeout > 0 {
		total := l.payloadIdleTimeout + time.Duration(size/l.payloadMinThroughputBs+1)*time.Second
		ph = ph.WithTimeouts(l.payloadIdleTimeout, total)
	}
	return ph, nil
}

// Close closes the underlying connection, aborts any in-flight payload
// accept, and invokes the closed observer exactly once. Safe to call more
// than once.
func (l *Link) Close(reason error) {
	wasClosed := false
	l.mu.Lock()
	if l.state == StateClosed {
		wasClosed = true
	} else {
		l.state = StateClosed
	}
	l.mu.Unlock()
	if wasClosed {
		return
	}
	l.conn.Close()
	l.closeOnce.Do(func() {
		if l.onClosed != nil {
			l.onClosed(reason)
		}
	})
}

// The TLS session a Link wraps is negotiated by its provider (the LAN
// provider builds client and server tls.Configs); Link itself is agnostic
// to how that handshake happened.
