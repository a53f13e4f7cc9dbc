package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
	"github.com/cosmic-connect/cosmic-connectd/internal/packet"
)

// peerCertPEM re-encodes a parsed peer certificate (as presented at the TLS
// handshake) back to PEM for storage in the identity store.
func peerCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

const identityPacketType = "kdeconnect.identity"

// LocalIdentity is the information this device advertises in its identity
// packet and plaintext exchange, per the wire format.
type LocalIdentity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

func (l LocalIdentity) asPacket(tcpPort int) *packet.Packet {
	body := map[string]any{
		"deviceId":             l.DeviceID,
		"deviceName":           l.DeviceName,
		"deviceType":           l.DeviceType,
		"protocolVersion":      l.ProtocolVersion,
		"incomingCapabilities": toAnySlice(l.IncomingCapabilities),
		"outgoingCapabilities": toAnySlice(l.OutgoingCapabilities),
		"tcpPort":              tcpPort,
	}
	return packet.New(0, identityPacketType, body)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// RemoteIdentity is a peer's parsed identity packet.
type RemoteIdentity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           string
	ProtocolVersion      int
	IncomingCapabilities []string
	OutgoingCapabilities []string
	TCPPort              int
}

func parseRemoteIdentity(p *packet.Packet) (RemoteIdentity, error) {
	if p.Type != identityPacketType {
		return RemoteIdentity{}, fmt.Errorf("transport: expected %s, got %s", identityPacketType, p.Type)
	}
	var ri RemoteIdentity
	ri.DeviceID, _ = p.Body["deviceId"].(string)
	ri.DeviceName, _ = p.Body["deviceName"].(string)
	ri.DeviceType, _ = p.Body["deviceType"].(string)
	if ri.DeviceID == "" {
		return RemoteIdentity{}, fmt.Errorf("transport: identity packet missing deviceId")
	}
	switch v := p.Body["protocolVersion"].(type) {
	case float64:
		ri.ProtocolVersion = int(v)
	case int:
		ri.ProtocolVersion = v
	}
	switch v := p.Body["tcpPort"].(type) {
	case float64:
		ri.TCPPort = int(v)
	case int:
		ri.TCPPort = v
	}
	ri.IncomingCapabilities = toStringSlice(p.Body["incomingCapabilities"])
	ri.OutgoingCapabilities = toStringSlice(p.Body["outgoingCapabilities"])
	return ri, nil
}

func toStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Policy reports whether discovery, broadcast, and inbound accept are
// currently allowed. A nil Policy always allows.
type Policy func() bool

// LANProviderConfig configures a LANProvider.
type LANProviderConfig struct {
	Local         LocalIdentity
	Identity      identity.Store
	BindAddr      string // defaults to 0.0.0.0
	UDPPort       int    // defaults to 1716
	TCPPort       int    // defaults to UDPPort when 0
	BroadcastAddr string // defaults to 255.255.255.255
	MaxFrameBytes int
	// PayloadIdleTimeout bounds how long an inbound payload transfer may go
	// without progress before it is cancelled; recommended 10s.
	PayloadIdleTimeout time.Duration
	Policy             Policy
	Log                logr.Logger

	// OnLink is invoked once per established Link, after the identity
	// exchange and TLS upgrade have both completed.
	OnLink func(link *Link, remote RemoteIdentity)
}

// LANProvider is the primary Link Provider: it broadcasts and
// listens for UDP identity packets, and accepts or dials TCP connections to
// run the plaintext-identity-then-TLS-upgrade setup sequence.
type LANProvider struct {
	cfg LANProviderConfig

	udpConn *net.UDPConn
	tcpLis  net.Listener
	tcpPort int
	log     logr.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLANProvider validates cfg, applying defaults, and returns an unstarted
// provider.
func NewLANProvider(cfg LANProviderConfig) (*LANProvider, error) {
	if cfg.Local.DeviceID == "" {
		return nil, fmt.Errorf("transport: local device id required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("transport: identity store required")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = 1716
	}
	if cfg.TCPPort == 0 {
		cfg.TCPPort = cfg.UDPPort
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = "255.255.255.255"
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = packet.DefaultMaxFrameBytes
	}
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &LANProvider{cfg: cfg, log: log}, nil
}

func (p *LANProvider) allowed() bool {
	if p.cfg.Policy == nil {
		return true
	}
	return p.cfg.Policy()
}

// Start binds the UDP and TCP listeners and begins the accept/receive
// goroutines. It returns once both sockets are open.
func (p *LANProvider) Start(ctx context.Context) error {
	udpAddr := &net.UDPAddr{IP: net.ParseIP(p.cfg.BindAddr), Port: p.cfg.UDPPort}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("transport: listen udp %s: %w", udpAddr, err)
	}
	p.udpConn = udpConn

	tcpLis, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", p.cfg.BindAddr, p.cfg.TCPPort))
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("transport: listen tcp: %w", err)
	}
	p.tcpLis = tcpLis
	p.tcpPort = tcpLis.Addr().(*net.TCPAddr).Port

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.udpReceiveLoop(runCtx)
	go p.tcpAcceptLoop(runCtx)

	p.log.Info("lan provider started", "udpPort", p.cfg.UDPPort, "tcpPort", p.tcpPort)
	return nil
}

// Stop closes both listeners and waits for the receive/accept goroutines to
// exit.
func (p *LANProvider) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.udpConn != nil {
		p.udpConn.Close()
	}
	if p.tcpLis != nil {
		p.tcpLis.Close()
	}
	p.wg.Wait()
	return nil
}

// Broadcast emits one UDP identity broadcast to the subnet broadcast
// address, suppressed when policy forbids it.
func (p *LANProvider) Broadcast() error {
	if !p.allowed() {
		return nil
	}
	pkt := p.cfg.Local.asPacket(p.tcpPort)
	var buf bytes.Buffer
	codec := packet.NewCodec(p.cfg.MaxFrameBytes)
	if err := codec.Encode(&buf, pkt); err != nil {
		return fmt.Errorf("transport: encode identity broadcast: %w", err)
	}
	dst := &net.UDPAddr{IP: net.ParseIP(p.cfg.BroadcastAddr), Port: p.cfg.UDPPort}
	if _, err := p.udpConn.WriteToUDP(buf.Bytes(), dst); err != nil {
		return fmt.Errorf("transport: send identity broadcast: %w", err)
	}
	return nil
}

func (p *LANProvider) udpReceiveLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, 64*1024)
	codec := packet.NewCodec(p.cfg.MaxFrameBytes)
	for {
		n, addr, err := p.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error(err, "udp read failed")
			return
		}
		if !p.allowed() {
			continue
		}
		pkt, err := codec.Decode(bufio.NewReader(bytes.NewReader(buf[:n])))
		if err != nil {
			p.log.V(1).Info("dropping malformed udp identity packet", "from", addr, "error", err.Error())
			continue
		}
		remote, err := parseRemoteIdentity(pkt)
		if err != nil {
			continue
		}
		if remote.DeviceID == p.cfg.Local.DeviceID {
			continue
		}
		if remote.TCPPort == 0 {
			continue
		}
		go p.dial(ctx, addr.IP.String(), remote.TCPPort)
	}
}

func (p *LANProvider) tcpAcceptLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		conn, err := p.tcpLis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error(err, "tcp accept failed")
			return
		}
		if !p.allowed() {
			conn.Close()
			continue
		}
		go p.accept(ctx, conn)
	}
}

func (p *LANProvider) dial(ctx context.Context, host string, port int) {
	conn, err := net.DialTimeout("tcp4", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		p.log.Error(err, "dial failed", "host", host, "port", port)
		return
	}
	p.setupLink(ctx, conn, true)
}

func (p *LANProvider) accept(ctx context.Context, conn net.Conn) {
	p.setupLink(ctx, conn, false)
}

// setupLink runs the two-step sequence: plaintext identity
// exchange, then TLS upgrade with the dialer in the client role.
func (p *LANProvider) setupLink(ctx context.Context, conn net.Conn, isClient bool) {
	codec := packet.NewCodec(p.cfg.MaxFrameBytes)
	reader := bufio.NewReader(conn)

	var exchangeErr error
	var remote RemoteIdentity
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := codec.Encode(conn, p.cfg.Local.asPacket(p.tcpPort)); err != nil {
			exchangeErr = fmt.Errorf("transport: send identity: %w", err)
		}
	}()
	pkt, err := codec.Decode(reader)
	wg.Wait()
	if exchangeErr != nil {
		conn.Close()
		p.log.Error(exchangeErr, "identity exchange failed")
		return
	}
	if err != nil {
		conn.Close()
		p.log.Error(err, "identity exchange failed")
		return
	}
	remote, err = parseRemoteIdentity(pkt)
	if err != nil {
		conn.Close()
		p.log.Error(err, "invalid remote identity")
		return
	}
	if remote.DeviceID == p.cfg.Local.DeviceID {
		conn.Close()
		return
	}

	local, err := p.cfg.Identity.GetOrCreateLocal(p.cfg.Local.DeviceID)
	if err != nil {
		conn.Close()
		p.log.Error(err, "load local identity failed")
		return
	}
	cert, err := tls.X509KeyPair(local.CertPEM, local.KeyPEM)
	if err != nil {
		conn.Close()
		p.log.Error(err, "load local certificate failed")
		return
	}

	trusted, err := p.cfg.Identity.IsTrusted(remote.DeviceID)
	if err != nil {
		conn.Close()
		p.log.Error(err, "check peer trust failed")
		return
	}

	tlsConn, peerCert, err := upgradeTLS(ctx, conn, cert, isClient, trusted, remote.DeviceID, p.cfg.Identity)
	if err != nil {
		conn.Close()
		p.log.Error(err, "tls upgrade failed", "peer", remote.DeviceID)
		return
	}

	// Install the peer's certificate in the key store, overwriting only if
	// it is not yet trusted: an already-trusted peer's stored certificate is
	// the one TOFU pinned, and upgradeTLS has already rejected a handshake
	// whose presented fingerprint disagrees with it.
	if !trusted {
		if _, err := p.cfg.Identity.PutPeerCertificate(remote.DeviceID, peerCertPEM(peerCert)); err != nil {
			conn.Close()
			p.log.Error(err, "store peer certificate failed", "peer", remote.DeviceID)
			return
		}
	}

	link := NewLink(tlsConn, Config{
		Medium:             MediumLAN,
		Priority:           100,
		Provider:           "lan",
		MaxFrameBytes:      p.cfg.MaxFrameBytes,
		Log:                p.log,
		PayloadIdleTimeout: p.cfg.PayloadIdleTimeout,
		PayloadListen: func() (PayloadListener, error) {
			return newTCPPayloadListener(p.cfg.BindAddr, cert)
		},
		PayloadDial: func(ctx context.Context, transferInfo map[string]any) (net.Conn, error) {
			host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
			if splitErr != nil {
				host = conn.RemoteAddr().String()
			}
			port, _ := transferInfo["port"].(float64)
			return dialTCPPayload(ctx, host, int(port), cert)
		},
	})
	link.SetIdentified(remote.DeviceID, peerCert)
	link.MarkReady()

	if p.cfg.OnLink != nil {
		p.cfg.OnLink(link, remote)
	}
}

// upgradeTLS performs the client or server TLS handshake, enforcing the
// encryption rules: server mode requires client auth once the peer is
// trusted and merely requests it otherwise; client mode always presents its
// certificate. Either side rejects a handshake whose presented certificate
// fingerprint does not match the one on file for an already-trusted peer.
func upgradeTLS(ctx context.Context, conn net.Conn, cert tls.Certificate, isClient, peerTrusted bool, peerID string, store identity.Store) (net.Conn, *x509.Certificate, error) {
	verify := func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("transport: peer presented no certificate")
		}
		fp, err := identity.Fingerprint(rawCerts[0])
		if err != nil {
			return err
		}
		if !peerTrusted {
			return nil
		}
		stored, err := store.GetPeerCertificate(peerID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPeerIdentityMismatch, err)
		}
		if stored.Fingerprint != fp {
			return ErrPeerIdentityMismatch
		}
		return nil
	}

	var tlsConn *tls.Conn
	if isClient {
		cfg := &tls.Config{
			Certificates:          []tls.Certificate{cert},
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verify,
			MinVersion:            tls.VersionTLS12,
		}
		tlsConn = tls.Client(conn, cfg)
	} else {
		clientAuth := tls.RequestClientCert
		if peerTrusted {
			clientAuth = tls.RequireAnyClientCert
		}
		cfg := &tls.Config{
			Certificates:          []tls.Certificate{cert},
			ClientAuth:            clientAuth,
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: verify,
			MinVersion:            tls.VersionTLS12,
		}
		tlsConn = tls.Server(conn, cfg)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("transport: tls handshake: %w", err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, nil, fmt.Errorf("transport: no peer certificate presented")
	}
	return tlsConn, state.PeerCertificates[0], nil
}
