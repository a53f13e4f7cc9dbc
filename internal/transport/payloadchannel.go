package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// tcpPayloadListener binds an OS-assigned ephemeral TCP port and accepts
// exactly one TLS connection on it, for the sending side of a payload
// transfer.
type tcpPayloadListener struct {
	lis  net.Listener
	cert tls.Certificate
}

func newTCPPayloadListener(bindAddr string, cert tls.Certificate) (*tcpPayloadListener, error) {
	lis, err := net.Listen("tcp4", fmt.Sprintf("%s:0", bindAddr))
	if err != nil {
		return nil, fmt.Errorf("transport: listen payload port: %w", err)
	}
	return &tcpPayloadListener{lis: lis, cert: cert}, nil
}

func (l *tcpPayloadListener) Port() int {
	return l.lis.Addr().(*net.TCPAddr).Port
}

func (l *tcpPayloadListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := l.lis.Accept()
		resCh <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		l.lis.Close()
		return nil, ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		tlsConn := tls.Server(res.conn, &tls.Config{
			Certificates:       []tls.Certificate{l.cert},
			ClientAuth:         tls.RequestClientCert,
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			res.conn.Close()
			return nil, fmt.Errorf("transport: payload tls handshake: %w", err)
		}
		return tlsConn, nil
	}
}

func (l *tcpPayloadListener) Close() error {
	return l.lis.Close()
}

// dialTCPPayload connects to the sender's advertised side-channel and
// negotiates TLS on it, for the receiving side of a payload transfer.
func dialTCPPayload(ctx context.Context, host string, port int, cert tls.Certificate) (net.Conn, error) {
	if port == 0 {
		return nil, fmt.Errorf("transport: payload transfer info missing port")
	}
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("transport: dial payload channel: %w", err)
	}
	tlsConn := tls.Client(conn, &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: payload tls handshake: %w", err)
	}
	return tlsConn, nil
}
