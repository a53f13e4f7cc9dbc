// Package payload implements the finite, single-consumer byte stream bound
// to exactly one packet.
package payload

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrShortPayload is returned by CopyTo when the side-channel closed before
// the declared number of bytes was delivered.
var ErrShortPayload = errors.New("payload: fewer bytes than declared")

// deadliner is satisfied by net.Conn; WithTimeouts only has an effect when
// the wrapped stream implements it.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Payload is a finite byte stream of declared Size, delivered out of band
// and bound to exactly one packet. It must be closed on every exit path;
// Close is idempotent so both the normal-completion and the
// error/cancellation paths may call it without coordination.
type Payload struct {
	size   int64
	lr     io.LimitedReader
	closer io.Closer
	once   sync.Once
	err    error

	deadliner   deadliner
	idleTimeout time.Duration
	deadline    time.Time // absolute stop time; zero means unset
}

// New wraps rc (typically the TLS side-channel connection) as a Payload of
// the declared size. Reads beyond size return io.EOF even if rc has more to
// give; rc is what Close releases.
func New(size int64, rc io.ReadCloser) *Payload {
	p := &Payload{
		size:   size,
		lr:     io.LimitedReader{R: rc, N: size},
		closer: rc,
	}
	if d, ok := rc.(deadliner); ok {
		p.deadliner = d
	}
	return p
}

// WithTimeouts arms the idle-read and total-transfer deadlines: a gap of
// more than idle between successive reads, or the wall clock reaching the
// absolute deadline implied by total, fails the next Read with
// os.ErrDeadlineExceeded. It is a no-op when the wrapped stream does not
// support SetReadDeadline (e.g. the in-memory reader plugin tests use).
func (p *Payload) WithTimeouts(idle, total time.Duration) *Payload {
	p.idleTimeout = idle
	if total > 0 {
		p.deadline = time.Now().Add(total)
	}
	return p
}

// Size returns the declared payload length in bytes.
func (p *Payload) Size() int64 { return p.size }

// Remaining returns how many bytes have not yet been read.
func (p *Payload) Remaining() int64 { return p.lr.N }

// Read implements io.Reader, capped at Size bytes total. When armed by
// WithTimeouts, every call pushes the underlying stream's read deadline out
// by idleTimeout, clamped to the absolute total deadline if one is set.
func (p *Payload) Read(b []byte) (int, error) {
	if p.deadliner != nil && p.idleTimeout > 0 {
		next := time.Now().Add(p.idleTimeout)
		if !p.deadline.IsZero() && next.After(p.deadline) {
			next = p.deadline
		}
		_ = p.deadliner.SetReadDeadline(next)
	}
	return p.lr.Read(b)
}

// Close releases the underlying stream. Safe to call more than once and
// from more than one exit path; only the first call has effect.
func (p *Payload) Close() error {
	p.once.Do(func() {
		p.err = p.closer.Close()
	})
	return p.err
}

// CopyTo copies the payload to dst, returning ErrShortPayload if the stream
// ends before Size bytes have been copied. The copy goes through Read, so
// the deadlines armed by WithTimeouts bound it. The caller remains
// responsible for removing a partially written destination on error and for
// calling Close in all cases.
func (p *Payload) CopyTo(dst io.Writer) (int64, error) {
	n, err := io.Copy(dst, p)
	if err != nil {
		return n, fmt.Errorf("payload: copy: %w", err)
	}
	if n != p.size {
		return n, fmt.Errorf("%w: got %d want %d", ErrShortPayload, n, p.size)
	}
	return n, nil
}
