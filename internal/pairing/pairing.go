// Package pairing implements the pair state machine defined per (local,
// peer) ordered pair: unpaired, request-sent, request-received, and
// paired, with a deadline on each of the two in-flight states.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
)

// State is one position in the pair automaton.
type State int

const (
	StateUnpaired State = iota
	StateRequestSent
	StateRequestReceived
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateRequestSent:
		return "request-sent"
	case StateRequestReceived:
		return "request-received"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when an operation is attempted from a state
// that does not permit it (e.g. Accept when not request-received).
var ErrWrongState = errors.New("pairing: operation not valid in current state")

// ErrIdentityMismatch is returned by HandlePairPacket when the fingerprint
// of the certificate presented on the link in use does not match the one
// already on file for the peer.
var ErrIdentityMismatch = errors.New("pairing: peer identity mismatch")

// ErrTimeout names a pair request whose deadline lapsed before the other
// side responded. The Manager itself reports a lapsed deadline through
// Config.OnTimeout, which receives only the peer id, and does not return
// this error.
var ErrTimeout = errors.New("pairing: request timed out")

// SendPairFunc sends a pair packet to peerID over whatever link is
// currently in use for that peer.
type SendPairFunc func(peerID string, pair bool) error

// Config configures a Machine.
type Config struct {
	Identity identity.Store
	SendPair SendPairFunc
	// Deadline bounds how long request-sent and request-received may
	// remain unresolved; recommended 30s, configurable.
	Deadline time.Duration
	// OnStateChange is invoked after every transition, old != new.
	OnStateChange func(peerID string, old, new State)
	// OnTimeout is invoked when a deadline lapses, after the forced
	// transition back to unpaired.
	OnTimeout func(peerID string)
	Log       logr.Logger
}

// Machine tracks the pair state of every peer this installation has ever
// exchanged a pair packet or pairing request with. One Machine instance
// serves the whole daemon; state is keyed by peer device id.
type Machine struct {
	cfg Config
	log logr.Logger

	mu     sync.Mutex
	states map[string]State

	// deadlines is a sync.Map of cancelFuncs keyed by peer id: starting a
	// new deadline for a peer replaces, rather than stacks atop, any timer
	// already running for that peer.
	deadlines sync.Map // map[string]context.CancelFunc
}

// NewMachine returns a Machine with cfg's deadline defaulting to 30s.
func NewMachine(cfg Config) *Machine {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Machine{cfg: cfg, log: log, states: make(map[string]State)}
}

// State returns peerID's current state, StateUnpaired if never seen.
func (m *Machine) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[peerID]
}

func (m *Machine) setState(peerID string, s State) {
	m.mu.Lock()
	old := m.states[peerID]
	m.states[peerID] = s
	m.mu.Unlock()
	if old != s && m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, old, s)
	}
}

func (m *Machine) startDeadline(peerID string) {
	if old, loaded := m.deadlines.LoadAndDelete(peerID); loaded {
		old.(context.CancelFunc)()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.deadlines.Store(peerID, cancel)
	go func() {
		timer := time.NewTimer(m.cfg.Deadline)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.deadlines.Delete(peerID)
			m.onDeadlineExpired(peerID)
		}
	}()
}

func (m *Machine) cancelDeadline(peerID string) {
	if cancel, loaded := m.deadlines.LoadAndDelete(peerID); loaded {
		cancel.(context.CancelFunc)()
	}
}

func (m *Machine) onDeadlineExpired(peerID string) {
	m.mu.Lock()
	cur := m.states[peerID]
	if cur != StateRequestSent && cur != StateRequestReceived {
		m.mu.Unlock()
		return
	}
	m.states[peerID] = StateUnpaired
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, cur, StateUnpaired)
	}
	m.log.Info("pairing deadline expired", "peer", peerID, "from", cur)
	if m.cfg.OnTimeout != nil {
		m.cfg.OnTimeout(peerID)
	}
}

// RequestPair initiates pairing with peerID. It is rejected with
// ErrWrongState if peerID is currently in request-received — a request
// already received takes the local accept/reject path instead of sending a
// fresh one — or already paired.
func (m *Machine) RequestPair(peerID string) error {
	m.mu.Lock()
	cur := m.states[peerID]
	if cur != StateUnpaired {
		m.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrWrongState, peerID, cur)
	}
	m.states[peerID] = StateRequestSent
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, cur, StateRequestSent)
	}
	m.startDeadline(peerID)
	if err := m.cfg.SendPair(peerID, true); err != nil {
		return fmt.Errorf("pairing: send pair request: %w", err)
	}
	return nil
}

// Accept completes pairing from request-received, sending pair{true} and
// marking the peer's on-file certificate trusted.
func (m *Machine) Accept(peerID string) error {
	m.mu.Lock()
	cur := m.states[peerID]
	if cur != StateRequestReceived {
		m.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrWrongState, peerID, cur)
	}
	m.states[peerID] = StatePaired
	m.mu.Unlock()

	m.cancelDeadline(peerID)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, cur, StatePaired)
	}
	if err := m.cfg.Identity.MarkTrusted(peerID); err != nil {
		return fmt.Errorf("pairing: mark trusted: %w", err)
	}
	if err := m.cfg.SendPair(peerID, true); err != nil {
		return fmt.Errorf("pairing: send pair accept: %w", err)
	}
	return nil
}

// Reject refuses pairing from request-received, sending pair{false}.
func (m *Machine) Reject(peerID string) error {
	m.mu.Lock()
	cur := m.states[peerID]
	if cur != StateRequestReceived {
		m.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrWrongState, peerID, cur)
	}
	m.states[peerID] = StateUnpaired
	m.mu.Unlock()

	m.cancelDeadline(peerID)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, cur, StateUnpaired)
	}
	return m.cfg.SendPair(peerID, false)
}

// Unpair ends an existing pairing, sending pair{false} and discarding the
// peer's trust and stored certificate.
func (m *Machine) Unpair(peerID string) error {
	m.mu.Lock()
	cur := m.states[peerID]
	if cur != StatePaired {
		m.mu.Unlock()
		return fmt.Errorf("%w: peer %s is %s", ErrWrongState, peerID, cur)
	}
	m.states[peerID] = StateUnpaired
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(peerID, cur, StateUnpaired)
	}
	if err := m.forgetPeer(peerID); err != nil {
		return err
	}
	return m.cfg.SendPair(peerID, false)
}

func (m *Machine) forgetPeer(peerID string) error {
	if err := m.cfg.Identity.UnmarkTrusted(peerID); err != nil {
		return fmt.Errorf("pairing: unmark trusted: %w", err)
	}
	if err := m.cfg.Identity.DeletePeerCertificate(peerID); err != nil {
		return fmt.Errorf("pairing: delete peer certificate: %w", err)
	}
	return nil
}

// HandlePairPacket processes an inbound pair packet from peerID, whose
// link's TLS session currently presents a certificate fingerprinting to
// presentedFingerprint. It enforces that a pair packet can only be trusted
// when that fingerprint agrees with whatever certificate is already on
// file for peerID — a mismatch, closing the link, is this machine's
// caller's responsibility, signaled by ErrIdentityMismatch.
func (m *Machine) HandlePairPacket(peerID string, pair bool, presentedFingerprint string) error {
	if stored, err := m.cfg.Identity.GetPeerCertificate(peerID); err == nil {
		if stored.Fingerprint != presentedFingerprint {
			return ErrIdentityMismatch
		}
	} else if !errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("pairing: load stored peer certificate: %w", err)
	}

	m.mu.Lock()
	cur := m.states[peerID]
	m.mu.Unlock()

	switch cur {
	case StateUnpaired:
		if !pair {
			return nil
		}
		m.setState(peerID, StateRequestReceived)
		m.startDeadline(peerID)
		return nil

	case StateRequestSent:
		m.cancelDeadline(peerID)
		if pair {
			m.setState(peerID, StatePaired)
			return m.cfg.Identity.MarkTrusted(peerID)
		}
		m.setState(peerID, StateUnpaired)
		return nil

	case StateRequestReceived:
		// A peer may re-send pair{true} while we are still deciding; that
		// is not itself a transition. pair{false} withdraws the request.
		if !pair {
			m.cancelDeadline(peerID)
			m.setState(peerID, StateUnpaired)
		}
		return nil

	case StatePaired:
		if !pair {
			m.setState(peerID, StateUnpaired)
			return m.forgetPeer(peerID)
		}
		return nil

	default:
		return fmt.Errorf("pairing: unknown state %v for peer %s", cur, peerID)
	}
}

// Shutdown cancels every in-flight deadline timer. Call once when the
// daemon is stopping.
func (m *Machine) Shutdown() {
	m.deadlines.Range(func(key, value any) bool {
		value.(context.CancelFunc)()
		m.deadlines.Delete(key)
		return true
	})
}
