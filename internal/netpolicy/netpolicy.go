// Package netpolicy implements the trusted-network predicate: whether
// discovery and inbound connection acceptance are permitted on the host's
// current network.
package netpolicy

import "sync"

// Policy decides whether the current network identity is trusted. It is
// consulted by the LAN link provider before broadcasting, before handling
// an inbound UDP identity packet, and before accepting an inbound TCP
// connection.
type Policy struct {
	mu sync.RWMutex

	trustAllNetworks bool
	trustedSet       map[string]struct{}

	// currentIdentity is the host's current network identity (e.g. SSID or
	// gateway MAC), set externally as the host roams. Empty means unknown.
	currentIdentity string
}

// Config seeds a Policy's initial configuration.
type Config struct {
	TrustAllNetworks bool
	TrustedSet       []string
}

// New constructs a Policy from cfg. The current network identity starts
// unset; call SetCurrentIdentity once the host reports one.
func New(cfg Config) *Policy {
	set := make(map[string]struct{}, len(cfg.TrustedSet))
	for _, id := range cfg.TrustedSet {
		set[id] = struct{}{}
	}
	return &Policy{
		trustAllNetworks: cfg.TrustAllNetworks,
		trustedSet:       set,
	}
}

// SetCurrentIdentity updates the network identity the policy evaluates
// Allowed against. Pass an empty string when the host cannot currently
// determine one.
func (p *Policy) SetCurrentIdentity(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentIdentity = identity
}

// SetTrustAllNetworks toggles the trust-all-networks override.
func (p *Policy) SetTrustAllNetworks(trust bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trustAllNetworks = trust
}

// AddTrusted adds identity to the trusted set.
func (p *Policy) AddTrusted(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trustedSet[identity] = struct{}{}
}

// RemoveTrusted removes identity from the trusted set.
func (p *Policy) RemoveTrusted(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trustedSet, identity)
}

// TrustedSet returns a snapshot of the trusted identity set.
func (p *Policy) TrustedSet() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.trustedSet))
	for id := range p.trustedSet {
		out = append(out, id)
	}
	return out
}

// Allowed reports whether discovery and inbound connection handling are
// currently permitted: true iff trust-all-networks is set, or the current
// network identity is a member of the trusted set. An unknown current
// identity (never set) is never a member of the trusted set, so Allowed is
// false for it unless trust-all-networks is set.
func (p *Policy) Allowed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.trustAllNetworks {
		return true
	}
	_, ok := p.trustedSet[p.currentIdentity]
	return ok
}
