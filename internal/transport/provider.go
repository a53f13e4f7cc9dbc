package transport

import "context"

// LinkProvider is the contract every transport medium implements: open
// sockets, accept inbound connections or discover peers, and produce
// Links. LANProvider is the only implementation shipped; an alternative
// transport (a local relay, an encrypted channel over short-range radio)
// satisfies the same contract and must preserve the same packet framing
// and payload semantics. The Connection Manager and the device registry
// only see the Links a provider produces; cosmicconnect.Core constructs
// and drives the LANProvider itself.
type LinkProvider interface {
	// Start opens the provider's sockets and begins producing Links via
	// whatever callback the concrete provider was configured with. It
	// returns once listening has begun; discovery and accept continue in
	// background goroutines bound to ctx.
	Start(ctx context.Context) error

	// Stop closes the provider's sockets and waits for its background
	// goroutines to exit.
	Stop() error

	// Broadcast emits one discovery announcement, where the medium has a
	// concept of one (UDP broadcast for LAN). Providers without a
	// broadcast concept may no-op.
	Broadcast() error
}

var _ LinkProvider = (*LANProvider)(nil)
