// Package identity implements the persistent device identity and
// certificate/trust store. Exactly one local identity exists over
// the lifetime of an installation; peer certificates and trust flags are
// tracked per remote device id.
package identity

import "errors"

// ErrNotFound is returned when a peer certificate or trust flag is queried
// for a device id that has no stored record.
var ErrNotFound = errors.New("identity: not found")

// ErrCertificateExpired reports that the persisted local certificate's
// validity window has already lapsed or has not yet started. GetOrCreateLocal
// treats it as a reason to regenerate the local identity rather than
// returning it; peer certificates are not checked against their validity
// window.
var ErrCertificateExpired = errors.New("identity: certificate outside validity window")

// Local is this installation's one certificate and private key.
type Local struct {
	DeviceID    string
	CertPEM     []byte
	KeyPEM      []byte
	Fingerprint string
}

// Peer is a remote device's certificate record, as captured at a prior TLS
// handshake. A Peer record never carries private key material.
type Peer struct {
	DeviceID    string
	CertPEM     []byte
	Fingerprint string
	Trusted     bool
}

// Store is the identity & key store contract.
type Store interface {
	// GetOrCreateLocal returns the persisted local certificate for
	// deviceID, generating and persisting a new self-signed one if none
	// exists, or if the existing one's common name no longer matches
	// deviceID, or it falls outside its validity window. Regeneration
	// revokes all prior peer trust (RevokeAllPeerTrust is called as part
	// of this operation).
	GetOrCreateLocal(deviceID string) (*Local, error)

	// GetPeerCertificate returns the stored certificate for peerID, or
	// ErrNotFound.
	GetPeerCertificate(peerID string) (*Peer, error)

	// PutPeerCertificate stores certPEM for peerID, computing its
	// fingerprint. Trust is left unchanged by this call.
	PutPeerCertificate(peerID string, certPEM []byte) (*Peer, error)

	// DeletePeerCertificate removes any stored certificate and trust flag
	// for peerID. It is not an error if none exists.
	DeletePeerCertificate(peerID string) error

	// MarkTrusted sets the trust flag for peerID. The peer certificate
	// must already be stored (via PutPeerCertificate); MarkTrusted returns
	// ErrNotFound otherwise.
	MarkTrusted(peerID string) error

	// UnmarkTrusted clears the trust flag for peerID without deleting the
	// stored certificate.
	UnmarkTrusted(peerID string) error

	// IsTrusted reports whether peerID currently carries the trust flag.
	IsTrusted(peerID string) (bool, error)

	// RevokeAllPeerTrust clears every stored peer certificate and trust
	// flag. Called automatically by GetOrCreateLocal on regeneration, and
	// available directly for an operator-triggered "forget all peers".
	RevokeAllPeerTrust() error
}

// Fingerprint returns the lowercase, colon-separated hex SHA-256 digest of
// the DER-encoded certificate bytes, e.g. "ab:cd:ef:...".
func Fingerprint(derOrPEM []byte) (string, error) {
	return fingerprintDER(derOrPEM)
}
