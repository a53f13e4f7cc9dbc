package connection

import (
	"crypto/x509"

	"github.com/cosmic-connect/cosmic-connectd/internal/identity"
)

func certFingerprint(cert *x509.Certificate) (string, error) {
	return identity.Fingerprint(cert.Raw)
}
