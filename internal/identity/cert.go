package identity

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// organizationalUnit is stamped into every self-signed certificate this
// store generates.
const organizationalUnit = "COSMIC Connect"

// certValidityStart and certValidityDuration implement the "validity
// starting one day in the past and lasting ten years".
const (
	certValidityStart    = -24 * time.Hour
	certValidityDuration = 10 * 365 * 24 * time.Hour
)

// generateSelfSigned creates a new ECDSA P-256 self-signed certificate
// whose common name is deviceID, encoded as PEM.
func generateSelfSigned(deviceID string) (*Local, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("identity: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			OrganizationalUnit: []string{organizationalUnit},
		},
		NotBefore:             now.Add(certValidityStart),
		NotAfter:              now.Add(certValidityStart + certValidityDuration),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	fp, err := fingerprintDER(der)
	if err != nil {
		return nil, err
	}

	return &Local{
		DeviceID:    deviceID,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Fingerprint: fp,
	}, nil
}

// parseCertificatePEM parses the first CERTIFICATE block in certPEM.
func parseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("identity: no CERTIFICATE PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	return cert, nil
}

// validateLocal checks the invariant that a persisted local certificate's
// common name still matches deviceID and that it is within its validity
// window "now".
func validateLocal(deviceID string, certPEM []byte) error {
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	if cert.Subject.CommonName != deviceID {
		return fmt.Errorf("identity: certificate CN %q does not match device id %q", cert.Subject.CommonName, deviceID)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: valid %s..%s", ErrCertificateExpired, cert.NotBefore, cert.NotAfter)
	}
	return nil
}

// fingerprintDER returns the lowercase, colon-separated hex SHA-256 digest
// of a DER-encoded certificate. If der looks like PEM instead, it is
// decoded first so callers may pass either form.
func fingerprintDER(der []byte) (string, error) {
	if bytes.HasPrefix(bytes.TrimSpace(der), []byte("-----BEGIN")) {
		cert, err := parseCertificatePEM(der)
		if err != nil {
			return "", err
		}
		der = cert.Raw
	}
	sum := sha256.Sum256(der)
	var buf bytes.Buffer
	for i, b := range sum {
		if i > 0 {
			buf.WriteByte(':')
		}
		fmt.Fprintf(&buf, "%02x", b)
	}
	return buf.String(), nil
}
