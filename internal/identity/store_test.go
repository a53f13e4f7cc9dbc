package identity

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), NewScryptProtector([]byte("test-passphrase")), logr.Discard())
	require.NoError(t, err)
	return s
}

func TestGetOrCreateLocalGeneratesOnce(t *testing.T) {
	s := newTestStore(t)

	first, err := s.GetOrCreateLocal("device-a")
	require.NoError(t, err)
	assert.Equal(t, "device-a", first.DeviceID)
	assert.NotEmpty(t, first.CertPEM)
	assert.NotEmpty(t, first.KeyPEM)
	assert.NotEmpty(t, first.Fingerprint)

	second, err := s.GetOrCreateLocal("device-a")
	require.NoError(t, err)
	assert.Equal(t, first.CertPEM, second.CertPEM)
	assert.Equal(t, first.KeyPEM, second.KeyPEM)
}

func TestGetOrCreateLocalRegeneratesOnDeviceIDChange(t *testing.T) {
	s := newTestStore(t)

	first, err := s.GetOrCreateLocal("device-a")
	require.NoError(t, err)

	second, err := s.GetOrCreateLocal("device-b")
	require.NoError(t, err)
	assert.NotEqual(t, first.CertPEM, second.CertPEM)
	assert.Equal(t, "device-b", second.DeviceID)
}

func TestRegenerationRevokesAllPeerTrust(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateLocal("device-a")
	require.NoError(t, err)

	peerCert, err := generateSelfSigned("peer-1")
	require.NoError(t, err)
	_, err = s.PutPeerCertificate("peer-1", peerCert.CertPEM)
	require.NoError(t, err)
	require.NoError(t, s.MarkTrusted("peer-1"))

	trusted, err := s.IsTrusted("peer-1")
	require.NoError(t, err)
	assert.True(t, trusted)

	// Regeneration: different device id forces a fresh certificate.
	_, err = s.GetOrCreateLocal("device-b")
	require.NoError(t, err)

	_, err = s.GetPeerCertificate("peer-1")
	assert.ErrorIs(t, err, ErrNotFound)
	trusted, err = s.IsTrusted("peer-1")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestPeerCertificateLifecycle(t *testing.T) {
	s := newTestStore(t)
	peerCert, err := generateSelfSigned("peer-1")
	require.NoError(t, err)

	_, err = s.GetPeerCertificate("peer-1")
	assert.ErrorIs(t, err, ErrNotFound)

	stored, err := s.PutPeerCertificate("peer-1", peerCert.CertPEM)
	require.NoError(t, err)
	assert.False(t, stored.Trusted)

	err = s.MarkTrusted("peer-1")
	require.NoError(t, err)

	got, err := s.GetPeerCertificate("peer-1")
	require.NoError(t, err)
	assert.True(t, got.Trusted)
	assert.Equal(t, stored.Fingerprint, got.Fingerprint)

	require.NoError(t, s.UnmarkTrusted("peer-1"))
	got, err = s.GetPeerCertificate("peer-1")
	require.NoError(t, err)
	assert.False(t, got.Trusted)

	require.NoError(t, s.DeletePeerCertificate("peer-1"))
	_, err = s.GetPeerCertificate("peer-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkTrustedRequiresStoredCertificate(t *testing.T) {
	s := newTestStore(t)
	err := s.MarkTrusted("no-such-peer")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFingerprintFormat(t *testing.T) {
	local, err := generateSelfSigned("device-a")
	require.NoError(t, err)
	fp, err := Fingerprint(local.CertPEM)
	require.NoError(t, err)
	assert.Len(t, fp, 32*3-1) // 32 bytes, colon-separated hex
}

func TestScryptProtectorRoundTrip(t *testing.T) {
	p := NewScryptProtector([]byte("passphrase"))
	plaintext := []byte("super secret private key bytes")
	ciphertext, err := p.Protect(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := p.Unprotect(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = p.Unprotect([]byte("not valid ciphertext"))
	assert.Error(t, err)
}
