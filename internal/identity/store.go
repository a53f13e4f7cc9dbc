package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
)

// FileStore is the on-disk Store implementation: one local identity under
// <root>/identity, and one directory per known peer under <root>/peers.
//
// Writes are serialized by mu, a plain sync.RWMutex; reads may run
// concurrently with each other, never with a write.
type FileStore struct {
	mu        sync.RWMutex
	root      string
	protector KeyProtector
	log       logr.Logger
}

// NewFileStore returns a Store rooted at root (created if missing),
// protecting the local private key at rest with protector.
func NewFileStore(root string, protector KeyProtector, log logr.Logger) (*FileStore, error) {
	if protector == nil {
		protector = NoopProtector{}
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("identity: mkdir %s: %w", root, err)
	}
	return &FileStore{root: root, protector: protector, log: log}, nil
}

func (s *FileStore) identityDir() string { return filepath.Join(s.root, "identity") }
func (s *FileStore) certPath() string    { return filepath.Join(s.identityDir(), "cert.pem") }
func (s *FileStore) keyPath() string     { return filepath.Join(s.identityDir(), "key.pem.enc") }
func (s *FileStore) peerDir(peerID string) string {
	return filepath.Join(s.root, "peers", sanitizeID(peerID))
}
func (s *FileStore) peerCertPath(peerID string) string {
	return filepath.Join(s.peerDir(peerID), "cert.pem")
}
func (s *FileStore) peerTrustPath(peerID string) string {
	return filepath.Join(s.peerDir(peerID), "trusted")
}

// sanitizeID keeps a device id from ever being interpreted as a path
// component that escapes the peers directory.
func sanitizeID(id string) string {
	return filepath.Base(filepath.Clean(string(filepath.Separator) + id))
}

func (s *FileStore) GetOrCreateLocal(deviceID string) (*Local, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	certPEM, certErr := os.ReadFile(s.certPath())
	encKeyPEM, keyErr := os.ReadFile(s.keyPath())

	if certErr == nil && keyErr == nil {
		if valErr := validateLocal(deviceID, certPEM); valErr == nil {
			keyPEM, err := s.protector.Unprotect(encKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("identity: unprotect local key: %w", err)
			}
			fp, err := fingerprintDER(certPEM)
			if err != nil {
				return nil, err
			}
			return &Local{DeviceID: deviceID, CertPEM: certPEM, KeyPEM: keyPEM, Fingerprint: fp}, nil
		} else {
			s.log.Info("local certificate invalid, regenerating", "reason", valErr)
		}
	}

	local, err := generateSelfSigned(deviceID)
	if err != nil {
		return nil, err
	}

	encKey, err := s.protector.Protect(local.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("identity: protect local key: %w", err)
	}
	if err := writeFileAtomic(s.certPath(), local.CertPEM, 0o644); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.keyPath(), encKey, 0o600); err != nil {
		return nil, err
	}

	// Regeneration invalidates every peer's trust: the new certificate has
	// a new fingerprint that no past pairing negotiated against.
	if err := s.revokeAllPeerTrustLocked(); err != nil {
		return nil, fmt.Errorf("identity: revoke peer trust after regeneration: %w", err)
	}

	return local, nil
}

func (s *FileStore) GetPeerCertificate(peerID string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPeerCertificateLocked(peerID)
}

func (s *FileStore) getPeerCertificateLocked(peerID string) (*Peer, error) {
	certPEM, err := os.ReadFile(s.peerCertPath(peerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: read peer cert: %w", err)
	}
	fp, err := fingerprintDER(certPEM)
	if err != nil {
		return nil, err
	}
	trusted, err := s.isTrustedLocked(peerID)
	if err != nil {
		return nil, err
	}
	return &Peer{DeviceID: peerID, CertPEM: certPEM, Fingerprint: fp, Trusted: trusted}, nil
}

func (s *FileStore) PutPeerCertificate(peerID string, certPEM []byte) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, err := fingerprintDER(certPEM)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.peerCertPath(peerID), certPEM, 0o644); err != nil {
		return nil, err
	}
	trusted, err := s.isTrustedLocked(peerID)
	if err != nil {
		return nil, err
	}
	return &Peer{DeviceID: peerID, CertPEM: certPEM, Fingerprint: fp, Trusted: trusted}, nil
}

func (s *FileStore) DeletePeerCertificate(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.peerDir(peerID)); err != nil {
		return fmt.Errorf("identity: delete peer %s: %w", peerID, err)
	}
	return nil
}

func (s *FileStore) MarkTrusted(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.peerCertPath(peerID)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("identity: stat peer cert: %w", err)
	}
	return writeFileAtomic(s.peerTrustPath(peerID), []byte("true"), 0o644)
}

func (s *FileStore) UnmarkTrusted(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.peerTrustPath(peerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("identity: unmark trusted: %w", err)
	}
	return nil
}

func (s *FileStore) IsTrusted(peerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isTrustedLocked(peerID)
}

func (s *FileStore) isTrustedLocked(peerID string) (bool, error) {
	_, err := os.Stat(s.peerTrustPath(peerID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("identity: stat trust flag: %w", err)
}

func (s *FileStore) RevokeAllPeerTrust() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeAllPeerTrustLocked()
}

func (s *FileStore) revokeAllPeerTrustLocked() error {
	peersDir := filepath.Join(s.root, "peers")
	if err := os.RemoveAll(peersDir); err != nil {
		return fmt.Errorf("identity: clear peers: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
