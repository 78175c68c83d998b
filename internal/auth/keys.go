package auth

import (
	"crypto/rsa"
	"fmt"
	"sync"
)

// KeyStore provides the service account signing key used for JWT
// bearer grants. Implementations load the key from Secrets Manager
// (production) or hold it in memory (testing).
type KeyStore interface {
	// SigningKey returns the private signing key and its key ID.
	SigningKey() (*rsa.PrivateKey, string, error)
}

// StaticKeyStore is a KeyStore backed by an in-memory key. Use for
// testing only.
type StaticKeyStore struct {
	mu         sync.RWMutex
	privateKey *rsa.PrivateKey
	keyID      string
}

// NewStaticKeyStore creates a StaticKeyStore holding one key pair.
func NewStaticKeyStore(privateKey *rsa.PrivateKey, keyID string) *StaticKeyStore {
	return &StaticKeyStore{
		privateKey: privateKey,
		keyID:      keyID,
	}
}

// SigningKey returns the private signing key and its key ID.
func (s *StaticKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.privateKey == nil {
		return nil, "", fmt.Errorf("no signing key available")
	}
	return s.privateKey, s.keyID, nil
}

// Rotate replaces the key pair, for testing rotation scenarios.
func (s *StaticKeyStore) Rotate(privateKey *rsa.PrivateKey, keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = privateKey
	s.keyID = keyID
}
