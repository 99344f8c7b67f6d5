package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore holds per-endpoint invocation keys. Only bcrypt hashes are kept;
// the plaintext key is returned once at issue time.
type KeyStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{hashes: make(map[string][]byte)}
}

// IssueKey generates a fresh key for endpoint, replacing any previous one.
func (k *KeyStore) IssueKey(endpoint string) (string, error) {
	key := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}

	k.mu.Lock()
	k.hashes[endpoint] = hash
	k.mu.Unlock()
	return key, nil
}

// Verify reports whether key is the current invocation key for endpoint.
func (k *KeyStore) Verify(endpoint, key string) bool {
	k.mu.RLock()
	hash, ok := k.hashes[endpoint]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil
}

// Revoke drops the key for endpoint.
func (k *KeyStore) Revoke(endpoint string) {
	k.mu.Lock()
	delete(k.hashes, endpoint)
	k.mu.Unlock()
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
