package auth

import (
	"context"
	"sync"

	"github.com/averla/gchatstream/internal/domain"
)

// RefreshTokenCache stores the long-lived OAuth refresh token between
// runs. Implementations persist it (production) or hold it in memory
// (testing).
type RefreshTokenCache interface {
	// Get returns the stored refresh token, or domain.ErrNotFound when
	// none has been stored yet.
	Get(ctx context.Context) (domain.SecretString, error)

	// Set replaces the stored refresh token.
	Set(ctx context.Context, token domain.SecretString) error
}

// MemoryRefreshTokenCache is a RefreshTokenCache backed by process
// memory. The token is lost on restart.
type MemoryRefreshTokenCache struct {
	mu    sync.RWMutex
	token domain.SecretString
	set   bool
}

// NewMemoryRefreshTokenCache creates an empty cache, optionally seeded
// with an initial token.
func NewMemoryRefreshTokenCache(initial string) *MemoryRefreshTokenCache {
	cache := &MemoryRefreshTokenCache{}
	if initial != "" {
		cache.token = domain.SecretString(initial)
		cache.set = true
	}
	return cache
}

// Get returns the stored refresh token.
func (c *MemoryRefreshTokenCache) Get(context.Context) (domain.SecretString, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return "", domain.ErrNotFound
	}
	return c.token, nil
}

// Set replaces the stored refresh token.
func (c *MemoryRefreshTokenCache) Set(_ context.Context, token domain.SecretString) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.set = true
	return nil
}
