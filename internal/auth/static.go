package auth

import (
	"context"

	"github.com/averla/gchatstream/internal/domain"
)

// StaticTokenSource returns a fixed token. Useful for tests and for
// short-lived tooling holding a pre-fetched token.
type StaticTokenSource struct {
	token domain.SecretString
}

// NewStaticTokenSource creates a StaticTokenSource for token.
func NewStaticTokenSource(token string) StaticTokenSource {
	return StaticTokenSource{token: domain.SecretString(token)}
}

// Token returns the fixed token.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s.token.IsEmpty() {
		return "", domain.ErrNoCredentials
	}
	return s.token.Expose(), nil
}
