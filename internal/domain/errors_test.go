package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/averla/gchatstream/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.FailureKind
	}{
		{"nil error", nil, domain.FailureNone},
		{"ErrNetwork", domain.ErrNetwork, domain.FailureNetwork},
		{"ErrSessionInvalid", domain.ErrSessionInvalid, domain.FailureSessionInvalid},
		{"ErrRegistrationFailed", domain.ErrRegistrationFailed, domain.FailureRegistration},
		{"ErrProtocolDecode", domain.ErrProtocolDecode, domain.FailureProtocolDecode},
		{"ErrLifetimeExpired", domain.ErrLifetimeExpired, domain.FailureLifetimeExpired},
		{"ErrAuthFailed", domain.ErrAuthFailed, domain.FailureAuth},
		{"ErrNoCredentials", domain.ErrNoCredentials, domain.FailureAuth},
		{"context.Canceled", context.Canceled, domain.FailureCanceled},
		{"context.DeadlineExceeded", context.DeadlineExceeded, domain.FailureCanceled},
		{"wrapped ErrSessionInvalid", fmt.Errorf("poll: %w", domain.ErrSessionInvalid), domain.FailureSessionInvalid},
		{"wrapped cancel", fmt.Errorf("poll: %w", context.Canceled), domain.FailureCanceled},
		{"unclassified error is network", errors.New("connection reset by peer"), domain.FailureNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.Classify(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"ErrNetwork", domain.ErrNetwork, true},
		{"ErrSessionInvalid", domain.ErrSessionInvalid, true},
		{"ErrRegistrationFailed", domain.ErrRegistrationFailed, true},
		{"ErrProtocolDecode", domain.ErrProtocolDecode, true},
		{"ErrLifetimeExpired", domain.ErrLifetimeExpired, false},
		{"ErrAuthFailed", domain.ErrAuthFailed, false},
		{"context.Canceled", context.Canceled, false},
		{"wrapped ErrNetwork", fmt.Errorf("read: %w", domain.ErrNetwork), true},
		{"random error is retryable (treated as network)", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.IsRetryable(tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsSessionInvalid(t *testing.T) {
	assert.True(t, domain.IsSessionInvalid(domain.ErrSessionInvalid))
	assert.True(t, domain.IsSessionInvalid(fmt.Errorf("http 400: %w", domain.ErrSessionInvalid)))
	assert.False(t, domain.IsSessionInvalid(domain.ErrNetwork))
	assert.False(t, domain.IsSessionInvalid(nil))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"ErrLifetimeExpired", domain.ErrLifetimeExpired, true},
		{"ErrRetriesExhausted", domain.ErrRetriesExhausted, true},
		{"ErrAuthFailed", domain.ErrAuthFailed, true},
		{"ErrNoCredentials", domain.ErrNoCredentials, true},
		{"ErrNetwork", domain.ErrNetwork, false},
		{"ErrSessionInvalid", domain.ErrSessionInvalid, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsFatal(tt.err))
		})
	}
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, domain.IsAuthFailure(domain.ErrAuthFailed))
	assert.True(t, domain.IsAuthFailure(domain.ErrNoCredentials))
	assert.True(t, domain.IsAuthFailure(fmt.Errorf("issue token: %w", domain.ErrAuthFailed)))
	assert.False(t, domain.IsAuthFailure(domain.ErrNetwork))
	assert.False(t, domain.IsAuthFailure(nil))
}

func TestFailureKindString(t *testing.T) {
	tests := []struct {
		kind domain.FailureKind
		want string
	}{
		{domain.FailureNone, "none"},
		{domain.FailureNetwork, "network"},
		{domain.FailureSessionInvalid, "session_invalid"},
		{domain.FailureRegistration, "registration"},
		{domain.FailureProtocolDecode, "protocol_decode"},
		{domain.FailureLifetimeExpired, "lifetime_expired"},
		{domain.FailureAuth, "auth"},
		{domain.FailureCanceled, "canceled"},
		{domain.FailureKind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, domain.IsNotFound(domain.ErrNotFound))
	assert.True(t, domain.IsNotFound(fmt.Errorf("lookup: %w", domain.ErrNotFound)))
	assert.False(t, domain.IsNotFound(domain.ErrUnavailable))
	assert.False(t, domain.IsNotFound(nil))
}
