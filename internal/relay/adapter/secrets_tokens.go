package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/averla/gchatstream/internal/auth"
	"github.com/averla/gchatstream/internal/domain"
)

// tokenSecretsManager is the narrow, consumer-defined interface for the
// Secrets Manager operations the token cache needs.
type tokenSecretsManager interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// Compile-time check: TokenCache satisfies auth.RefreshTokenCache.
var _ auth.RefreshTokenCache = (*TokenCache)(nil)

// TokenCache stores the OAuth refresh token in AWS Secrets Manager so a
// restarted relay resumes without a new browser authorization. Each
// rotation overwrites the current secret version.
type TokenCache struct {
	sm       tokenSecretsManager
	secretID string
}

// NewTokenCache creates a TokenCache persisting under secretID.
func NewTokenCache(sm tokenSecretsManager, secretID string) *TokenCache {
	return &TokenCache{sm: sm, secretID: secretID}
}

// Get returns the stored refresh token, or domain.ErrNotFound when the
// secret does not exist yet.
func (c *TokenCache) Get(ctx context.Context) (domain.SecretString, error) {
	ctx, span := tracer.Start(ctx, "secrets.tokens.get")
	defer span.End()
	span.SetAttributes(attribute.String("aws.secret_id", c.secretID))

	out, err := c.sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.secretID),
	})
	if err != nil {
		if isSecretNotFound(err) {
			return "", fmt.Errorf("token cache: get: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("token cache: get: %w", err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("token cache: get: %w", domain.ErrNotFound)
	}

	return domain.SecretString(*out.SecretString), nil
}

// Set replaces the stored refresh token, creating the secret on first
// use.
func (c *TokenCache) Set(ctx context.Context, token domain.SecretString) error {
	ctx, span := tracer.Start(ctx, "secrets.tokens.set")
	defer span.End()
	span.SetAttributes(attribute.String("aws.secret_id", c.secretID))

	_, err := c.sm.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(c.secretID),
		SecretString: aws.String(token.Expose()),
	})
	if err == nil {
		return nil
	}
	if !isSecretNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("token cache: set: %w", err)
	}

	if _, err := c.sm.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(c.secretID),
		SecretString: aws.String(token.Expose()),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("token cache: create: %w", err)
	}

	return nil
}

// isSecretNotFound reports whether err is the Secrets Manager
// ResourceNotFoundException.
func isSecretNotFound(err error) bool {
	var rnf *smtypes.ResourceNotFoundException
	return errors.As(err, &rnf)
}
