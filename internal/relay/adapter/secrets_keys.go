package adapter

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/averla/gchatstream/internal/auth"
)

// keySecretsManager is the narrow, consumer-defined interface for the
// Secrets Manager read the key loader needs.
type keySecretsManager interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Compile-time check: KeyLoader implements auth.KeyStore.
var _ auth.KeyStore = (*KeyLoader)(nil)

// serviceAccountKey is the JSON credential shape Google issues for a
// service account.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// KeyLoader implements auth.KeyStore by loading a service account JSON
// credential from AWS Secrets Manager. The credential is eagerly loaded
// at construction time: a relay configured for workload identity must
// not start without a signing key. The loaded key is immutable; key
// rotation is a restart.
type KeyLoader struct {
	privateKey *rsa.PrivateKey
	keyID      string
	email      string
	tokenURL   string
}

// NewKeyLoader fetches and parses the service account credential stored
// under secretID.
func NewKeyLoader(ctx context.Context, sm keySecretsManager, secretID string) (*KeyLoader, error) {
	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching service account key %q: %w", secretID, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("service account key %q has no secret string", secretID)
	}

	var key serviceAccountKey
	if err := json.Unmarshal([]byte(*out.SecretString), &key); err != nil {
		return nil, fmt.Errorf("parsing service account key %q: %w", secretID, err)
	}
	if key.Type != "service_account" {
		return nil, fmt.Errorf("secret %q is not a service account key (type %q)", secretID, key.Type)
	}
	if key.ClientEmail == "" {
		return nil, fmt.Errorf("service account key %q has no client email", secretID)
	}

	privateKey, err := parseRSAPrivateKey(key.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing private key for %q: %w", key.ClientEmail, err)
	}

	return &KeyLoader{
		privateKey: privateKey,
		keyID:      key.PrivateKeyID,
		email:      key.ClientEmail,
		tokenURL:   key.TokenURI,
	}, nil
}

// SigningKey returns the account's private signing key and its key ID.
func (l *KeyLoader) SigningKey() (*rsa.PrivateKey, string, error) {
	return l.privateKey, l.keyID, nil
}

// Email returns the service account identity, the assertion issuer.
func (l *KeyLoader) Email() string { return l.email }

// TokenURL returns the token endpoint named in the credential, or the
// empty string when the credential does not carry one.
func (l *KeyLoader) TokenURL() string { return l.tokenURL }

// parseRSAPrivateKey parses a PEM-encoded RSA private key. Google
// issues PKCS#8 (PRIVATE KEY) blocks; PKCS#1 (RSA PRIVATE KEY) is
// accepted for hand-rolled keys.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 private key: %w", err)
		}
		return key, nil
	}

	keyIface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 private key: %w", err)
	}

	rsaKey, ok := keyIface.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is not RSA (got %T)", keyIface)
	}
	return rsaKey, nil
}
