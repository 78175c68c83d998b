package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/averla/gchatstream/internal/domain"
)

const (
	// DefaultServiceAccountTokenURL is Google's OAuth token endpoint
	// for JWT bearer grants.
	DefaultServiceAccountTokenURL = "https://oauth2.googleapis.com/token"

	jwtBearerGrantType   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime    = time.Hour
	chatServiceScope     = "https://www.googleapis.com/auth/chat.bot"
	dynamiteServiceScope = "https://www.googleapis.com/auth/dynamite"
)

// DefaultServiceAccountScopes cover the chat surfaces a workload
// identity needs.
var DefaultServiceAccountScopes = []string{chatServiceScope, dynamiteServiceScope}

// assertionClaims is the JWT claim set of a service account grant
// assertion.
type assertionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ServiceAccountSource mints RS256 grant assertions from a service
// account key and trades them for access tokens. This is the
// workload-identity alternative to the user refresh-token chain.
type ServiceAccountSource struct {
	email    string
	scopes   []string
	keyStore KeyStore
	tokenURL string
	client   *http.Client
	clock    domain.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	token  domain.SecretString
	expiry time.Time
}

// ServiceAccountConfig holds the dependencies for a
// ServiceAccountSource.
type ServiceAccountConfig struct {
	// Email is the service account identity, the assertion issuer.
	Email string

	// Scopes requested on the minted token. Defaults to
	// DefaultServiceAccountScopes.
	Scopes []string

	// KeyStore supplies the account's private signing key.
	KeyStore KeyStore

	// TokenURL overrides DefaultServiceAccountTokenURL.
	TokenURL string

	HTTPClient *http.Client
	Clock      domain.Clock
	Logger     *slog.Logger
}

// NewServiceAccountSource creates a ServiceAccountSource from cfg.
func NewServiceAccountSource(cfg ServiceAccountConfig) (*ServiceAccountSource, error) {
	if cfg.Email == "" {
		return nil, fmt.Errorf("%w: service account email", domain.ErrConfigRequired)
	}
	if cfg.KeyStore == nil {
		return nil, fmt.Errorf("%w: service account key store", domain.ErrConfigRequired)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultServiceAccountScopes
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultServiceAccountTokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: domain.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ServiceAccountSource{
		email:    cfg.Email,
		scopes:   scopes,
		keyStore: cfg.KeyStore,
		tokenURL: tokenURL,
		client:   client,
		clock:    cfg.Clock,
		logger:   logger,
	}, nil
}

// Token returns a valid access token, minting a new assertion when the
// cached token has expired.
func (s *ServiceAccountSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.expiry.IsZero() && s.clock.Now().Before(s.expiry) {
		return s.token.Expose(), nil
	}

	assertion, err := s.mintAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", managerUserAgent)

	res, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: grant request failed: %v", domain.ErrAuthFailed, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read grant response: %v", domain.ErrAuthFailed, err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: grant returned %s", domain.ErrAuthFailed, res.Status)
	}

	var grant tokenResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", fmt.Errorf("%w: grant response: %v", domain.ErrAuthFailed, err)
	}
	if grant.Error != "" {
		return "", fmt.Errorf("%w: grant error: %s", domain.ErrAuthFailed, grant.Error)
	}
	if grant.AccessToken == "" {
		return "", fmt.Errorf("%w: grant carried no access token", domain.ErrAuthFailed)
	}
	expiresIn, err := grant.ExpiresIn.Int64()
	if err != nil {
		return "", fmt.Errorf("%w: grant expiry: %v", domain.ErrAuthFailed, err)
	}

	s.token = domain.SecretString(grant.AccessToken)
	s.expiry = s.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	s.logger.DebugContext(ctx, "minted service account token",
		slog.String("email", s.email),
		slog.Time("expires_at", s.expiry))
	return s.token.Expose(), nil
}

// mintAssertion builds and signs the grant assertion. The caller must
// hold s.mu.
func (s *ServiceAccountSource) mintAssertion() (string, error) {
	privateKey, keyID, err := s.keyStore.SigningKey()
	if err != nil {
		return "", fmt.Errorf("get signing key: %w", err)
	}

	now := s.clock.Now().UTC()
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.email,
			Audience:  jwt.ClaimStrings{s.tokenURL},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		},
		Scope: strings.Join(s.scopes, " "),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
	if keyID != "" {
		token.Header["kid"] = keyID
	}

	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}
