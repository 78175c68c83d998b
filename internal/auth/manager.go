package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/averla/gchatstream/internal/domain"
)

// Google whitelists the private chat scope for a handful of first-party
// clients. These credentials identify the client the upstream service
// expects, so the bridge appears to be that client.
const (
	oauth2ClientID     = "936475272427.apps.googleusercontent.com"
	oauth2ClientSecret = "KWsJlkaMn1jGLxQpWxMnOox-"
	oauth2AuthURL      = "https://accounts.google.com/o/oauth2/auth"
	oauth2TokenURL     = "https://accounts.google.com/o/oauth2/token"
	oauth2RedirectURI  = "urn:ietf:wg:oauth:2.0:oob"

	dynamiteTokenURL = "https://oauthaccountmanager.googleapis.com/v1/issuetoken"
	dynamiteAppID    = "com.google.Dynamite"
	dynamiteClientID = "576267593750-sbi1m7khesgfh1e0f2nv5vqlfa4qr72m.apps.googleusercontent.com"
)

var oauth2Scopes = []string{
	"https://www.google.com/accounts/OAuthLogin",
	"https://www.googleapis.com/auth/userinfo.email",
}

var dynamiteScopes = []string{
	"https://www.googleapis.com/auth/dynamite",
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/mobiledevicemanagement",
	"https://www.googleapis.com/auth/notifications",
	"https://www.googleapis.com/auth/supportcontent",
	"https://www.googleapis.com/auth/chat.integration",
	"https://www.googleapis.com/auth/peopleapi.readonly",
}

var managerUserAgent = fmt.Sprintf("gchatstream/0.1.0 (%s %s)", runtime.GOOS, runtime.GOARCH)

// AuthorizationURL returns the consent page a user visits to obtain an
// authorization code for the bridge.
func AuthorizationURL() string {
	query := url.Values{
		"client_id":     {oauth2ClientID},
		"scope":         {strings.Join(oauth2Scopes, " ")},
		"response_type": {"code"},
		"redirect_uri":  {oauth2RedirectURI},
	}
	return oauth2AuthURL + "?" + query.Encode()
}

// TokenManager exchanges a stored refresh token for the short-lived
// token the chat backend accepts. Two tokens are tracked: the OAuth
// access token lives about a day, while the chat token it buys expires
// hourly, so each layer refreshes independently.
type TokenManager struct {
	client *http.Client
	cache  RefreshTokenCache
	clock  domain.Clock
	logger *slog.Logger

	mu             sync.Mutex
	accessToken    domain.SecretString
	oauthExpiry    time.Time
	dynamiteToken  domain.SecretString
	dynamiteExpiry time.Time
}

// TokenManagerConfig holds the dependencies for a TokenManager.
type TokenManagerConfig struct {
	Cache RefreshTokenCache
	Clock domain.Clock

	// HTTPClient overrides the default client. The token endpoints sit
	// outside the chat session's trusted domain, so the manager keeps
	// its own client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// NewTokenManager creates a TokenManager. No network traffic happens
// until the first Token call.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: domain.RequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		client: client,
		cache:  cfg.Cache,
		clock:  cfg.Clock,
		logger: logger,
	}
}

// FromRefreshToken creates a TokenManager and validates the stored
// refresh token by performing a full token exchange immediately.
func FromRefreshToken(ctx context.Context, cfg TokenManagerConfig) (*TokenManager, error) {
	m := NewTokenManager(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.refreshDynamite(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// FromAuthorizationCode creates a TokenManager from a fresh consent
// code, stores the granted refresh token in the cache, and completes a
// full token exchange.
func FromAuthorizationCode(ctx context.Context, code string, cfg TokenManagerConfig) (*TokenManager, error) {
	m := NewTokenManager(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.tokenRequest(ctx, url.Values{
		"client_id":     {oauth2ClientID},
		"client_secret": {oauth2ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {oauth2RedirectURI},
	})
	if err != nil {
		return nil, err
	}
	if err := m.storeAccessToken(res); err != nil {
		return nil, err
	}
	if res.RefreshToken == "" {
		return nil, fmt.Errorf("%w: grant response carried no refresh token", domain.ErrAuthFailed)
	}
	if err := m.cache.Set(ctx, domain.SecretString(res.RefreshToken)); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	if err := m.refreshDynamite(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Token returns a valid chat bearer token, refreshing the token chain
// as needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dynamiteExpiry.IsZero() || !m.clock.Now().Before(m.dynamiteExpiry) {
		if err := m.refreshDynamite(ctx); err != nil {
			return "", err
		}
	}
	return m.dynamiteToken.Expose(), nil
}

type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresIn    json.Number `json:"expires_in"`
	Error        string      `json:"error"`
}

// tokenRequest performs one request against the OAuth token endpoint.
// The caller must hold m.mu.
func (m *TokenManager) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	body, err := m.postForm(ctx, oauth2TokenURL, nil, form)
	if err != nil {
		return nil, fmt.Errorf("%w: token request failed: %v", domain.ErrAuthFailed, err)
	}

	var res tokenResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: token response: %v", domain.ErrAuthFailed, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: token request error: %s", domain.ErrAuthFailed, res.Error)
	}
	return &res, nil
}

func (m *TokenManager) storeAccessToken(res *tokenResponse) error {
	expiresIn, err := res.ExpiresIn.Int64()
	if err != nil {
		return fmt.Errorf("%w: access token expiry: %v", domain.ErrAuthFailed, err)
	}
	m.accessToken = domain.SecretString(res.AccessToken)
	m.oauthExpiry = m.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	return nil
}

// refreshOAuth exchanges the cached refresh token for a new access
// token. The caller must hold m.mu.
func (m *TokenManager) refreshOAuth(ctx context.Context) error {
	refreshToken, err := m.cache.Get(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: refresh token not found", domain.ErrNoCredentials)
	} else if err != nil {
		return fmt.Errorf("load refresh token: %w", err)
	}
	if refreshToken.IsEmpty() {
		return fmt.Errorf("%w: refresh token not found", domain.ErrNoCredentials)
	}

	res, err := m.tokenRequest(ctx, url.Values{
		"client_id":     {oauth2ClientID},
		"client_secret": {oauth2ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken.Expose()},
	})
	if err != nil {
		return err
	}
	return m.storeAccessToken(res)
}

type dynamiteResponse struct {
	Token     string      `json:"token"`
	ExpiresIn json.Number `json:"expiresIn"`
}

// refreshDynamite buys a fresh chat token with the OAuth access token,
// renewing the access token first when it has expired. The caller must
// hold m.mu.
func (m *TokenManager) refreshDynamite(ctx context.Context) error {
	if m.oauthExpiry.IsZero() || !m.clock.Now().Before(m.oauthExpiry) {
		if err := m.refreshOAuth(ctx); err != nil {
			return err
		}
	}

	headers := http.Header{
		"Authorization": {"Bearer " + m.accessToken.Expose()},
	}
	form := url.Values{
		"app_id":           {dynamiteAppID},
		"client_id":        {dynamiteClientID},
		"passcode_present": {"YES"},
		"response_type":    {"token"},
		"scope":            {strings.Join(dynamiteScopes, " ")},
	}

	body, err := m.postForm(ctx, dynamiteTokenURL, headers, form)
	if err != nil {
		return fmt.Errorf("%w: chat token request failed: %v", domain.ErrAuthFailed, err)
	}

	var res dynamiteResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("%w: chat token response: %v", domain.ErrAuthFailed, err)
	}
	if res.Token == "" {
		return fmt.Errorf("%w: chat token missing from response", domain.ErrAuthFailed)
	}
	expiresIn, err := res.ExpiresIn.Int64()
	if err != nil {
		return fmt.Errorf("%w: chat token expiry: %v", domain.ErrAuthFailed, err)
	}

	m.dynamiteToken = domain.SecretString(res.Token)
	m.dynamiteExpiry = m.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	m.logger.DebugContext(ctx, "refreshed chat token",
		slog.Time("expires_at", m.dynamiteExpiry))
	return nil
}

// postForm sends a form-encoded POST and returns the body of a 2xx
// response. Non-2xx statuses are reported as errors.
func (m *TokenManager) postForm(ctx context.Context, rawURL string, headers http.Header, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", managerUserAgent)

	res, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", res.Status)
	}
	return body, nil
}
