// Package gchttp provides the authenticated HTTP session used for all
// Google Chat traffic. The session owns the cookie jar, attaches OAuth
// bearer tokens, and refuses to send credentials to hosts outside the
// google.com domain.
package gchttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/averla/gchatstream/internal/domain"
)

const (
	latestChromeVersion  = "114"
	latestFirefoxVersion = "114"

	// DefaultUserAgent is sent when the account has no recorded browser
	// user agent.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/" + latestChromeVersion + ".0.0.0 Safari/537.36"
)

var (
	chromeVersionPattern  = regexp.MustCompile(`Chrome/\d+\.\d+\.\d+\.\d+`)
	firefoxVersionPattern = regexp.MustCompile(`Firefox/\d+\.\d+`)
)

// TokenSource supplies the OAuth bearer token attached to outgoing
// requests. Implementations refresh expired tokens before returning.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds the parameters for a Session.
type Config struct {
	// Tokens supplies bearer tokens. When nil, requests are sent with
	// cookies only.
	Tokens TokenSource

	// UserAgent overrides DefaultUserAgent. The embedded Chrome or
	// Firefox version is rewritten to a current one.
	UserAgent string

	// ProxyURL routes requests through an HTTP proxy. When empty, the
	// standard proxy environment variables apply.
	ProxyURL string

	// InsecureTLS disables certificate verification. Only useful when
	// inspecting traffic through a debugging proxy.
	InsecureTLS bool

	// Transport overrides the default transport. Tests stub the server
	// through this.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// Session is an HTTP client bound to Google's servers. All request
// paths go through the host check before credentials are attached.
type Session struct {
	client    *http.Client
	jar       *swappableJar
	tokens    TokenSource
	userAgent string
	logger    *slog.Logger
}

// NewSession creates a Session from cfg.
func NewSession(cfg Config) (*Session, error) {
	var roundTripper http.RoundTripper
	if cfg.Transport != nil {
		roundTripper = cfg.Transport
	} else {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: domain.ConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2: true,
		}
		if cfg.ProxyURL != "" {
			proxyURL, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		if cfg.InsecureTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		roundTripper = transport
	}

	jar := newSwappableJar()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		client: &http.Client{
			Transport: roundTripper,
			Jar:       jar,
		},
		jar:       jar,
		tokens:    cfg.Tokens,
		userAgent: normalizeUserAgent(cfg.UserAgent),
		logger:    logger,
	}, nil
}

// normalizeUserAgent pins the browser version in a recorded user agent
// so the server does not flag the client as outdated.
func normalizeUserAgent(ua string) string {
	if ua == "" {
		return DefaultUserAgent
	}
	ua = chromeVersionPattern.ReplaceAllString(ua, "Chrome/"+latestChromeVersion+".0.0.0")
	ua = firefoxVersionPattern.ReplaceAllString(ua, "Firefox/"+latestFirefoxVersion+".0")
	return ua
}

// checkHost rejects requests to hosts outside the google.com domain so
// credentials never leave Google's servers.
func checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse request url: %w", err)
	}
	if !strings.HasSuffix(u.Hostname(), ".google.com") {
		return fmt.Errorf("%w: %q", domain.ErrUntrustedHost, u.Hostname())
	}
	return nil
}

func (s *Session) newRequest(ctx context.Context, method, rawURL string, params url.Values, headers http.Header, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if params != nil {
		query := req.URL.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		req.URL.RawQuery = query.Encode()
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Connection", "Keep-Alive")

	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// Do sends a single request and buffers the response. The status code
// is returned as-is; callers decide what counts as an error.
func (s *Session) Do(ctx context.Context, method, rawURL string, params url.Values, headers http.Header, body []byte) (*Response, error) {
	if err := checkHost(rawURL); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, domain.RequestTimeout)
	defer cancel()

	req, err := s.newRequest(reqCtx, method, rawURL, params, headers, body)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "sending request",
		slog.String("method", method),
		slog.String("url", rawURL))

	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	buffered, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Header:     res.Header,
		Body:       buffered,
	}, nil
}

// Fetch sends a request, retrying transport failures up to
// domain.FetchMaxAttempts times. Any completed response stops the
// retries; a status other than 200 is then reported as a network
// error.
func (s *Session) Fetch(ctx context.Context, method, rawURL string, params url.Values, headers http.Header, body []byte) (*Response, error) {
	if err := checkHost(rawURL); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < domain.FetchMaxAttempts; attempt++ {
		res, err := s.Do(ctx, method, rawURL, params, headers, body)
		if err == nil {
			if res.StatusCode != http.StatusOK {
				s.logger.InfoContext(ctx, "request returned unexpected status",
					slog.String("url", rawURL),
					slog.Int("status", res.StatusCode))
				return nil, fmt.Errorf("%w: unexpected status %s", domain.ErrNetwork, res.Status)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger.InfoContext(ctx, "request attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("%w: request failed after %d attempts: %v",
		domain.ErrNetwork, domain.FetchMaxAttempts, lastErr)
}

// OpenStream sends a request and returns the live response for
// incremental reads. The caller owns the response body and must close
// it. No overall deadline is applied; long-poll reads are bounded by
// the caller.
func (s *Session) OpenStream(ctx context.Context, method, rawURL string, params url.Values, headers http.Header) (*http.Response, error) {
	if err := checkHost(rawURL); err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, method, rawURL, params, headers, nil)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "opening stream",
		slog.String("method", method),
		slog.String("url", rawURL))
	return s.client.Do(req)
}

// Cookie returns the named cookie value the jar would send to the URL.
func (s *Session) Cookie(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, cookie := range s.jar.Cookies(u) {
		if cookie.Name == name {
			return cookie.Value, true
		}
	}
	return "", false
}

// SetCookies seeds cookies for the URL, typically the stored account
// cookies loaded at startup.
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie url: %w", err)
	}
	s.jar.SetCookies(u, cookies)
	return nil
}

// ClearCookies empties the cookie jar. Registering with a stale cookie
// invalidates it server-side without sending a replacement, so the
// channel clears the jar before every registration.
func (s *Session) ClearCookies() {
	s.jar.Reset()
}

// Close releases idle connections.
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}
