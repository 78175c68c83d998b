package gchttp_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/gchttp"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestSession(t *testing.T, cfg gchttp.Config) *gchttp.Session {
	t.Helper()
	session, err := gchttp.NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(session.Close)
	return session
}

func TestSession_UntrustedHost(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "other domain", url: "https://evil.example.com/path"},
		{name: "bare google.com", url: "https://google.com/path"},
		{name: "suffix lookalike", url: "https://notgoogle.com/path"},
	}

	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			t.Fatal("request must not reach the transport")
			return nil, nil
		}),
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.Do(context.Background(), http.MethodGet, tt.url, nil, nil, nil)
			assert.ErrorIs(t, err, domain.ErrUntrustedHost)

			_, err = session.Fetch(context.Background(), http.MethodGet, tt.url, nil, nil, nil)
			assert.ErrorIs(t, err, domain.ErrUntrustedHost)

			_, err = session.OpenStream(context.Background(), http.MethodGet, tt.url, nil, nil)
			assert.ErrorIs(t, err, domain.ErrUntrustedHost)
		})
	}
}

func TestSession_Do_AttachesAuthAndHeaders(t *testing.T) {
	var seen *http.Request
	session := newTestSession(t, gchttp.Config{
		Tokens: staticTokens{token: "dynamite-token"},
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			seen = req
			return textResponse(http.StatusOK, "ok"), nil
		}),
	})

	params := url.Values{"VER": {"8"}, "t": {"1"}}
	headers := http.Header{"Content-Type": {"application/x-protobuf"}}

	res, err := session.Do(context.Background(), http.MethodPost,
		"https://chat.google.com/u/0/webchannel/register", params, headers, []byte("body"))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("ok"), res.Body)

	require.NotNil(t, seen)
	assert.Equal(t, "Bearer dynamite-token", seen.Header.Get("Authorization"))
	assert.Equal(t, "Keep-Alive", seen.Header.Get("Connection"))
	assert.Equal(t, gchttp.DefaultUserAgent, seen.Header.Get("User-Agent"))
	assert.Equal(t, "application/x-protobuf", seen.Header.Get("Content-Type"))
	assert.Equal(t, "8", seen.URL.Query().Get("VER"))
	assert.Equal(t, "1", seen.URL.Query().Get("t"))
}

func TestSession_Do_TokenSourceError(t *testing.T) {
	tokenErr := errors.New("refresh rejected")
	session := newTestSession(t, gchttp.Config{
		Tokens: staticTokens{err: tokenErr},
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			t.Fatal("request must not reach the transport")
			return nil, nil
		}),
	})

	_, err := session.Do(context.Background(), http.MethodGet,
		"https://chat.google.com/u/0/webchannel/events", nil, nil, nil)

	assert.ErrorIs(t, err, tokenErr)
}

func TestSession_Do_SingleAttempt(t *testing.T) {
	var calls atomic.Int32
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("connection reset")
		}),
	})

	_, err := session.Do(context.Background(), http.MethodGet,
		"https://chat.google.com/u/0/webchannel/events", nil, nil, nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_Do_ReportsNonOKStatus(t *testing.T) {
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusBadRequest, "Unknown SID"), nil
		}),
	})

	res, err := session.Do(context.Background(), http.MethodGet,
		"https://chat.google.com/u/0/webchannel/events", nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, []byte("Unknown SID"), res.Body)
}

func TestSession_Fetch_RetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("connection reset")
			}
			return textResponse(http.StatusOK, "ok"), nil
		}),
	})

	res, err := session.Fetch(context.Background(), http.MethodGet,
		"https://chat.google.com/api/get_self", nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), res.Body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSession_Fetch_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("connection reset")
		}),
	})

	_, err := session.Fetch(context.Background(), http.MethodGet,
		"https://chat.google.com/api/get_self", nil, nil, nil)

	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, int32(domain.FetchMaxAttempts), calls.Load())
}

func TestSession_Fetch_NoRetryOnBadStatus(t *testing.T) {
	var calls atomic.Int32
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return textResponse(http.StatusInternalServerError, "boom"), nil
		}),
	})

	_, err := session.Fetch(context.Background(), http.MethodGet,
		"https://chat.google.com/api/get_self", nil, nil, nil)

	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSession_CookieLifecycle(t *testing.T) {
	const channelURL = "https://chat.google.com/u/0/webchannel/register"

	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			res := textResponse(http.StatusOK, "")
			res.Header.Add("Set-Cookie", "COMPASS=dynamite=csession-xyz; Path=/; Domain=chat.google.com")
			return res, nil
		}),
	})

	_, ok := session.Cookie(channelURL, "COMPASS")
	assert.False(t, ok)

	_, err := session.Do(context.Background(), http.MethodPost, channelURL, nil, nil, nil)
	require.NoError(t, err)

	value, ok := session.Cookie(channelURL, "COMPASS")
	require.True(t, ok)
	assert.Equal(t, "dynamite=csession-xyz", value)

	session.ClearCookies()
	_, ok = session.Cookie(channelURL, "COMPASS")
	assert.False(t, ok)

	require.NoError(t, session.SetCookies("https://chat.google.com/", []*http.Cookie{
		{Name: "SID", Value: "seeded", Path: "/", Domain: "chat.google.com"},
	}))
	value, ok = session.Cookie(channelURL, "SID")
	require.True(t, ok)
	assert.Equal(t, "seeded", value)
}

func TestSession_UserAgentNormalization(t *testing.T) {
	var seenUA string
	session := newTestSession(t, gchttp.Config{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Chrome/87.0.4280.88 Safari/537.36",
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			seenUA = req.Header.Get("User-Agent")
			return textResponse(http.StatusOK, ""), nil
		}),
	})

	_, err := session.Do(context.Background(), http.MethodGet,
		"https://chat.google.com/", nil, nil, nil)

	require.NoError(t, err)
	assert.Contains(t, seenUA, "Chrome/114.0.0.0")
	assert.NotContains(t, seenUA, "87.0.4280.88")
}

func TestSession_OpenStream(t *testing.T) {
	session := newTestSession(t, gchttp.Config{
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, "14\n[[1,[\"noop\"]]]"), nil
		}),
	})

	res, err := session.OpenStream(context.Background(), http.MethodGet,
		"https://chat.google.com/u/0/webchannel/events_encoded", nil, nil)

	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "14\n[[1,[\"noop\"]]]", string(body))
}
