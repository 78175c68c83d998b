package gchttp

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// swappableJar is a cookie jar whose contents can be discarded wholesale.
// Channel registration must start from a clean jar because registering
// with a stale session cookie invalidates it without issuing a new one.
type swappableJar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

var _ http.CookieJar = (*swappableJar)(nil)

func newSwappableJar() *swappableJar {
	// cookiejar.New only fails on a bad PublicSuffixList option.
	inner, _ := cookiejar.New(nil)
	return &swappableJar{inner: inner}
}

func (j *swappableJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.inner.SetCookies(u, cookies)
}

func (j *swappableJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// Reset replaces the jar contents with an empty jar.
func (j *swappableJar) Reset() {
	inner, _ := cookiejar.New(nil)
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}
