package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/averla/gchatstream/internal/domain"
)

// register opens a fresh channel session. The previous session state
// and the cookie jar are discarded first: registering with a stale
// session cookie invalidates it server-side without a replacement.
func (c *Channel) register(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "channel.register")
	defer span.End()

	c.session.ClearCookies()
	c.mu.Lock()
	c.sid = ""
	c.csessionid = ""
	c.mu.Unlock()
	c.aid.Store(0)
	c.ofs.Store(0)

	headers := http.Header{"Content-Type": {"application/x-protobuf"}}
	res, err := c.session.Do(ctx, http.MethodPost, c.baseURL+registerPath, nil, headers, nil)
	if err != nil {
		return wireErr(ctx, "register", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: register returned status %s", domain.ErrNetwork, res.Status)
	}

	value, ok := c.session.Cookie(c.baseURL+registerPath, compassCookie)
	if !ok {
		c.logger.WarnContext(ctx, "registration response carried no session cookie")
		return fmt.Errorf("%w: %s cookie missing", domain.ErrRegistrationFailed, compassCookie)
	}
	csessionid, ok := strings.CutPrefix(value, dynamitePrefix)
	if !ok {
		c.logger.WarnContext(ctx, "unexpected session cookie format")
		return fmt.Errorf("%w: %s cookie not understood", domain.ErrRegistrationFailed, compassCookie)
	}

	c.mu.Lock()
	c.csessionid = csessionid
	c.mu.Unlock()
	c.logger.DebugContext(ctx, "registered new channel session",
		slog.String("url", c.baseURL+registerPath))
	return nil
}
