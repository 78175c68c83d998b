package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/gcproto"
	"github.com/averla/gchatstream/pkg/pblite"
)

// Send posts one serialized payload on the forward channel. Safe to
// call from any goroutine while a long poll is in flight: the request
// id and send offset advance by single atomic increments, so concurrent
// senders never reuse a slot.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	ctx, span := tracer.Start(ctx, "channel.send")
	defer span.End()

	c.mu.RLock()
	sid, csessionid := c.sid, c.csessionid
	c.mu.RUnlock()

	params := url.Values{
		"VER": {protocolVersion},
		"RID": {strconv.FormatInt(c.rid.Add(1)-1, 10)},
		"t":   {"1"},
		"SID": {sid},
		"AID": {strconv.FormatInt(c.aid.Load(), 10)},
		"CI":  {"0"},
	}
	if csessionid != "" {
		params.Set("csessionid", csessionid)
	}

	envelope, err := pblite.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode send payload: %w", err)
	}
	form := url.Values{
		"count":         {"1"},
		"ofs":           {strconv.FormatInt(c.ofs.Add(1)-1, 10)},
		"req0___data__": {string(envelope)},
	}

	headers := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	res, err := c.session.Do(ctx, http.MethodPost, c.baseURL+eventsPath, params, headers, []byte(form.Encode()))
	if err != nil {
		return wireErr(ctx, "send stream event", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: send returned status %s", domain.ErrNetwork, res.Status)
	}
	sendsTotal.Add(ctx, 1)
	return nil
}

// sendInitialPing announces an active, foregrounded client on a freshly
// adopted session.
func (c *Channel) sendInitialPing(ctx context.Context) error {
	c.logger.DebugContext(ctx, "sending initial ping")
	return c.Send(ctx, gcproto.EncodeStreamEventsRequest(gcproto.NewActivePing()))
}
