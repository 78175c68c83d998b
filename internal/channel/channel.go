// Package channel maintains the BrowserChannel-style long-polling
// connection to the Google Chat backend: session registration, the
// streamed backward channel with its retry state machine, and the
// forward channel for outbound events. Decoded data arrays are handed
// to observers; the package knows nothing about their contents.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/gchttp"
	"github.com/averla/gchatstream/pkg/pblite"
)

// Wire-protocol literals. These match the web client and are not
// configurable.
const (
	// DefaultBaseURL is the production webchannel endpoint root.
	DefaultBaseURL = "https://chat.google.com/u/0/webchannel"

	registerPath = "/register"
	eventsPath   = "/events_encoded"

	protocolVersion = "8"  // VER
	clientVersion   = "22" // CVER

	compassCookie  = "COMPASS"
	dynamitePrefix = "dynamite="

	unknownSIDMarker      = "Unknown SID"
	initialResponseHeader = "X-HTTP-Initial-Response"
)

// Config holds the parameters for a Channel.
type Config struct {
	// Session carries cookies and bearer tokens. Required.
	Session *gchttp.Session

	// BaseURL overrides DefaultBaseURL, typically for tests.
	BaseURL string

	// MaxRetries bounds consecutive failed long-poll attempts before
	// Listen gives up. Zero means domain.DefaultMaxRetries.
	MaxRetries int

	// BackoffBase is the base b of the b^retries seconds retry delay.
	// Zero means domain.DefaultBackoffBase.
	BackoffBase int

	Clock  domain.Clock
	Logger *slog.Logger
}

// Channel is one long-polling connection. Observers must be registered
// before Listen starts; a Channel supports one Listen call at a time,
// though Send may be called from any goroutine while it runs.
type Channel struct {
	// Connection transition observers, fired from the listen goroutine.
	OnConnect    *SignalObservers
	OnReconnect  *SignalObservers
	OnDisconnect *SignalObservers

	// OnReceive delivers each decoded data array in arrival order.
	OnReceive *ReceiveObservers

	session *gchttp.Session
	clock   domain.Clock
	logger  *slog.Logger
	decoder *ChunkDecoder

	baseURL     string
	maxRetries  int
	backoffBase int

	mu         sync.RWMutex
	sid        string
	csessionid string

	// Counters shared between the listen goroutine and Send.
	aid atomic.Int64 // last acknowledged array id
	ofs atomic.Int64 // forward-channel send offset
	rid atomic.Int64 // request id

	connected    atomic.Bool
	connectFired bool // listen goroutine only
}

// New creates a Channel from cfg.
func New(cfg Config) (*Channel, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("%w: channel session", domain.ErrConfigRequired)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	backoffBase := cfg.BackoffBase
	if backoffBase == 0 {
		backoffBase = domain.DefaultBackoffBase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		OnConnect:    newSignalObservers("connect", logger),
		OnReconnect:  newSignalObservers("reconnect", logger),
		OnDisconnect: newSignalObservers("disconnect", logger),
		OnReceive:    newReceiveObservers(logger),
		session:      cfg.Session,
		clock:        clock,
		logger:       logger,
		decoder:      NewChunkDecoder(),
		baseURL:      baseURL,
		maxRetries:   maxRetries,
		backoffBase:  backoffBase,
	}, nil
}

// SID returns the current session id, empty before the server has
// announced one.
func (c *Channel) SID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// AckID returns the last acknowledged array id.
func (c *Channel) AckID() int64 {
	return c.aid.Load()
}

// Connected reports whether the backward channel is currently live.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Listen drives the long-poll loop: register, poll, classify, retry.
// It returns when the cycle lifetime expires (the caller restarts from
// scratch), consecutive retries are exhausted, credentials are
// rejected, or ctx is canceled. Transient failures never surface.
func (c *Channel) Listen(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = domain.DefaultMaxAge
	}
	start := c.clock.Now()
	schedule := c.newBackoffSchedule()
	registered := false
	retries := 0
	skipBackoff := false

	for retries <= c.maxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if elapsed := c.clock.Now().Sub(start); elapsed > maxAge {
			return fmt.Errorf("%w: listen cycle alive for %s", domain.ErrLifetimeExpired, elapsed)
		}
		if retries > 0 {
			// Every retry consumes a slot in the schedule even when
			// the wait is skipped, keeping delays in step with the
			// retry counter.
			delay := schedule.NextBackOff()
			if !skipBackoff {
				c.logger.DebugContext(ctx, "backing off before retry",
					slog.Int("retries", retries),
					slog.Duration("delay", delay))
				if err := c.clock.Sleep(ctx, delay); err != nil {
					return err
				}
			}
		}
		skipBackoff = false

		var err error
		if !registered {
			err = c.register(ctx)
			registered = err == nil
		}
		if err == nil {
			c.decoder.Reset()
			err = c.longPoll(ctx)
		}

		switch kind := domain.Classify(err); kind {
		case domain.FailureNone:
			retries = 0
			schedule.Reset()
			continue
		case domain.FailureCanceled:
			return err
		case domain.FailureAuth:
			c.logger.ErrorContext(ctx, "credentials rejected, stopping channel",
				slog.String("error", err.Error()))
			return err
		case domain.FailureSessionInvalid:
			c.logger.DebugContext(ctx, "session invalidated, re-registering",
				slog.String("error", err.Error()))
			registered = false
			retries++
			skipBackoff = true
			continue
		default:
			c.logger.WarnContext(ctx, "long-poll attempt failed",
				slog.String("kind", kind.String()),
				slog.String("error", err.Error()))
			retries++
			c.logger.InfoContext(ctx, "retry attempt count is now",
				slog.Int("retries", retries))
			if c.connected.Load() {
				c.connected.Store(false)
				c.OnDisconnect.Fire(ctx)
			}
		}
	}

	c.logger.ErrorContext(ctx, "ran out of retries for long-polling request")
	return fmt.Errorf("%w: gave up after %d retries", domain.ErrRetriesExhausted, c.maxRetries)
}

// newBackoffSchedule builds the base^retries retry delay sequence.
func (c *Channel) newBackoffSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(c.backoffBase) * time.Second
	b.Multiplier = float64(c.backoffBase)
	b.RandomizationFactor = 0
	b.MaxInterval = domain.MaxBackoffInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// longPoll runs one request/response cycle against the backward
// channel: open the stream, adopt any announced session id, then read
// and dispatch chunks until the server closes the response.
func (c *Channel) longPoll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "channel.long_poll")
	defer span.End()

	longPollRequests.Add(ctx, 1)
	c.rid.Add(1)

	params := url.Values{
		"VER":  {protocolVersion},
		"CVER": {clientVersion},
		"AID":  {strconv.FormatInt(c.aid.Load(), 10)},
		"t":    {"1"},
	}
	if sid := c.SID(); sid == "" {
		params.Set("$req", "count=0")
		params.Set("RID", "0")
		params.Set("SID", "null")
		params.Set("TYPE", "init")
	} else {
		params.Set("CI", "0")
		params.Set("RID", "rpc")
		params.Set("SID", sid)
		params.Set("TYPE", "xmlhttp")
	}

	res, err := c.session.OpenStream(ctx, http.MethodGet, c.baseURL+eventsPath, params, nil)
	if err != nil {
		c.countExit(ctx, "connection_error")
		return wireErr(ctx, "open long-poll", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode == http.StatusBadRequest &&
			(strings.Contains(res.Status, unknownSIDMarker) || strings.Contains(string(body), unknownSIDMarker)) {
			c.countExit(ctx, "sid_invalid")
			return fmt.Errorf("%w: server reports unknown SID", domain.ErrSessionInvalid)
		}
		c.countExit(ctx, fmt.Sprintf("http_%d", res.StatusCode))
		return fmt.Errorf("%w: long-poll returned status %s", domain.ErrNetwork, res.Status)
	}

	if header := res.Header.Get(initialResponseHeader); header != "" {
		sid, err := pblite.ParseSIDAnnouncement([]byte(header))
		if err != nil {
			c.countExit(ctx, "protocol_decode")
			return fmt.Errorf("%w: initial response header: %v", domain.ErrProtocolDecode, err)
		}
		if sid != c.SID() {
			c.adoptSession(sid)
			c.logger.DebugContext(ctx, "adopted new channel session",
				slog.String("sid", sid))
			// The server expects the ready signal before any other
			// traffic on the fresh session.
			if err := c.sendInitialPing(ctx); err != nil {
				c.countExit(ctx, "connection_error")
				return err
			}
		}
	}

	return c.readStream(ctx, res.Body)
}

// readStream consumes the streamed response body in bounded reads, each
// under its own timeout, feeding bytes to the frame decoder.
func (c *Channel) readStream(ctx context.Context, body io.ReadCloser) error {
	buf := make([]byte, domain.MaxReadBytes)
	var timedOut atomic.Bool
	for {
		timer := time.AfterFunc(domain.PushTimeout, func() {
			timedOut.Store(true)
			body.Close()
		})
		n, err := body.Read(buf)
		timer.Stop()
		if n > 0 {
			receivedBytes.Add(ctx, int64(n))
			if perr := c.handlePush(ctx, buf[:n]); perr != nil {
				c.countExit(ctx, "protocol_decode")
				return perr
			}
		}
		if err != nil {
			return c.readError(ctx, err, timedOut.Load())
		}
	}
}

// readError maps a stream read failure onto the retry taxonomy. The
// mapping mirrors the backend's observed failure signatures: a
// truncated transfer is how an expiring session announces itself and
// must trigger re-registration, not a plain retry.
func (c *Channel) readError(ctx context.Context, err error, timedOut bool) error {
	switch {
	case errors.Is(err, io.EOF):
		c.countExit(ctx, "clean_exit")
		return nil
	case timedOut:
		c.countExit(ctx, "timeout")
		return fmt.Errorf("%w: no data within %s", domain.ErrNetwork, domain.PushTimeout)
	case ctx.Err() != nil:
		return fmt.Errorf("read long-poll stream: %w", ctx.Err())
	case errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "malformed chunked encoding"):
		c.countExit(ctx, "sid_expiry")
		return fmt.Errorf("%w: response transfer broke off, session about to expire", domain.ErrSessionInvalid)
	case errors.Is(err, syscall.ECONNRESET):
		c.countExit(ctx, "server_disconnected")
		return fmt.Errorf("%w: server disconnected: %v", domain.ErrNetwork, err)
	default:
		c.countExit(ctx, "connection_error")
		return fmt.Errorf("%w: read long-poll stream: %v", domain.ErrNetwork, err)
	}
}

// handlePush feeds raw bytes through the frame decoder and processes
// every completed chunk. Chunks decoded before a framing error are
// still processed; their array ids have been acknowledged.
func (c *Channel) handlePush(ctx context.Context, p []byte) error {
	chunks, err := c.decoder.Push(p)
	for _, chunk := range chunks {
		if cerr := c.handleChunk(ctx, chunk); cerr != nil {
			return cerr
		}
	}
	return err
}

// handleChunk marks the channel live and dispatches the chunk's data
// arrays in order, advancing the ack id after each.
func (c *Channel) handleChunk(ctx context.Context, chunk string) error {
	if !c.connectFired {
		c.connectFired = true
		c.OnConnect.Fire(ctx)
	} else if !c.connected.Load() {
		c.OnReconnect.Fire(ctx)
	}
	c.connected.Store(true)

	arrays, err := pblite.ParseContainer([]byte(chunk))
	if err != nil {
		return fmt.Errorf("%w: container chunk: %v", domain.ErrProtocolDecode, err)
	}
	for _, array := range arrays {
		receivedArrays.Add(ctx, 1)
		c.OnReceive.Fire(ctx, array.Data)
		c.aid.Store(array.ID)
	}
	return nil
}

// adoptSession installs a server-announced session id and resets the
// per-session counters.
func (c *Channel) adoptSession(sid string) {
	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()
	c.aid.Store(0)
	c.ofs.Store(0)
}

func (c *Channel) countExit(ctx context.Context, reason string) {
	longPollExits.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// wireErr maps a transport-level failure onto the channel taxonomy:
// caller cancellation and credential failures pass through untouched,
// anything else counts as a network failure. ctx must be the caller's
// context, not a request-scoped one, so nested per-request timeouts are
// not mistaken for cancellation.
func wireErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if domain.IsAuthFailure(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrNetwork, op, err)
}
