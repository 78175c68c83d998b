package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/averla/gchatstream/internal/channel"
	"github.com/averla/gchatstream/internal/domain"
)

// State is the supervisor's externally visible connection state.
type State string

const (
	StateConnecting          State = "connecting"
	StateConnected           State = "connected"
	StateTransientDisconnect State = "transient_disconnect"
	StateDisconnected        State = "disconnected"
)

// Status is a point-in-time snapshot of the supervisor. Retries counts
// failed listen cycles since the last stable connection; it does not
// reset on connect, only once a connection has stayed up long enough.
type Status struct {
	State     State
	Since     time.Time
	Retries   int
	LastError string
}

// ChannelFactory builds a fresh channel for one listen cycle. Channels
// are not reusable across cycles; each cycle starts with clean session
// state.
type ChannelFactory func() (*channel.Channel, error)

// SupervisorConfig holds the dependencies for Supervisor.
type SupervisorConfig struct {
	NewChannel ChannelFactory
	Service    *EventService

	// MaxAge bounds each listen cycle. Zero takes the channel default.
	MaxAge time.Duration

	Clock  domain.Clock
	Logger *slog.Logger

	// Outer reconnect tuning. Zero values take the domain defaults.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	DelayFactor  float64
	StableAfter  time.Duration
}

// Supervisor owns the channel lifecycle. It runs listen cycles back to
// back, replacing the channel when its lifetime expires and backing off
// between failed cycles. The backoff starts over once a connection has
// stayed up for StableAfter.
type Supervisor struct {
	newChannel ChannelFactory
	service    *EventService
	maxAge     time.Duration
	clock      domain.Clock
	logger     *slog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
	delayFactor  float64
	stableAfter  time.Duration

	mu          sync.Mutex
	state       State
	since       time.Time
	retries     int
	lastErr     error
	cycleCancel context.CancelFunc
	manual      bool
}

// NewSupervisor creates a Supervisor in the disconnected state.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.NewChannel == nil {
		return nil, fmt.Errorf("%w: channel factory", domain.ErrConfigRequired)
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("%w: event service", domain.ErrConfigRequired)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		newChannel:   cfg.NewChannel,
		service:      cfg.Service,
		maxAge:       cfg.MaxAge,
		clock:        clock,
		logger:       logger.With(slog.String("component", "supervisor")),
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		delayFactor:  cfg.DelayFactor,
		stableAfter:  cfg.StableAfter,
		state:        StateDisconnected,
	}
	if s.initialDelay <= 0 {
		s.initialDelay = domain.ReconnectInitialDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = domain.ReconnectMaxDelay
	}
	if s.delayFactor <= 1 {
		s.delayFactor = domain.ReconnectDelayFactor
	}
	if s.stableAfter <= 0 {
		s.stableAfter = domain.ReconnectStableAfter
	}
	s.since = clock.Now()
	return s, nil
}

// Run drives listen cycles until ctx is canceled or authentication
// fails. A lifetime expiry rotates to a fresh channel immediately; any
// other failure backs off first.
func (s *Supervisor) Run(ctx context.Context) error {
	delay := s.initialDelay
	var lastFailure time.Time

	for ctx.Err() == nil {
		s.transition(ctx, StateConnecting, nil)

		ch, err := s.newChannel()
		if err != nil {
			s.transition(ctx, StateDisconnected, err)
			return fmt.Errorf("create channel: %w", err)
		}
		s.attach(ch)

		cycleCtx, cancel := context.WithCancel(ctx)
		s.setCycleCancel(cancel)
		listenCyclesTotal.Add(ctx, 1)
		err = ch.Listen(cycleCtx, s.maxAge)
		cancel()
		s.setCycleCancel(nil)

		switch domain.Classify(err) {
		case domain.FailureCanceled:
			if s.consumeManual() {
				s.logger.InfoContext(ctx, "manual reconnect, starting fresh channel")
				delay = s.initialDelay
				s.resetRetries()
				continue
			}
			s.transition(ctx, StateDisconnected, nil)
			s.logger.InfoContext(ctx, "listen stopped", slog.String("reason", "shutdown"))
			return nil

		case domain.FailureLifetimeExpired:
			s.logger.InfoContext(ctx, "channel lifetime reached, rotating channel")
			delay = s.initialDelay
			s.resetRetries()
			continue

		case domain.FailureAuth:
			s.transition(ctx, StateDisconnected, err)
			s.logger.ErrorContext(ctx, "authentication failed, stopping", slog.Any("error", err))
			return err
		}

		// Retries exhausted or an unexpected return. Back off and start
		// over with a fresh channel.
		if err == nil {
			err = errors.New("listen returned unexpectedly")
		}
		now := s.clock.Now()
		if lastFailure.IsZero() || now.Sub(lastFailure) > s.stableAfter {
			delay = s.initialDelay
			s.resetRetries()
		} else {
			delay = time.Duration(float64(delay) * s.delayFactor)
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}
		lastFailure = now

		// Repeated failure at the backoff ceiling is no longer
		// transient.
		next := StateTransientDisconnect
		if delay >= s.maxDelay {
			next = StateDisconnected
		}
		s.noteFailure(ctx, next, err)
		s.logger.WarnContext(ctx, "connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", delay),
			slog.Int("attempt", s.Status().Retries),
		)

		if err := s.waitRetry(ctx, delay); err != nil {
			if s.consumeManual() {
				s.logger.InfoContext(ctx, "manual reconnect, skipping backoff")
				delay = s.initialDelay
				s.resetRetries()
				continue
			}
			s.transition(ctx, StateDisconnected, nil)
			return nil
		}
	}

	s.transition(ctx, StateDisconnected, nil)
	return nil
}

// Reconnect interrupts the current listen cycle or backoff wait and
// starts a fresh channel with the backoff reset. Safe to call at any
// time, including while Run is not between cycles.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	s.manual = true
	cancel := s.cycleCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns a snapshot of the connection state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Since: s.since, Retries: s.retries}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// attach wires the service and the supervisor's state tracking into a
// freshly built channel.
func (s *Supervisor) attach(ch *channel.Channel) {
	s.service.Attach(ch)
	ch.OnConnect.Add(func(ctx context.Context) {
		s.transition(ctx, StateConnected, nil)
		s.logger.InfoContext(ctx, "connected to stream")
	})
	ch.OnReconnect.Add(func(ctx context.Context) {
		s.transition(ctx, StateConnected, nil)
		s.logger.InfoContext(ctx, "reconnected to stream")
	})
	ch.OnDisconnect.Add(func(ctx context.Context) {
		s.transition(ctx, StateTransientDisconnect, nil)
		s.logger.WarnContext(ctx, "disconnected from stream")
	})
}

// transition moves the state machine and keeps the connection gauge in
// step with entries to and exits from StateConnected.
func (s *Supervisor) transition(ctx context.Context, next State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.since = s.clock.Now()
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	if prev != StateConnected && next == StateConnected {
		connectionUp.Add(ctx, 1)
	} else if prev == StateConnected && next != StateConnected {
		connectionUp.Add(ctx, -1)
	}
}

func (s *Supervisor) noteFailure(ctx context.Context, next State, err error) {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	s.transition(ctx, next, err)
}

func (s *Supervisor) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
}

func (s *Supervisor) setCycleCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cycleCancel = cancel
	s.mu.Unlock()
}

func (s *Supervisor) consumeManual() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	manual := s.manual
	s.manual = false
	return manual
}

// waitRetry sleeps for the backoff delay. The wait registers itself as
// the current cycle so Reconnect can cut it short.
func (s *Supervisor) waitRetry(ctx context.Context, d time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setCycleCancel(cancel)
	err := s.clock.Sleep(waitCtx, d)
	s.setCycleCancel(nil)
	return err
}
