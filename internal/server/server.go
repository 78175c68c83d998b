// Package server provides the service lifecycle runner. The relay
// binary delegates to server.Run for signal handling, config loading,
// observability init, the HTTP and gRPC listeners, background
// components, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/averla/gchatstream/internal/config"
	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/observability"
)

// SetupDeps are the shared dependencies handed to a service's Setup
// function once config and observability are up.
type SetupDeps struct {
	Config  *config.Config
	Logger  *slog.Logger
	HTTPMux *http.ServeMux

	// GRPCServer is nil when the gRPC listener is disabled.
	GRPCServer *grpc.Server

	// Background registers a component to run for the life of the
	// service inside the lifecycle errgroup. The service shuts down
	// when a registered component returns a non-nil error.
	Background func(run func(ctx context.Context) error)
}

// SetupFunc is a service composition root. It wires dependencies onto
// the shared servers and returns a cleanup that runs after the
// listeners have drained. The cleanup may be nil.
type SetupFunc func(ctx context.Context, deps SetupDeps) (func(context.Context) error, error)

// Params configures a service's lifecycle runner.
type Params struct {
	// Name identifies the binary (e.g. "relay").
	Name string

	// PortFromConfig extracts the HTTP port for this service from config.
	PortFromConfig func(cfg *config.Config) int

	// GRPCPortFromConfig extracts the gRPC port. Nil disables the gRPC
	// listener unless Listeners injects one.
	GRPCPortFromConfig func(cfg *config.Config) int

	// Setup composes the service. Nil runs a bare health server.
	Setup SetupFunc
}

// Listeners injects pre-bound listeners instead of binding from config
// (enables port-0 testing). Nil fields bind from config.
type Listeners struct {
	HTTP net.Listener
	GRPC net.Listener
}

// Run executes the full service lifecycle: signal handling, config loading,
// observability initialization, HTTP server with health checks, gRPC server
// with the standard health service, background components, and graceful
// shutdown.
func Run(ctx context.Context, p Params, lns Listeners) error {
	// Signal-based cancellation: ctx.Done() closes on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Load configuration
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	serviceName := cfg.Service
	if serviceName == "" {
		serviceName = p.Name
	}

	// Initialize structured logging with secret redaction
	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})

	// --- Startup order: tracer -> metrics -> setup -> listeners ---

	// Initialize OpenTelemetry tracer
	tracerProvider, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}

	// Initialize OpenTelemetry metrics
	metricsProvider, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	// Health check shutdown coordination via atomic flag.
	var shuttingDown atomic.Bool

	// Setup HTTP server with health check
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"shutting_down","service":%q}`, p.Name)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, p.Name)
	})

	// gRPC server with the standard health service, for deployments that
	// probe over gRPC instead of HTTP.
	var (
		grpcServer *grpc.Server
		healthSrv  *health.Server
	)
	if p.GRPCPortFromConfig != nil || lns.GRPC != nil {
		grpcServer = grpc.NewServer()
		healthSrv = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthSrv)
	}

	// Compose the service.
	var (
		backgrounds []func(ctx context.Context) error
		cleanup     func(context.Context) error
	)
	if p.Setup != nil {
		cleanup, err = p.Setup(ctx, SetupDeps{
			Config:     cfg,
			Logger:     logger,
			HTTPMux:    mux,
			GRPCServer: grpcServer,
			Background: func(run func(ctx context.Context) error) {
				backgrounds = append(backgrounds, run)
			},
		})
		if err != nil {
			return fmt.Errorf("setup %s: %w", p.Name, err)
		}
	}

	// Bind listeners (use injected listeners or create from config).
	httpLn := lns.HTTP
	if httpLn == nil {
		httpLn, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.PortFromConfig(cfg)))
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
	}
	grpcLn := lns.GRPC
	if grpcServer != nil && grpcLn == nil {
		grpcLn, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", p.GRPCPortFromConfig(cfg)))
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	httpServer := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Structured concurrency via errgroup ---
	g, ctx := errgroup.WithContext(ctx)

	// Goroutine 1: Serve HTTP
	g.Go(func() error {
		logger.Info("starting HTTP server",
			slog.String("addr", httpLn.Addr().String()),
			slog.String("environment", cfg.Environment),
		)
		if serveErr := httpServer.Serve(httpLn); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	// Goroutine 2: Serve gRPC
	if grpcServer != nil {
		g.Go(func() error {
			logger.Info("starting gRPC server", slog.String("addr", grpcLn.Addr().String()))
			if serveErr := grpcServer.Serve(grpcLn); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		})
	}

	// Background components registered by Setup.
	for _, run := range backgrounds {
		run := run // per-iteration copy; the go directive predates 1.22 loopvar semantics
		g.Go(func() error {
			return run(ctx)
		})
	}

	// Shutdown trigger — waits for context cancellation, then drains.
	// Shutdown order is explicit reverse of startup: listeners ->
	// service cleanup -> metrics -> tracer.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("received shutdown signal, starting graceful shutdown")

		// 1. Flip health: HTTP checks return 503, gRPC reports NOT_SERVING
		shuttingDown.Store(true)
		if healthSrv != nil {
			healthSrv.Shutdown()
		}

		// 2. Drain delay — let load balancer propagate endpoint removal
		time.Sleep(domain.ShutdownDrainDelay)

		// 3. Drain the listeners. Both share one budget; gRPC is stopped
		// hard if its drain outlives it.
		drainCtx, drainCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
		defer drainCancel()
		if shutdownErr := httpServer.Shutdown(drainCtx); shutdownErr != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", shutdownErr.Error()))
		}
		if grpcServer != nil {
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-drainCtx.Done():
				grpcServer.Stop()
				<-stopped
			}
		}

		// 4. Service cleanup before the telemetry flush, so its final
		// writes still export.
		if cleanup != nil {
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), domain.ShutdownHTTPTimeout)
			defer cleanupCancel()
			if cleanupErr := cleanup(cleanupCtx); cleanupErr != nil {
				logger.Error("service cleanup error", slog.String("error", cleanupErr.Error()))
			}
		}

		// 5. Flush OTEL (reverse: metrics first, then tracer)
		otelCtx, otelCancel := context.WithTimeout(context.Background(), domain.ShutdownOTELTimeout)
		defer otelCancel()
		if shutdownErr := metricsProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", shutdownErr.Error()))
		}
		if shutdownErr := tracerProvider.Shutdown(otelCtx); shutdownErr != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", shutdownErr.Error()))
		}

		logger.Info("shutdown complete")
		return nil
	})

	return g.Wait()
}
