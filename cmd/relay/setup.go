package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/averla/gchatstream/internal/auth"
	"github.com/averla/gchatstream/internal/channel"
	"github.com/averla/gchatstream/internal/config"
	"github.com/averla/gchatstream/internal/dispatch"
	"github.com/averla/gchatstream/internal/domain"
	"github.com/averla/gchatstream/internal/dynamo"
	"github.com/averla/gchatstream/internal/gchttp"
	"github.com/averla/gchatstream/internal/redis"
	"github.com/averla/gchatstream/internal/relay/adapter"
	"github.com/averla/gchatstream/internal/relay/app"
	"github.com/averla/gchatstream/internal/relay/port"
	"github.com/averla/gchatstream/internal/server"
)

// setup is the relay composition root. It creates infrastructure clients,
// adapters, the event pipeline, and the channel supervisor, registers the
// management handlers, and starts the supervisor as a background task.
func setup(ctx context.Context, deps server.SetupDeps) (func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger

	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("relay setup: create dynamo client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	// 2. Adapters.
	clock := domain.RealClock{}
	messageIndex := adapter.NewMessageIndex(dynamoClient.DB, cfg.DynamoDB.MessagesTable, cfg.DynamoDB.ConversationsTable, clock)
	revisionStore := adapter.NewRevisionStore(redisClient.RDB)
	sink := adapter.NewLoggingSink(logger)

	// 3. Token source (auth-mode dependent).
	tokens, err := createTokenSource(ctx, cfg, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("relay setup: create token source: %w", err)
	}

	// 4. Upstream HTTP session, shared by every channel the supervisor opens.
	session, err := gchttp.NewSession(gchttp.Config{
		Tokens:    tokens,
		UserAgent: cfg.Channel.UserAgent,
		ProxyURL:  cfg.Channel.ProxyURL,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("relay setup: create upstream session: %w", err)
	}

	// 5. Event pipeline.
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Revisions: revisionStore,
		Logger:    logger,
	})
	deduper := app.NewDeduper(app.DeduperConfig{
		Index:        messageIndex,
		RingCapacity: cfg.Relay.DedupRingSize,
		Logger:       logger,
	})
	eventSvc, err := app.NewEventService(app.EventServiceConfig{
		Dispatcher: dispatcher,
		Deduper:    deduper,
		Sink:       sink,
		Messages:   messageIndex,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("relay setup: create event service: %w", err)
	}

	// 6. Channel supervisor.
	newChannel := func() (*channel.Channel, error) {
		return channel.New(channel.Config{
			Session:     session,
			BaseURL:     cfg.Channel.BaseURL,
			MaxRetries:  cfg.Channel.MaxRetries,
			BackoffBase: cfg.Channel.BackoffBase,
			Clock:       clock,
			Logger:      logger,
		})
	}
	supervisor, err := app.NewSupervisor(app.SupervisorConfig{
		NewChannel:   newChannel,
		Service:      eventSvc,
		MaxAge:       cfg.Channel.MaxAge,
		Clock:        clock,
		Logger:       logger,
		InitialDelay: cfg.Relay.ReconnectInitial,
		MaxDelay:     cfg.Relay.ReconnectMax,
		DelayFactor:  cfg.Relay.ReconnectFactor,
		StableAfter:  cfg.Relay.ReconnectStableAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("relay setup: create supervisor: %w", err)
	}

	// 7. Management surface.
	port.NewStatusHandler(supervisor).Register(deps.HTTPMux)

	// 8. Supervisor loop. An auth failure is not fatal to the process: the
	// relay stays up unlinked so /v1/status explains why /readyz is failing,
	// and the operator can re-link without fighting a crash loop.
	deps.Background(func(ctx context.Context) error {
		err := supervisor.Run(ctx)
		if err != nil && domain.IsAuthFailure(err) {
			logger.ErrorContext(ctx, "relay is not linked to a Google account; obtain a refresh token via the authorization URL, set it, and restart",
				slog.String("authorization_url", auth.AuthorizationURL()),
				slog.String("error", err.Error()))
			return nil
		}
		return err
	})

	logger.InfoContext(ctx, "relay initialized", slog.String("auth_mode", cfg.Auth.Mode))

	cleanup := func(ctx context.Context) error {
		// Drain queued deliveries before closing the stores they write to.
		err := dispatcher.Close(ctx)
		session.Close()
		return errors.Join(err, redisClient.Close())
	}

	return cleanup, nil
}

// createTokenSource returns the bearer token source for the configured auth
// mode. Static mode wraps the fixed token from the environment; refresh mode
// exchanges a stored OAuth refresh token; service account mode signs JWT
// assertions with a key from Secrets Manager.
func createTokenSource(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (gchttp.TokenSource, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeStatic:
		logger.Info("using static bearer token, refresh disabled")
		return auth.NewStaticTokenSource(cfg.Auth.Token.Expose()), nil

	case config.AuthModeRefresh:
		cache, err := createRefreshTokenCache(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return auth.NewTokenManager(auth.TokenManagerConfig{
			Cache:  cache,
			Clock:  clock,
			Logger: logger,
		}), nil

	case config.AuthModeServiceAccount:
		sm, err := createSecretsClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		loader, err := adapter.NewKeyLoader(ctx, sm, cfg.Auth.KeySecretID)
		if err != nil {
			return nil, err
		}
		logger.Info("using service account identity", slog.String("email", loader.Email()))
		return auth.NewServiceAccountSource(auth.ServiceAccountConfig{
			Email:    loader.Email(),
			KeyStore: loader,
			TokenURL: loader.TokenURL(),
			Clock:    clock,
			Logger:   logger,
		})

	default:
		// Config validation rejects unknown modes before setup runs.
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// createRefreshTokenCache returns the refresh token store for the environment.
// Local runs without a token secret keep the token in memory, seeded from the
// environment. Everything else persists it in Secrets Manager so a restart
// does not force a re-link.
func createRefreshTokenCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.RefreshTokenCache, error) {
	if cfg.Auth.TokenSecretID == "" {
		logger.Info("using in-memory refresh token cache for local development")
		return auth.NewMemoryRefreshTokenCache(cfg.Auth.RefreshToken.Expose()), nil
	}

	sm, err := createSecretsClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cache := adapter.NewTokenCache(sm, cfg.Auth.TokenSecretID)

	// Seed the secret from the environment on first start only. A token
	// already in Secrets Manager may have been rotated since the
	// environment was written, so it always wins.
	if seed := cfg.Auth.RefreshToken; !seed.IsEmpty() {
		if _, err := cache.Get(ctx); errors.Is(err, domain.ErrNotFound) {
			if err := cache.Set(ctx, seed); err != nil {
				return nil, fmt.Errorf("seed refresh token cache: %w", err)
			}
			logger.Info("seeded refresh token cache from environment")
		}
	}

	return cache, nil
}

// createSecretsClient builds a Secrets Manager client. When cfg.AWS.Endpoint
// is set, BaseEndpoint and static credentials are used for LocalStack
// compatibility, mirroring dynamo.NewClient.
func createSecretsClient(ctx context.Context, cfg *config.Config) (*secretsmanager.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}

	if cfg.AWS.Endpoint != "" {
		opts = append(opts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider("test", "test", ""),
			),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var smOpts []func(*secretsmanager.Options)
	if cfg.AWS.Endpoint != "" {
		endpoint := cfg.AWS.Endpoint
		smOpts = append(smOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return secretsmanager.NewFromConfig(awsCfg, smOpts...), nil
}
