package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/gateway"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/processor"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/resolver"
	"github.com/lalithlochan/herald/internal/schedule"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/internal/stats"
)

// store is everything herald needs from its persistence layer. Both the
// Postgres repository and the in-memory store satisfy it.
type store interface {
	processor.Store
	schedule.Store
	stats.Store
	dispatch.Recorder
	resolver.ContactSource
	api.ExecutionRepository
	api.Pinger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment wins over the file.
	_ = godotenv.Load()

	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resumePolicy, err := schedule.ParseResumePolicy(cfg.ResumePolicy)
	if err != nil {
		return fmt.Errorf("invalid RESUME_POLICY: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("store", cfg.StoreDriver),
		zap.String("gateway", cfg.Gateway),
	)

	ctx := context.Background()

	// Store
	var (
		st       store
		database *db.DB
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		st = memstore.New()
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			AppName:  "herald-" + cfg.InstanceID,
		}, observ.Component(logger, "db"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		st = db.NewRepository(database, observ.Component(logger, "db"))
	}

	// Initialize Redis for the shared throttle, idempotency and rate limiting
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = redis.New(ctx, redis.Config{
			Host:      cfg.RedisHost,
			Port:      cfg.RedisPort,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, observ.Component(logger, "redis"))
		if err != nil {
			logger.Warn("redis unavailable, idempotency and shared limits disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var (
		idempotencyService *redis.IdempotencyService
		apiLimiter         *redis.RateLimiter
		sendLimiter        *redis.RateLimiter
	)
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, observ.Component(logger, "idempotency"))
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateWindow,
		})
		if cfg.SharedSendRate > 0 {
			sendLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.SharedSendRate,
				Window: time.Second,
			})
		}
	}

	// Gateways
	gw, breakers, err := buildGateway(ctx, cfg, sendLimiter, observ.Component(logger, "gateway"))
	if err != nil {
		return err
	}

	// Execution events go to every configured sink
	var sinks events.Fanout
	if cfg.SQSEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSEventsQueueURL,
		}, observ.Component(logger, "events"))
		if err != nil {
			logger.Warn("sqs producer unavailable, execution events will not be queued",
				zap.Error(err),
			)
		} else {
			defer producer.Close()
			sinks = append(sinks, producer)
		}
	}
	if cfg.SNSEventsTopicARN != "" {
		var topic *sns.Publisher
		if cfg.AWSEndpointURL != "" {
			topic, err = sns.NewPublisherWithEndpoint(ctx, cfg.SNSEventsTopicARN, cfg.AWSEndpointURL, cfg.SNSRegion, observ.Component(logger, "events"))
		} else {
			topic, err = sns.NewPublisher(ctx, cfg.SNSEventsTopicARN, cfg.SNSRegion, observ.Component(logger, "events"))
		}
		if err != nil {
			logger.Warn("sns publisher unavailable, execution events will not be announced",
				zap.Error(err),
			)
		} else {
			sinks = append(sinks, topic)
		}
	}
	var publisher processor.Publisher
	if len(sinks) > 0 {
		publisher = sinks
	}

	executor := dispatch.New(gw, st, dispatch.Config{
		Workers:       cfg.DispatchWorkers,
		RatePerSecond: cfg.SendRate,
		Burst:         cfg.SendBurst,
		SendTimeout:   cfg.SendTimeout,
		Backoff: dispatch.BackoffConfig{
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			MaxAttempts:  cfg.MaxAttempts,
			Jitter:       true,
		},
	}, observ.Component(logger, "dispatch"))

	proc := processor.New(st, resolver.New(st, observ.Component(logger, "resolver")), executor, publisher, processor.Config{
		TickInterval: cfg.TickInterval,
		ClaimTTL:     cfg.ClaimTTL,
		BatchSize:    cfg.BatchSize,
		InstanceID:   cfg.InstanceID,
	}, observ.Component(logger, "processor"))

	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()

	go proc.Start(procCtx)

	logger.Info("processor started",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("claim_ttl", cfg.ClaimTTL),
	)

	go reportConnections(procCtx, database, redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	httpLogger := observ.Component(logger, "http")
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			httpLogger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandlerWithIdempotency(observ.Component(logger, "api"),
		schedule.New(st, schedule.Config{ResumePolicy: resumePolicy}, observ.Component(logger, "schedule")),
		st,
		stats.New(st, observ.Component(logger, "stats")),
		proc,
		idempotencyService,
	).WithBreakers(breakers...)

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.OperatorKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", api.HealthHandler(st, proc))

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		procCancel()
		stopProcessor(proc, logger)
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Stop ticking, then let running executions record their outcome.
	procCancel()
	stopProcessor(proc, logger)

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

func stopProcessor(proc *processor.Processor, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := proc.Stop(ctx); err != nil {
		logger.Warn("processor did not stop in time, executions will be recovered on next start",
			zap.Error(err),
		)
		return
	}
	logger.Info("processor stopped")
}

// buildGateway wires the channel gateways. Each provider gets its own circuit
// breaker and, when configured, a throttle shared by every instance.
func buildGateway(ctx context.Context, cfg *config.Config, sendLimiter *redis.RateLimiter, logger *zap.Logger) (gateway.Gateway, []*circuitbreaker.CircuitBreaker, error) {
	if cfg.Gateway == config.GatewayLog {
		logger.Warn("log gateway enabled, nothing will be delivered")
		return gateway.NewLogGateway(logger), nil, nil
	}

	awsCfg, err := gateway.LoadAWSConfig(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, nil, err
	}
	snsCfg := awsCfg
	if cfg.SNSRegion != cfg.AWSRegion {
		if snsCfg, err = gateway.LoadAWSConfig(ctx, cfg.SNSRegion); err != nil {
			return nil, nil, err
		}
	}

	providers := []struct {
		name string
		gw   gateway.Gateway
	}{
		{"sns", gateway.NewSNSGateway(snsCfg, gateway.SNSConfig{SenderID: cfg.SNSSenderID}, logger)},
		{"ses", gateway.NewSESGateway(awsCfg, gateway.SESConfig{FromEmail: cfg.SESFromEmail, ConfigurationSet: cfg.SESConfigSet}, logger)},
		{"webhook", gateway.NewWebhookGateway(gateway.WebhookConfig{
			URL:       cfg.WebhookURL,
			Timeout:   cfg.WebhookTimeout,
			AuthToken: cfg.WebhookToken,
		}, logger)},
	}

	var (
		wrapped  []gateway.Gateway
		breakers []*circuitbreaker.CircuitBreaker
	)
	for _, p := range providers {
		bcfg := circuitbreaker.DefaultConfig(p.name)
		bcfg.MaxFailures = cfg.BreakerMaxFailures
		bcfg.Cooldown = cfg.BreakerCooldown
		bcfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		breaker := circuitbreaker.New(bcfg, logger)
		breakers = append(breakers, breaker)

		var gw gateway.Gateway = circuitbreaker.NewProtectedGateway(p.gw, breaker, logger)
		if sendLimiter != nil {
			gw = gateway.NewThrottled(gw, logger, redis.NewThrottle(sendLimiter, "send:"+p.name, logger))
		}
		wrapped = append(wrapped, gw)
	}

	logger.Info("initialized multi-channel gateways",
		zap.String("aws_region", cfg.AWSRegion),
		zap.String("sns_region", cfg.SNSRegion),
		zap.Bool("webhook_enabled", cfg.WebhookURL != ""),
		zap.Bool("shared_throttle", sendLimiter != nil),
	)
	return gateway.NewMultiGateway(logger, wrapped...), breakers, nil
}

// reportConnections keeps the connection gauges current until ctx ends.
func reportConnections(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		if database != nil {
			metrics.SetDBConnections(database.AcquiredConns())
		}
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.TotalConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
