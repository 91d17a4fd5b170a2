package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mossy-p/sdp-rendezvous/config"
	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/handlers"
	"github.com/mossy-p/sdp-rendezvous/internal/metrics"
	"github.com/mossy-p/sdp-rendezvous/internal/payload"
	"github.com/mossy-p/sdp-rendezvous/internal/ratelimit"
	"github.com/mossy-p/sdp-rendezvous/internal/redis"
	"github.com/mossy-p/sdp-rendezvous/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("signaling server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	st, err := store.OpenSQLite(store.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("exchange store opened", "path", cfg.Database.Path)

	// Redis is optional. Without it answer wakeups stay in this process.
	var notifier exchange.Notifier = exchange.NewLocalNotifier()
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		notifier = redis.NewNotifier(redisClient, logger)
		logger.Info("Redis connection established", "addr", cfg.Redis.Addr())
	}

	limiter, err := ratelimit.New(clk, rateLimitWindows(cfg.RateLimit))
	if err != nil {
		return err
	}

	service := exchange.NewService(st, payload.New([]byte(cfg.Exchange.PayloadKeySalt)), notifier, clk, logger, exchange.Config{
		OfferValidity:      cfg.Exchange.OfferValidity,
		PollTimeout:        cfg.Exchange.AnswerPollTimeout,
		PollInterval:       cfg.Exchange.AnswerPollInterval,
		MaxConcurrentPolls: int64(cfg.Exchange.MaxConcurrentPolls),
	})

	janitor := &exchange.Janitor{
		Store:     st,
		Limiter:   limiter,
		Clock:     clk,
		Logger:    logger,
		Retention: cfg.Exchange.RecordRetention,
		Interval:  cfg.Exchange.JanitorInterval,
	}
	go janitor.Run(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Service:        service,
		Limiter:        limiter,
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    !cfg.IsProduction(),
		Health: func(ctx context.Context) error {
			if err := st.View(ctx, func(store.Tx) error { return nil }); err != nil {
				return err
			}
			if redisClient != nil {
				return redisClient.Ping(ctx)
			}
			return nil
		},
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		// The stream is bounded like a poll, only longer.
		Stream: handlers.StreamConfig{Timeout: 4 * cfg.Exchange.AnswerPollTimeout},
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting SDP rendezvous server", "port", cfg.Port, "environment", cfg.Environment)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Exchange.AnswerPollTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func rateLimitWindows(cfg config.RateLimitConfig) []ratelimit.Window {
	return []ratelimit.Window{
		{Duration: time.Second, Max: cfg.PerSecond},
		{Duration: time.Minute, Max: cfg.PerMinute},
		{Duration: 10 * time.Minute, Max: cfg.PerTenMinutes},
		{Duration: time.Hour, Max: cfg.PerHour},
	}
}
