package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/middleware"
	"github.com/mossy-p/sdp-rendezvous/internal/ratelimit"
)

// RouterConfig holds everything NewRouter wires together.
type RouterConfig struct {
	Service        *exchange.Service
	Limiter        *ratelimit.Limiter
	Logger         *slog.Logger
	JWTSecret      string
	AllowedOrigins []string
	// Development exposes /api/auth/token.
	Development bool
	// Health reports dependency failures on /health. Optional.
	Health func(ctx context.Context) error
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	Stream  StreamConfig
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", healthHandler(cfg.Health))
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	exchanges := NewExchangeHandler(cfg.Service, logger, cfg.Stream)
	auth := middleware.JWTAuth(cfg.JWTSecret)
	limit := middleware.RateLimit(cfg.Limiter, logger)

	api := router.Group("/api")
	if cfg.Development {
		api.POST("/auth/token", IssueToken(cfg.JWTSecret))
	}

	sdp := api.Group("/sdp")
	sdp.Use(auth, limit)
	{
		sdp.POST("/offer", exchanges.RegisterOffer)
		sdp.POST("/answer", exchanges.RegisterAnswer)
		sdp.GET("/answer/:exchangeId", exchanges.GetAnswer)
		sdp.DELETE("/:exchangeId", exchanges.DeleteExchange)
	}

	ws := router.Group("/ws")
	ws.Use(auth, limit)
	{
		ws.GET("/sdp/answer/:exchangeId", exchanges.StreamAnswer)
	}

	return router
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
