// Package api serves the webhook receiver, the poll trigger, health and
// metrics over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dm-agent/internal/agent/poller"
	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/source/webhook"
	"github.com/dm-agent/pkg/logger"
)

// WebhookReceiver verifies and ingests platform deliveries
type WebhookReceiver interface {
	VerifyChallenge(mode, token, challenge string) (string, error)
	Handle(ctx context.Context, body []byte, signature string) (*webhook.Result, error)
}

// Poller runs one poll pass
type Poller interface {
	Run(ctx context.Context) (*poller.Result, error)
}

// BreakerReporter exposes the platform circuit breaker state
type BreakerReporter interface {
	BreakerState() string
}

// Deps are the collaborators the routes call into. Poller and Breaker may be
// nil; the poll route then answers 503.
type Deps struct {
	Webhook WebhookReceiver
	Poller  Poller
	Breaker BreakerReporter
	Metrics *metrics.Metrics
}

// Server owns the router and the listener
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	router *gin.Engine
	http   *http.Server
	log    *logger.Logger
}

// maxBodyBytes caps webhook deliveries.
const maxBodyBytes = 1 << 20

// NewServer builds the router
func NewServer(deps Deps, cfg config.ServerConfig, log *logger.Logger) *Server {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	s := &Server{
		deps: deps,
		cfg:  cfg,
		log:  log.WithComponent("api"),
	}

	router := gin.New()
	router.Use(requestID())
	router.Use(requestLogger(s.log))
	router.Use(recovery(s.log))
	router.Use(deps.Metrics.Middleware())

	router.GET("/health", s.health)
	if deps.Metrics != nil {
		router.GET("/metrics", deps.Metrics.Handler())
	}

	hooks := router.Group("/webhooks")
	hooks.GET("/instagram", s.verifyWebhook)
	hooks.POST("/instagram", s.receiveWebhook)

	api := router.Group("/api")
	api.GET("/poll", s.poll)
	api.POST("/poll", s.poll)

	s.router = router
	return s
}

// Handler returns the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP server")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info().Msg("Shutting down HTTP server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
