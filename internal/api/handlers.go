package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dm-agent/internal/source/webhook"
)

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Breaker != nil {
		state := s.deps.Breaker.BreakerState()
		body["platform_breaker"] = state
		if state == "open" {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) verifyWebhook(c *gin.Context) {
	challenge, err := s.deps.Webhook.VerifyChallenge(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if err != nil {
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

// receiveWebhook acknowledges every authentic delivery with 200 so the
// platform does not retry it; processing failures are logged and counted.
func (s *Server) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read webhook body")
		c.String(http.StatusBadRequest, "unreadable body")
		return
	}

	ctx := c.Request.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	res, err := s.deps.Webhook.Handle(ctx, body, c.GetHeader(webhook.SignatureHeader))
	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		s.deps.Metrics.WebhookError()
		c.String(http.StatusUnauthorized, "invalid signature")
		return
	case err != nil:
		s.deps.Metrics.WebhookError()
		s.log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("Failed to process webhook")
	default:
		for i := 0; i < res.Errors; i++ {
			s.deps.Metrics.WebhookError()
		}
	}
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

func (s *Server) poll(c *gin.Context) {
	if !s.authorizedPoll(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid poll secret"})
		return
	}
	if s.deps.Poller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "poller not configured"})
		return
	}

	res, err := s.deps.Poller.Run(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Poll run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scanned":   res.Scanned,
		"created":   res.Created,
		"processed": res.Processed,
		"errors":    res.Errors,
	})
}

// authorizedPoll accepts the secret in a header or query parameter. An unset
// secret rejects every caller.
func (s *Server) authorizedPoll(c *gin.Context) bool {
	want := s.cfg.PollSecret
	if want == "" {
		return false
	}
	got := c.GetHeader("X-Poll-Secret")
	if got == "" {
		got = c.Query("secret")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
