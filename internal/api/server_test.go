package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-agent/internal/agent/poller"
	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/source/webhook"
	"github.com/dm-agent/pkg/logger"
)

type stubReceiver struct {
	bodies []string
	result *webhook.Result
	err    error
}

func (s *stubReceiver) VerifyChallenge(mode, token, challenge string) (string, error) {
	if mode == "subscribe" && token == "verify-me" {
		return challenge, nil
	}
	return "", webhook.ErrBadVerifyToken
}

func (s *stubReceiver) Handle(_ context.Context, body []byte, signature string) (*webhook.Result, error) {
	if signature != "sha256=good" {
		return nil, webhook.ErrBadSignature
	}
	s.bodies = append(s.bodies, string(body))
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &webhook.Result{}, nil
}

type stubPoller struct {
	runs int
	err  error
}

func (p *stubPoller) Run(context.Context) (*poller.Result, error) {
	p.runs++
	if p.err != nil {
		return nil, p.err
	}
	return &poller.Result{Scanned: 4, Created: 2, Processed: 1, Errors: []string{"comments:b: boom"}}, nil
}

type stubBreaker string

func (b stubBreaker) BreakerState() string { return string(b) }

func newTestServer(deps Deps) *Server {
	gin.SetMode(gin.TestMode)
	return NewServer(deps, config.ServerConfig{PollSecret: "s3cret", RequestTimeout: time.Second}, logger.Nop())
}

func do(s *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)
	return resp
}

func TestWebhookHandshake(t *testing.T) {
	s := newTestServer(Deps{Webhook: &stubReceiver{}})

	resp := do(s, http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "42", resp.Body.String())

	resp = do(s, http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
}

func TestWebhookDelivery(t *testing.T) {
	recv := &stubReceiver{}
	s := newTestServer(Deps{Webhook: recv, Metrics: metrics.New("test")})

	resp := do(s, http.MethodPost, "/webhooks/instagram", `{"object":"instagram"}`,
		map[string]string{webhook.SignatureHeader: "sha256=bad"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, recv.bodies)

	resp = do(s, http.MethodPost, "/webhooks/instagram", `{"object":"instagram"}`,
		map[string]string{webhook.SignatureHeader: "sha256=good"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{`{"object":"instagram"}`}, recv.bodies)
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))

	recv.err = errors.New("malformed webhook payload")
	resp = do(s, http.MethodPost, "/webhooks/instagram", `{"object":`,
		map[string]string{webhook.SignatureHeader: "sha256=good"})
	assert.Equal(t, http.StatusOK, resp.Code, "authentic deliveries are always acknowledged")

	recv.err = nil
	recv.result = &webhook.Result{Events: 3, Errors: 2}
	resp = do(s, http.MethodPost, "/webhooks/instagram", `{}`,
		map[string]string{webhook.SignatureHeader: "sha256=good"})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "test_webhook_processing_errors_total 4")
}

func TestPollRequiresSecret(t *testing.T) {
	p := &stubPoller{}
	s := newTestServer(Deps{Webhook: &stubReceiver{}, Poller: p})

	resp := do(s, http.MethodPost, "/api/poll", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = do(s, http.MethodGet, "/api/poll?secret=wrong", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Zero(t, p.runs)

	resp = do(s, http.MethodPost, "/api/poll", "", map[string]string{"X-Poll-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Scanned   int      `json:"scanned"`
		Created   int      `json:"created"`
		Processed int      `json:"processed"`
		Errors    []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Scanned)
	assert.Equal(t, 2, body.Created)
	assert.Equal(t, 1, body.Processed)
	assert.Equal(t, []string{"comments:b: boom"}, body.Errors)

	resp = do(s, http.MethodGet, "/api/poll?secret=s3cret", "", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 2, p.runs)

	p.err = errors.New("database unavailable")
	resp = do(s, http.MethodGet, "/api/poll?secret=s3cret", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestPollWithoutConfiguredSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewServer(Deps{Webhook: &stubReceiver{}, Poller: &stubPoller{}}, config.ServerConfig{}, logger.Nop())

	resp := do(s, http.MethodGet, "/api/poll?secret=", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(Deps{Webhook: &stubReceiver{}, Breaker: stubBreaker("open")})
	resp := do(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "open", body["platform_breaker"])

	s = newTestServer(Deps{Webhook: &stubReceiver{}})
	resp = do(s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code, "metrics route only exists when enabled")
}
