// Package platform is the Instagram Graph API client: direct messages out,
// media and comments in. Each call is paced per account, authenticated with
// the account's long-lived token and routed through a shared circuit breaker.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/oauth2"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
	"github.com/dm-agent/pkg/ratelimit"
)

const (
	DefaultBaseURL    = "https://graph.instagram.com"
	DefaultAPIVersion = "v21.0"

	maxResponseBytes = 1 << 20
)

// Client handles Graph API requests
type Client struct {
	transport http.RoundTripper
	timeout   time.Duration
	baseURL   string
	limiter   *ratelimit.MultiLimiter
	breaker   circuitbreaker.CircuitBreaker[*http.Response]
	log       *logger.Logger
}

// NewClient creates a new Graph API client
func NewClient(cfg config.PlatformConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = ratelimit.NewMultiLimiter(cfg.RequestsPerSecond, cfg.Burst)
	}

	c := &Client{
		transport: http.DefaultTransport,
		timeout:   timeout,
		baseURL:   base + "/" + strings.Trim(version, "/"),
		limiter:   limiter,
		log:       log.WithComponent("platform"),
	}
	c.breaker = newBreaker(cfg.BreakerFailures, cfg.BreakerDelay, c.log)
	return c
}

func newBreaker(failures int, delay time.Duration, log *logger.Logger) circuitbreaker.CircuitBreaker[*http.Response] {
	if failures <= 0 {
		failures = 5
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		WithFailureThreshold(uint(failures)).
		WithDelay(delay).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn().
				Str("from", stateName(e.OldState)).
				Str("to", stateName(e.NewState)).
				Msg("Platform circuit breaker state change")
		}).
		Build()
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerState reports the circuit breaker state for health checks.
func (c *Client) BreakerState() string {
	return stateName(c.breaker.State())
}

// do performs an authenticated request and decodes a 2xx body into out.
// Non-2xx responses come back as classified failures.
func (c *Client) do(ctx context.Context, acct *models.Account, method, path string, query url.Values, body, out interface{}) error {
	if acct == nil || acct.AccessToken == "" {
		return failure.New(failure.KindTokenExpired, "account has no access token")
	}
	if acct.IsExpired() {
		return failure.New(failure.KindTokenExpired, "access token expired at "+acct.TokenExpiresAt.Format(time.RFC3339))
	}

	// Wait for rate limiter
	if err := c.limiter.Wait(ctx, acct.PlatformUserID); err != nil {
		return failure.Wrap(failure.KindTransientUpstream, "rate limit wait", err)
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return failure.Wrap(failure.KindValidation, "marshal request body", err)
		}
		payload = data
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpClient := &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Base:   c.transport,
			Source: oauth2.StaticTokenSource(acct.ToOAuth2Token()),
		},
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Str("account", acct.PlatformUserID).
		Msg("Making Graph API request")

	resp, err := failsafe.With[*http.Response](c.breaker).WithContext(ctx).Get(func() (*http.Response, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return httpClient.Do(req)
	})
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return failure.Wrap(failure.KindTransientUpstream, "circuit open", err)
		}
		return failure.Wrap(failure.KindTransientUpstream, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure.Wrap(failure.KindTransientUpstream, "read response", err)
	}

	c.log.Debug().
		Int("status", resp.StatusCode).
		Str("path", path).
		Msg("Graph API response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return failure.Wrap(failure.KindPermanentUpstream, fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}

// Profile is the connected account as reported by the platform.
type Profile struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// GetProfile retrieves the account behind the token
func (c *Client) GetProfile(ctx context.Context, acct *models.Account) (*Profile, error) {
	var profile Profile
	query := url.Values{"fields": {"id,user_id,username,name"}}
	if err := c.do(ctx, acct, http.MethodGet, "/me", query, nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}
