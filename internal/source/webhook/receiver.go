package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/dm-agent/internal/engine"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
)

// ErrBadSignature is returned when a delivery fails the HMAC check.
var ErrBadSignature = errors.New("webhook signature mismatch")

// ErrBadVerifyToken is returned when the subscription handshake token differs.
var ErrBadVerifyToken = errors.New("webhook verify token mismatch")

// Ingester is the part of the engine a webhook delivery feeds
type Ingester interface {
	Ingest(ctx context.Context, ev *models.Event) (*engine.IngestResult, error)
	MarkDelivered(ctx context.Context, receipt *models.DeliveryReceipt) (int64, error)
}

// Result summarizes one handled delivery
type Result struct {
	Events     int
	Created    int
	Duplicates int
	Routed     int
	Ignored    int
	Delivered  int64
	Errors     int
}

// Receiver authenticates deliveries and hands their contents to the engine
type Receiver struct {
	ingester    Ingester
	appSecret   string
	verifyToken string
	timeout     time.Duration
	now         func() time.Time
	log         *logger.Logger
}

// NewReceiver creates a receiver. timeout bounds the engine work of one
// event; zero leaves it to the caller's context.
func NewReceiver(ingester Ingester, appSecret, verifyToken string, timeout time.Duration, log *logger.Logger) *Receiver {
	return &Receiver{
		ingester:    ingester,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		timeout:     timeout,
		now:         time.Now,
		log:         log.WithComponent("webhook"),
	}
}

// VerifyChallenge answers the subscription handshake.
func (r *Receiver) VerifyChallenge(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || r.verifyToken == "" || token != r.verifyToken {
		return "", ErrBadVerifyToken
	}
	return challenge, nil
}

// Handle verifies and processes a raw delivery. Only an authentication or
// decoding failure is returned as an error; per-event failures are logged and
// counted so the platform does not redeliver the whole batch.
func (r *Receiver) Handle(ctx context.Context, body []byte, signature string) (*Result, error) {
	if !VerifySignature(r.appSecret, body, signature) {
		return nil, ErrBadSignature
	}

	batch, err := Parse(body, r.now())
	if err != nil {
		return nil, err
	}

	res := &Result{Events: len(batch.Events)}
	for _, ev := range batch.Events {
		r.ingest(ctx, ev, res)
	}

	for _, receipt := range batch.Receipts {
		n, err := r.ingester.MarkDelivered(ctx, receipt)
		if err != nil {
			res.Errors++
			r.log.Error().Err(err).
				Str("account", receipt.AccountPlatformID).
				Msg("Failed to record delivery receipt")
			continue
		}
		res.Delivered += n
	}

	r.log.Debug().
		Str("batch", batch.String()).
		Int("created", res.Created).
		Int("errors", res.Errors).
		Msg("Webhook handled")

	return res, nil
}

func (r *Receiver) ingest(ctx context.Context, ev *models.Event, res *Result) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := r.ingester.Ingest(ctx, ev)
	if err != nil {
		res.Errors++
		r.log.Warn().Err(err).
			Str("type", string(ev.Type)).
			Str("account", ev.AccountPlatformID).
			Str("source_id", ev.SourceID).
			Str("kind", string(failure.KindOf(err))).
			Msg("Failed to ingest webhook event")
		return
	}

	res.Created += len(out.Created)
	res.Duplicates += out.Duplicates
	if out.RoutedTo != 0 {
		res.Routed++
	}
	if out.Ignored != "" {
		res.Ignored++
	}
}
