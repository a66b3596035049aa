// Package comments polls recent media of one account for new comments.
package comments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/platform"
	"github.com/dm-agent/internal/source"
	"github.com/dm-agent/pkg/logger"
)

// Client is the part of the platform client the poller needs
type Client interface {
	ListMedia(ctx context.Context, acct *models.Account, limit int) ([]platform.Media, error)
	ListComments(ctx context.Context, acct *models.Account, mediaID string, limit int) ([]platform.Comment, error)
	GetProfile(ctx context.Context, acct *models.Account) (*platform.Profile, error)
}

// Source implements EventSource for the comments of one account
type Source struct {
	client       Client
	account      *models.Account
	mediaLimit   int
	commentLimit int
	lookback     time.Duration
	now          func() time.Time
	log          *logger.Logger
}

// New creates a comment source for a single account
func New(client Client, account *models.Account, cfg config.PollerConfig, log *logger.Logger) *Source {
	mediaLimit := cfg.MediaLimit
	if mediaLimit <= 0 {
		mediaLimit = 10
	}
	commentLimit := cfg.CommentLimit
	if commentLimit <= 0 {
		commentLimit = 50
	}
	return &Source{
		client:       client,
		account:      account,
		mediaLimit:   mediaLimit,
		commentLimit: commentLimit,
		lookback:     cfg.Lookback,
		now:          time.Now,
		log:          log.WithComponent("comments").WithAccount(account.PlatformUserID),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return "comments:" + s.account.PlatformUserID
}

// Type returns "comments"
func (s *Source) Type() string {
	return "comments"
}

// Account returns the polled account
func (s *Source) Account() *models.Account {
	return s.account
}

// Since returns the oldest comment time still worth reading. Comments older
// than that were seen by an earlier poll or fall outside the lookback.
func (s *Source) Since() time.Time {
	var since time.Time
	if s.lookback > 0 {
		since = s.now().UTC().Add(-s.lookback)
	}
	if last := s.account.LastPolledAt; last != nil && last.After(since) {
		// Overlap one minute with the previous run; dedup absorbs repeats.
		since = last.UTC().Add(-time.Minute)
	}
	return since
}

// Fetch retrieves comments newer than Since from the latest media
func (s *Source) Fetch(ctx context.Context) ([]*models.Event, error) {
	media, err := s.client.ListMedia(ctx, s.account, s.mediaLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media of %s: %w", s.account.PlatformUserID, err)
	}

	since := s.Since()
	var events []*models.Event
	for _, m := range media {
		if m.CommentsCount == 0 {
			continue
		}
		comments, err := s.client.ListComments(ctx, s.account, m.ID, s.commentLimit)
		if err != nil {
			return events, fmt.Errorf("failed to list comments of media %s: %w", m.ID, err)
		}
		for i := range comments {
			c := &comments[i]
			if !since.IsZero() && !c.Timestamp.IsZero() && c.Timestamp.Before(since) {
				continue
			}
			if s.isOwn(c) {
				continue
			}
			events = append(events, s.toEvent(m, c))
		}
	}

	s.log.Info().
		Int("media", len(media)).
		Int("count", len(events)).
		Msg("Fetched comments")

	return events, nil
}

// HealthCheck verifies the account token still works
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.client.GetProfile(ctx, s.account)
	return err
}

func (s *Source) isOwn(c *platform.Comment) bool {
	if id := c.AuthorID(); id != "" {
		return id == s.account.PlatformUserID
	}
	return s.account.Username != "" && strings.EqualFold(c.AuthorUsername(), s.account.Username)
}

func (s *Source) toEvent(m platform.Media, c *platform.Comment) *models.Event {
	occurred := c.Timestamp.Time
	if occurred.IsZero() {
		occurred = s.now().UTC()
	}
	actor := c.AuthorID()
	if actor == "" {
		// Older API versions omit from.id; fall back to the handle.
		actor = "username:" + c.AuthorUsername()
	}
	return &models.Event{
		Type:              models.TriggerComment,
		AccountPlatformID: s.account.PlatformUserID,
		SourceID:          c.ID,
		ActorID:           actor,
		ActorUsername:     c.AuthorUsername(),
		Body:              c.Text,
		PostID:            m.ID,
		OccurredAt:        occurred,
		Raw: map[string]interface{}{
			"media_permalink": m.Permalink,
			"media_type":      m.MediaType,
			"parent_id":       c.ParentID,
		},
	}
}

// Ensure Source implements source.EventSource
var _ source.EventSource = (*Source)(nil)
