package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dm-agent/internal/models"
)

const (
	mediaFields   = "id,caption,media_type,permalink,timestamp,comments_count"
	commentFields = "id,text,timestamp,username,from,parent_id"
	maxPageSize   = 50
)

// Time parses Graph API timestamps such as 2024-05-01T10:00:00+0000.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05-0700", time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid graph timestamp %q", s)
}

// Media is a post on the connected account
type Media struct {
	ID            string `json:"id"`
	Caption       string `json:"caption"`
	MediaType     string `json:"media_type"`
	Permalink     string `json:"permalink"`
	Timestamp     Time   `json:"timestamp"`
	CommentsCount int    `json:"comments_count"`
}

// Comment is a comment left on a media item
type Comment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp Time   `json:"timestamp"`
	Username  string `json:"username"`
	ParentID  string `json:"parent_id"`
	From      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

// AuthorID returns the commenter's scoped user id.
func (c *Comment) AuthorID() string {
	return c.From.ID
}

// AuthorUsername returns the commenter's handle.
func (c *Comment) AuthorUsername() string {
	if c.From.Username != "" {
		return c.From.Username
	}
	return c.Username
}

type page[T any] struct {
	Data   []T `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// list follows cursor pagination until limit items are collected or the
// listing ends.
func list[T any](ctx context.Context, c *Client, acct *models.Account, path, fields string, limit int) ([]T, error) {
	if limit <= 0 {
		limit = maxPageSize
	}
	var out []T
	after := ""
	for len(out) < limit {
		size := limit - len(out)
		if size > maxPageSize {
			size = maxPageSize
		}
		query := url.Values{
			"fields": {fields},
			"limit":  {strconv.Itoa(size)},
		}
		if after != "" {
			query.Set("after", after)
		}

		var p page[T]
		if err := c.do(ctx, acct, http.MethodGet, path, query, nil, &p); err != nil {
			return out, err
		}
		out = append(out, p.Data...)
		if p.Paging.Next == "" || p.Paging.Cursors.After == "" || len(p.Data) == 0 {
			break
		}
		after = p.Paging.Cursors.After
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListMedia fetches the most recent posts of the account, newest first
func (c *Client) ListMedia(ctx context.Context, acct *models.Account, limit int) ([]Media, error) {
	media, err := list[Media](ctx, c, acct, fmt.Sprintf("/%s/media", acct.PlatformUserID), mediaFields, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list media: %w", err)
	}
	c.log.Debug().
		Str("account", acct.PlatformUserID).
		Int("count", len(media)).
		Msg("Fetched media")
	return media, nil
}

// ListComments fetches comments on one media item
func (c *Client) ListComments(ctx context.Context, acct *models.Account, mediaID string, limit int) ([]Comment, error) {
	comments, err := list[Comment](ctx, c, acct, fmt.Sprintf("/%s/comments", mediaID), commentFields, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments for %s: %w", mediaID, err)
	}
	return comments, nil
}
