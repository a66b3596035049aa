package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
)

func testAccount() *models.Account {
	return &models.Account{ID: 1, PlatformUserID: "17841400000000001", Username: "shop", AccessToken: "tok-123"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(config.PlatformConfig{
		BaseURL:         srv.URL,
		APIVersion:      "v21.0",
		Timeout:         5 * time.Second,
		BreakerFailures: 2,
		BreakerDelay:    time.Minute,
	}, nil, logger.Nop())
	return c, srv
}

func TestSendTextMessage(t *testing.T) {
	var got SendRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v21.0/17841400000000001/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"recipient_id":"igsid-9","message_id":"mid.1"}`)
	})

	id, err := c.SendMessage(context.Background(), testAccount(), &models.OutboundMessage{
		ID: 5, RecipientID: "igsid-9", Type: models.MessageText, Content: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "mid.1", id)
	assert.Equal(t, "igsid-9", got.Recipient.ID)
	assert.Empty(t, got.Recipient.CommentID)
	assert.Equal(t, "hello", got.Message.Text)
}

func TestBuildSendRequest(t *testing.T) {
	t.Run("private reply addresses the comment", func(t *testing.T) {
		req, err := BuildSendRequest(&models.OutboundMessage{RecipientID: "u1", CommentID: "c1", Type: models.MessageText, Content: "hi"})
		require.NoError(t, err)
		assert.Equal(t, Recipient{CommentID: "c1"}, req.Recipient)
	})

	t.Run("buttons become quick replies", func(t *testing.T) {
		req, err := BuildSendRequest(&models.OutboundMessage{
			RecipientID: "u1", Type: models.MessageButton, Content: "Pick one",
			Buttons: models.Buttons{{ID: "yes", Title: "Yes, send me the guide"}, {ID: "no", Title: "No"}},
		})
		require.NoError(t, err)
		assert.Equal(t, "Pick one", req.Message.Text)
		require.Len(t, req.Message.QuickReplies, 2)
		assert.Equal(t, QuickReply{ContentType: "text", Title: "Yes, send me the gui", Payload: "yes"}, req.Message.QuickReplies[0])
		assert.Nil(t, req.Message.Attachment)
	})

	t.Run("url buttons become a template", func(t *testing.T) {
		req, err := BuildSendRequest(&models.OutboundMessage{
			RecipientID: "u1", Type: models.MessageButton, Content: "Shop",
			Buttons: models.Buttons{{ID: "web", Title: "Visit", URL: "https://shop.example"}, {ID: "ask", Title: "Ask"}},
		})
		require.NoError(t, err)
		require.NotNil(t, req.Message.Attachment)
		buttons := req.Message.Attachment.Payload.Elements[0].Buttons
		assert.Equal(t, "web_url", buttons[0].Type)
		assert.Equal(t, "postback", buttons[1].Type)
		assert.Equal(t, "ask", buttons[1].Payload)
	})

	t.Run("link", func(t *testing.T) {
		req, err := BuildSendRequest(&models.OutboundMessage{RecipientID: "u1", Type: models.MessageLink, MediaURL: "https://x.example/guide"})
		require.NoError(t, err)
		el := req.Message.Attachment.Payload.Elements[0]
		assert.Equal(t, "https://x.example/guide", el.Title)
		assert.Equal(t, "https://x.example/guide", el.Buttons[0].URL)
	})

	t.Run("image", func(t *testing.T) {
		req, err := BuildSendRequest(&models.OutboundMessage{RecipientID: "u1", Type: models.MessageImage, MediaURL: "https://cdn/x.jpg"})
		require.NoError(t, err)
		assert.Equal(t, "image", req.Message.Attachment.Type)
		assert.Equal(t, "https://cdn/x.jpg", req.Message.Attachment.Payload.URL)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, msg := range []*models.OutboundMessage{
			{Type: models.MessageText, Content: "no recipient"},
			{RecipientID: "u1", Type: models.MessageText, Content: "  "},
			{RecipientID: "u1", Type: models.MessageButton, Content: "x"},
			{RecipientID: "u1", Type: models.MessageImage},
		} {
			_, err := BuildSendRequest(msg)
			assert.Equal(t, failure.KindValidation, failure.KindOf(err))
		}
	})
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   failure.Kind
	}{
		{"token invalid code", http.StatusBadRequest, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`, failure.KindTokenExpired},
		{"unauthorized", http.StatusUnauthorized, ``, failure.KindTokenExpired},
		{"server error", http.StatusBadGateway, `oops`, failure.KindTransientUpstream},
		{"too many requests", http.StatusTooManyRequests, `{}`, failure.KindTransientUpstream},
		{"throttled code", http.StatusBadRequest, `{"error":{"message":"Calls limit","code":613}}`, failure.KindTransientUpstream},
		{"invalid recipient", http.StatusBadRequest, `{"error":{"message":"No matching user found","code":100,"error_subcode":2534014}}`, failure.KindPermanentUpstream},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"outside allowed window","code":10}}`, failure.KindPermanentUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.SendMessage(context.Background(), testAccount(), &models.OutboundMessage{RecipientID: "u", Content: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.KindOf(err))
		})
	}
}

func TestExpiredTokenShortCircuits(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	})
	acct := testAccount()
	acct.TokenExpiresAt = time.Now().Add(-time.Hour)

	_, err := c.SendMessage(context.Background(), acct, &models.OutboundMessage{RecipientID: "u", Content: "x"})
	assert.Equal(t, failure.KindTokenExpired, failure.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestCircuitBreakerOpens(t *testing.T) {
	var hits int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	msg := &models.OutboundMessage{RecipientID: "u", Content: "x"}

	for i := 0; i < 2; i++ {
		_, err := c.SendMessage(context.Background(), testAccount(), msg)
		assert.True(t, failure.IsTransient(err))
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.SendMessage(context.Background(), testAccount(), msg)
	assert.True(t, failure.IsTransient(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestListCommentsFollowsCursors(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v21.0/m1/comments", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("fields"), "from")
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("after"))
			fmt.Fprint(w, `{"data":[{"id":"c1","text":"PROMO please","timestamp":"2026-03-14T09:00:00+0000","from":{"id":"u1","username":"ada"}}],
				"paging":{"cursors":{"after":"cur1"},"next":"https://graph/next"}}`)
		default:
			assert.Equal(t, "cur1", r.URL.Query().Get("after"))
			fmt.Fprint(w, `{"data":[{"id":"c2","text":"hi","timestamp":"2026-03-14T10:30:00+0100","username":"bob","from":{"id":"u2"}}],"paging":{}}`)
		}
	})

	comments, err := c.ListComments(context.Background(), testAccount(), "m1", 10)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "u1", comments[0].AuthorID())
	assert.Equal(t, "ada", comments[0].AuthorUsername())
	assert.Equal(t, "bob", comments[1].AuthorUsername())
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), comments[1].Timestamp.Time)
}

func TestListMediaAndProfile(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v21.0/17841400000000001/media":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			fmt.Fprint(w, `{"data":[{"id":"m1","caption":"new drop","timestamp":"2026-03-14T09:00:00+0000"},{"id":"m2"}],
				"paging":{"cursors":{"after":"x"},"next":"https://graph/next"}}`)
		case "/v21.0/me":
			fmt.Fprint(w, `{"id":"1","user_id":"17841400000000001","username":"shop","name":"Shop"}`)
		default:
			http.NotFound(w, r)
		}
	})

	media, err := c.ListMedia(context.Background(), testAccount(), 2)
	require.NoError(t, err)
	assert.Len(t, media, 2)
	assert.Equal(t, "new drop", media[0].Caption)

	profile, err := c.GetProfile(context.Background(), testAccount())
	require.NoError(t, err)
	assert.Equal(t, "shop", profile.Username)
	assert.Equal(t, "17841400000000001", profile.UserID)
}
