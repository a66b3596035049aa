package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
)

// Instagram messaging limits
const (
	maxTextLength       = 1000
	maxQuickReplyTitle  = 20
	maxTemplateTitle    = 80
	maxTemplateButtons  = 3
	defaultLinkTitle    = "Open link"
	templateTypeGeneric = "generic"
)

// SendRequest is the body of POST /{ig-user-id}/messages.
type SendRequest struct {
	Recipient Recipient   `json:"recipient"`
	Message   MessageBody `json:"message"`
}

// Recipient addresses either a user or, for a private reply, a comment.
type Recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

type MessageBody struct {
	Text         string       `json:"text,omitempty"`
	QuickReplies []QuickReply `json:"quick_replies,omitempty"`
	Attachment   *Attachment  `json:"attachment,omitempty"`
}

type QuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type Attachment struct {
	Type    string            `json:"type"`
	Payload AttachmentPayload `json:"payload"`
}

type AttachmentPayload struct {
	URL          string            `json:"url,omitempty"`
	TemplateType string            `json:"template_type,omitempty"`
	Elements     []TemplateElement `json:"elements,omitempty"`
}

type TemplateElement struct {
	Title    string           `json:"title"`
	Subtitle string           `json:"subtitle,omitempty"`
	ImageURL string           `json:"image_url,omitempty"`
	Buttons  []TemplateButton `json:"buttons,omitempty"`
}

type TemplateButton struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// SendResponse is the body returned for a sent message
type SendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// BuildSendRequest converts an outbox row into the platform payload.
//
// TEXT is sent as text. BUTTON becomes quick replies, or a generic template
// with postback buttons when any option carries a URL. LINK becomes a generic
// template with one web_url button. IMAGE is a plain image attachment, or a
// generic template when it has a caption.
func BuildSendRequest(msg *models.OutboundMessage) (*SendRequest, error) {
	if msg.RecipientID == "" && msg.CommentID == "" {
		return nil, failure.Validation("message %d has no recipient", msg.ID)
	}
	req := &SendRequest{Recipient: Recipient{ID: msg.RecipientID}}
	if msg.CommentID != "" {
		req.Recipient = Recipient{CommentID: msg.CommentID}
	}

	content := strings.TrimSpace(msg.Content)
	switch msg.Type {
	case models.MessageButton:
		if len(msg.Buttons) == 0 {
			return nil, failure.Validation("button message %d has no buttons", msg.ID)
		}
		if hasLinks(msg.Buttons) {
			req.Message.Attachment = genericTemplate(content, "", templateButtons(msg.Buttons))
			break
		}
		req.Message.Text = truncate(content, maxTextLength)
		for _, b := range msg.Buttons {
			req.Message.QuickReplies = append(req.Message.QuickReplies, QuickReply{
				ContentType: "text",
				Title:       truncate(b.Title, maxQuickReplyTitle),
				Payload:     b.ID,
			})
		}

	case models.MessageLink:
		if msg.MediaURL == "" {
			return nil, failure.Validation("link message %d has no url", msg.ID)
		}
		title := content
		if title == "" {
			title = msg.MediaURL
		}
		req.Message.Attachment = genericTemplate(title, "", []TemplateButton{
			{Type: "web_url", Title: defaultLinkTitle, URL: msg.MediaURL},
		})

	case models.MessageImage:
		if msg.MediaURL == "" {
			return nil, failure.Validation("image message %d has no media url", msg.ID)
		}
		if content == "" {
			req.Message.Attachment = &Attachment{Type: "image", Payload: AttachmentPayload{URL: msg.MediaURL}}
			break
		}
		req.Message.Attachment = genericTemplate(content, msg.MediaURL, nil)

	default:
		if content == "" {
			return nil, failure.Validation("text message %d is empty", msg.ID)
		}
		req.Message.Text = truncate(content, maxTextLength)
	}
	return req, nil
}

func hasLinks(buttons []models.Button) bool {
	for _, b := range buttons {
		if b.URL != "" {
			return true
		}
	}
	return false
}

func templateButtons(buttons []models.Button) []TemplateButton {
	out := make([]TemplateButton, 0, len(buttons))
	for _, b := range buttons {
		if len(out) == maxTemplateButtons {
			break
		}
		if b.URL != "" {
			out = append(out, TemplateButton{Type: "web_url", Title: truncate(b.Title, maxQuickReplyTitle), URL: b.URL})
			continue
		}
		out = append(out, TemplateButton{Type: "postback", Title: truncate(b.Title, maxQuickReplyTitle), Payload: b.ID})
	}
	return out
}

func genericTemplate(title, imageURL string, buttons []TemplateButton) *Attachment {
	return &Attachment{
		Type: "template",
		Payload: AttachmentPayload{
			TemplateType: templateTypeGeneric,
			Elements: []TemplateElement{{
				Title:    truncate(title, maxTemplateTitle),
				ImageURL: imageURL,
				Buttons:  buttons,
			}},
		},
	}
}

// SendMessage sends one direct message and returns the platform message id
func (c *Client) SendMessage(ctx context.Context, acct *models.Account, msg *models.OutboundMessage) (string, error) {
	req, err := BuildSendRequest(msg)
	if err != nil {
		return "", err
	}

	var resp SendResponse
	endpoint := fmt.Sprintf("/%s/messages", acct.PlatformUserID)
	if err := c.do(ctx, acct, http.MethodPost, endpoint, nil, req, &resp); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if resp.MessageID == "" {
		return "", failure.New(failure.KindPermanentUpstream, "send response carried no message id")
	}

	c.log.Info().
		Uint("message_id", msg.ID).
		Uint("trigger_id", msg.TriggerID).
		Str("platform_message_id", resp.MessageID).
		Bool("private_reply", msg.CommentID != "").
		Msg("Direct message sent")

	return resp.MessageID, nil
}
