// Package webhook turns Instagram webhook deliveries into normalized events
// and delivery receipts.
package webhook

import (
	"encoding/json"
	"time"
)

// Payload is one webhook delivery
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes and messages of one account
type Entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Changes   []Change    `json:"changes"`
	Messaging []Messaging `json:"messaging"`
}

// Change is a field update such as a new comment
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// User identifies a sender, recipient or commenter
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// CommentValue is the value of a comments change
type CommentValue struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	ParentID string `json:"parent_id"`
	From     User   `json:"from"`
	Media    struct {
		ID               string `json:"id"`
		MediaProductType string `json:"media_product_type"`
	} `json:"media"`
}

// FollowValue is the value of a follows change
type FollowValue struct {
	From User `json:"from"`
}

// Messaging is one messaging event: a message, postback or receipt
type Messaging struct {
	Sender    User      `json:"sender"`
	Recipient User      `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
	Postback  *Postback `json:"postback,omitempty"`
	Delivery  *Delivery `json:"delivery,omitempty"`
	Read      *Read     `json:"read,omitempty"`
}

// Message is an inbound or echoed direct message
type Message struct {
	Mid        string `json:"mid"`
	Text       string `json:"text"`
	IsEcho     bool   `json:"is_echo,omitempty"`
	IsDeleted  bool   `json:"is_deleted,omitempty"`
	QuickReply *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply,omitempty"`
	ReplyTo *struct {
		Mid   string `json:"mid,omitempty"`
		Story *struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"story,omitempty"`
	} `json:"reply_to,omitempty"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments,omitempty"`
}

// Postback is a tap on a template button
type Postback struct {
	Mid     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Delivery reports that sent messages reached the recipient
type Delivery struct {
	Mids      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// Read reports that the recipient read the thread
type Read struct {
	Mid       string `json:"mid"`
	Watermark int64  `json:"watermark"`
}

// epoch converts webhook timestamps. Messaging uses milliseconds, entry time
// uses seconds.
func epoch(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e12:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}
