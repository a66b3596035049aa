package models

import (
	"time"

	"golang.org/x/oauth2"
)

// Account is a connected platform account. Its long-lived token is issued
// and refreshed outside this service; the engine only reads it and flags the
// account when the platform reports the token as expired.
type Account struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	PlatformUserID string     `gorm:"size:64;uniqueIndex;not null" json:"platform_user_id"`
	Username       string     `gorm:"size:255" json:"username"`
	AccessToken    string     `gorm:"type:text;not null" json:"-"`
	TokenType      string     `gorm:"default:'Bearer'" json:"token_type"`
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	NeedsReconnect bool       `gorm:"default:false" json:"needs_reconnect"`
	PollEnabled    bool       `gorm:"not null" json:"poll_enabled"`
	LastPolledAt   *time.Time `json:"last_polled_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExpired returns true if the token has expired. A zero expiry means the
// platform did not report one.
func (a *Account) IsExpired() bool {
	return !a.TokenExpiresAt.IsZero() && time.Now().After(a.TokenExpiresAt)
}

// ToOAuth2Token converts to golang.org/x/oauth2.Token
func (a *Account) ToOAuth2Token() *oauth2.Token {
	tokenType := a.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: a.AccessToken,
		TokenType:   tokenType,
		Expiry:      a.TokenExpiresAt,
	}
}

// FromOAuth2Token updates from golang.org/x/oauth2.Token
func (a *Account) FromOAuth2Token(token *oauth2.Token) {
	a.AccessToken = token.AccessToken
	a.TokenType = token.TokenType
	a.TokenExpiresAt = token.Expiry
}

// SeenFollower records that a follower has already produced a NEW_FOLLOWER
// event for an account, so repeated follow notifications are ignored.
type SeenFollower struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"not null;uniqueIndex:ux_seen_follower,priority:1" json:"account_id"`
	ActorID   string    `gorm:"size:64;not null;uniqueIndex:ux_seen_follower,priority:2" json:"actor_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
