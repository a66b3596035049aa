package models

import (
	"time"
)

// Flow is an automation graph authored in the external editor. Nodes and
// edges are kept as raw JSON here and decoded by the flow package.
type Flow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"index" json:"account_id"`
	Name      string    `gorm:"size:255" json:"name"`
	Nodes     RawJSON   `gorm:"type:text" json:"nodes"`
	Edges     RawJSON   `gorm:"type:text" json:"edges"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
