package models

import "time"

// Session maps a one-time test token to the chat identity that requested it.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"size:128;not null;index" json:"ownerId"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
