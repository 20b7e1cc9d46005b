package models

import "time"

// Delivery status values.
const (
	DeliveryDelivered = "delivered"
	DeliverySkipped   = "skipped"
	DeliveryFailed    = "failed"
)

// Delivery is an audit row written for every result webhook processed.
type Delivery struct {
	ID        string    `gorm:"primaryKey;size:36"`
	SessionID string    `gorm:"size:36;not null;index"`
	OwnerID   string    `gorm:"size:128;index"`
	RiskLevel string    `gorm:"size:32"`
	Status    string    `gorm:"size:16;not null;index"` // delivered, skipped, failed
	Fallback  bool      `gorm:"not null;default:false"`
	Error     string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}
