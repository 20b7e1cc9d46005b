package delivery

import (
	"context"
	"fmt"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"gorm.io/gorm"
)

// Recorder keeps an audit trail of processed results.
type Recorder interface {
	Record(ctx context.Context, d models.Delivery) error
}

// GormRecorder writes deliveries to the deliveries table.
type GormRecorder struct {
	db *gorm.DB
}

// NewGormRecorder creates a GormRecorder.
func NewGormRecorder(db *gorm.DB) (*GormRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("delivery: db is required")
	}
	return &GormRecorder{db: db}, nil
}

// Record inserts one delivery row.
func (r *GormRecorder) Record(ctx context.Context, d models.Delivery) error {
	if d.SessionID == "" {
		return fmt.Errorf("delivery: session id is required")
	}
	if err := r.db.WithContext(ctx).Create(&d).Error; err != nil {
		return fmt.Errorf("delivery: record %s: %w", d.SessionID, err)
	}
	return nil
}

// Recent returns the latest deliveries, newest first. A non-empty status
// filters by status.
func Recent(db *gorm.DB, status string, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	q := db.Order("created_at DESC").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.Delivery
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("delivery: recent: %w", err)
	}
	return out, nil
}

// Counts returns the number of deliveries per status.
func Counts(db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := db.Model(&models.Delivery{}).Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("delivery: counts: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
