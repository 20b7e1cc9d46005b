package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"gorm.io/gorm"
)

// FilePersister keeps the session table as a JSON array on local disk.
// Writes go to a temporary file that is renamed over the target, so a crash
// mid-write leaves the previous table intact.
type FilePersister struct {
	path string
}

// NewFilePersister creates a FilePersister writing to path.
func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("session: file persister: path is required")
	}
	return &FilePersister{path: path}, nil
}

// Load reads the table. A missing or empty file yields no sessions.
func (p *FilePersister) Load(ctx context.Context) ([]models.Session, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var sessions []models.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.path, err)
	}
	return sessions, nil
}

// Save replaces the file with sessions.
func (p *FilePersister) Save(ctx context.Context, sessions []models.Session) error {
	if sessions == nil {
		sessions = []models.Session{}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("rename %s: %w", p.path, err)
	}
	return nil
}

// GormPersister keeps the session table in the sessions SQL table.
type GormPersister struct {
	db *gorm.DB
}

// NewGormPersister creates a GormPersister. The sessions table must exist
// (see db.AutoMigrate).
func NewGormPersister(db *gorm.DB) (*GormPersister, error) {
	if db == nil {
		return nil, fmt.Errorf("session: gorm persister: db is required")
	}
	return &GormPersister{db: db}, nil
}

// Load reads every stored session.
func (p *GormPersister) Load(ctx context.Context) ([]models.Session, error) {
	var rows []models.Session
	if err := p.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return rows, nil
}

// Save replaces the table contents with sessions in one transaction.
func (p *GormPersister) Save(ctx context.Context, sessions []models.Session) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		if len(sessions) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(sessions, 200).Error; err != nil {
			return fmt.Errorf("insert sessions: %w", err)
		}
		return nil
	})
}
