package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"live_quotes/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Journal persists fallback pulls to SQLite. It implements domain.PullRecorder.
type Journal struct {
	db *gorm.DB
}

// NewJournal opens (or creates) the journal database at path.
func NewJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, &domain.ConfigError{Field: "storage.journal_path", Err: fmt.Errorf("path is empty")}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.PullRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Journal{db: db}, nil
}

// Record inserts one journal row.
func (j *Journal) Record(ctx context.Context, rec *domain.PullRecord) error {
	return j.db.WithContext(ctx).Create(rec).Error
}

// RecordPull stores the outcome of a fallback pull.
func (j *Journal) RecordPull(ctx context.Context, symbol string, p domain.PulledPrice, err error, at time.Time) error {
	rec := domain.NewPullRecord(symbol, p, err, at)
	return j.Record(ctx, &rec)
}

// Recent returns up to limit rows for symbol, newest first. An empty symbol
// matches every symbol.
func (j *Journal) Recent(ctx context.Context, symbol string, limit int) ([]domain.PullRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	q := j.db.WithContext(ctx).Order("attempted_at DESC").Order("id DESC").Limit(limit)
	if sym := domain.NormalizeSymbol(symbol); sym != "" {
		q = q.Where("symbol = ?", sym)
	}

	var records []domain.PullRecord
	err := q.Find(&records).Error
	return records, err
}

// Prune deletes rows older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("attempted_at < ?", cutoff).Delete(&domain.PullRecord{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
