// Package history keeps a record of every import run in a SQLite database.
//
// The import state file decides what gets imported; the history only answers
// "what happened" for the history command and the scheduler logs.
//
// # Usage
//
//	store, err := history.Open("import_history.db")
//	pipeline := importers.NewPipeline(registry, sink, importers.WithHistory(store))
//	runs, err := store.Recent(20)
package history

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mrlokans/influx-importer/internal/entities"
)

// Store persists import runs.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	if err := db.AutoMigrate(&entities.ImportRun{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores the outcome of one run.
func (s *Store) Record(report *entities.ImportReport) error {
	run := entities.NewImportRun(report)
	if err := s.db.Create(run).Error; err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (s *Store) Recent(limit int) ([]entities.ImportRun, error) {
	var runs []entities.ImportRun
	err := s.db.Order("started_at DESC, id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// BySource returns the latest runs of one source, newest first.
func (s *Store) BySource(source string, limit int) ([]entities.ImportRun, error) {
	var runs []entities.ImportRun
	err := s.db.Where("source = ?", source).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// LastSuccessful returns the latest finished, non dry-run import of a source,
// or nil if there is none.
func (s *Store) LastSuccessful(source string) (*entities.ImportRun, error) {
	var run entities.ImportRun
	err := s.db.Where("source = ? AND status = ? AND dry_run = ?", source, entities.RunStatusDone, false).
		Order("started_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteOlderThan removes runs started before the retention window and
// returns how many were removed.
func (s *Store) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result := s.db.Where("started_at < ?", cutoff).Delete(&entities.ImportRun{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("Removed %d import runs older than %s", result.RowsAffected, cutoff.Format(time.DateOnly))
	}
	return result.RowsAffected, nil
}
