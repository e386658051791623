// Package store implements the transaction store: durable persistence
// of one dispensing transaction per refill, via GORM over SQLite.
//
// Grounded on whocaresleft-dp-distributed-chat-system's
// internal/repository/user_repository.go: transactional writes with
// row locking around a sequence counter bumped on every create.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Status is the terminal/non-terminal state of a transaction row
// (spec.md §3).
type Status string

const (
	StatusInitiated   Status = "initiated"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusDeleted     Status = "deleted"
	StatusNeedsReview Status = "needs_review"
)

// Transaction is the persisted record for one refill (spec.md §3).
type Transaction struct {
	ID              string `gorm:"primaryKey"`
	Tag             string
	FleetNumber     string
	StartMeter      float64
	DispensedLiters float64
	MachineHours    int
	CreatedAt       time.Time
	Status          Status
}

// sequence is a single-row counter table. Create bumps it under a row
// lock, which keeps concurrent writers serialized around a single row;
// the counter is not used as the transaction ID.
type sequence struct {
	ID      uint `gorm:"primaryKey"`
	Counter uint64
}

// Store is the transaction store's concrete GORM/SQLite backing.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Transaction{}, &sequence{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := db.FirstOrCreate(&sequence{}, sequence{ID: 1}).Error; err != nil {
		return nil, fmt.Errorf("store: seed sequence: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new transaction row for tag/fleetNumber/startMeter,
// satisfying I4 (a row exists iff RFID has been confirmed). The ID is
// a UUID; the locked sequence bump exists only to preserve a
// serialized-write discipline for concurrent writers, since a single
// nozzle never has two refills in flight (spec.md's Non-goals).
func (s *Store) Create(tag, fleetNumber string, startMeter float64, machineHours int, now time.Time) (*Transaction, error) {
	tx := &Transaction{
		ID:           uuid.NewString(),
		Tag:          tag,
		FleetNumber:  fleetNumber,
		StartMeter:   startMeter,
		MachineHours: machineHours,
		CreatedAt:    now,
		Status:       StatusInitiated,
	}
	err := s.db.Transaction(func(dbtx *gorm.DB) error {
		var seq sequence
		if err := dbtx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&seq, 1).Error; err != nil {
			return err
		}
		seq.Counter++
		if err := dbtx.Save(&seq).Error; err != nil {
			return err
		}
		tx.Status = StatusInProgress
		return dbtx.Create(tx).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: create transaction: %w", err)
	}
	return tx, nil
}

// UpdateLiters sets the cumulative dispensed liters on an in-progress
// transaction (called on every PERSIST_STEP crossing during Dispensing
// and again at Finalize).
func (s *Store) UpdateLiters(id string, liters float64) error {
	res := s.db.Model(&Transaction{}).Where("id = ?", id).Update("dispensed_liters", liters)
	if res.Error != nil {
		return fmt.Errorf("store: update liters: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: update liters: %w", gorm.ErrRecordNotFound)
	}
	return nil
}

// AddDispensed marks the transaction completed with its final volume.
func (s *Store) AddDispensed(id string, liters float64) error {
	res := s.db.Model(&Transaction{}).Where("id = ?", id).Updates(map[string]interface{}{
		"dispensed_liters": liters,
		"status":           StatusCompleted,
	})
	if res.Error != nil {
		return fmt.Errorf("store: add dispensed: %w", res.Error)
	}
	return nil
}

// ClearIncomplete removes the needs_review flag left by a prior
// interrupted run for this transaction, if any.
func (s *Store) ClearIncomplete(id string) error {
	res := s.db.Model(&Transaction{}).Where("id = ? AND status = ?", id, StatusNeedsReview).
		Update("status", StatusCompleted)
	if res.Error != nil {
		return fmt.Errorf("store: clear incomplete: %w", res.Error)
	}
	return nil
}

// MarkNeedsReview flags a transaction that ended without a clean
// finalize (e.g. the Faulted recovery path).
func (s *Store) MarkNeedsReview(id string) error {
	res := s.db.Model(&Transaction{}).Where("id = ?", id).Update("status", StatusNeedsReview)
	if res.Error != nil {
		return fmt.Errorf("store: mark needs review: %w", res.Error)
	}
	return nil
}

// Delete removes the transaction row entirely, required for 0-liter
// dispenses (I5: "0-liter dispenses delete the transaction, not leave
// it at 0").
func (s *Store) Delete(id string) error {
	res := s.db.Where("id = ?", id).Delete(&Transaction{})
	if res.Error != nil {
		return fmt.Errorf("store: delete transaction: %w", res.Error)
	}
	return nil
}

// Get retrieves a transaction by ID.
func (s *Store) Get(id string) (*Transaction, error) {
	var tx Transaction
	if err := s.db.Where("id = ?", id).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("store: get transaction: %w", err)
	}
	return &tx, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
