// Package ledger is the durable account, order and position store. Every
// mutating path runs through a Store bound to a transaction; the Lock*
// methods take row-level locks where the dialect supports them.
package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only reporting queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) WithContext(ctx context.Context) *Store {
	return &Store{db: s.db.WithContext(ctx)}
}

// Transaction runs fn against a Store bound to a new transaction. The
// transaction commits when fn returns nil and rolls back otherwise,
// including on panic.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) (err error) {
	tx := s.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Store{db: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

func (s *Store) forUpdate() *gorm.DB {
	return s.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Now is the timestamp used for every ledger write.
func Now() time.Time {
	return time.Now().UTC()
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
