package store

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/engineerr"
)

// WithAuctionLock runs fn inside a transaction holding the per-auction
// advisory lock required by the concurrency model: every tick, bid
// placement, proxy execution, and finalization for a given auction is
// totally ordered against every other. On Postgres this takes a
// transaction-scoped advisory lock (pg_advisory_xact_lock); on the
// sqlite test driver, which has no advisory locks, gorm's own transaction
// serializes callers instead, matching funding.Processor.Process's
// db.Transaction(...) shape plus the lock clause it applies to individual
// rows.
func WithAuctionLock(ctx context.Context, db *gorm.DB, auctionID uuid.UUID, fn func(tx *gorm.DB) error) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			key := advisoryKey(auctionID)
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
				return engineerr.External(err)
			}
		}
		return fn(tx)
	})
	if IsSerializationFailure(err) {
		return engineerr.ErrConcurrentUpdate
	}
	return err
}

// advisoryKey folds a uuid down to the int64 pg_advisory_xact_lock expects.
func advisoryKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}

// IsSerializationFailure reports whether err is a transaction-retry signal
// from the underlying driver (SQLSTATE 40001 or 40P01). WithAuctionLock
// surfaces such a failure to callers as engineerr.ErrConcurrentUpdate.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
