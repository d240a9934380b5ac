package txretry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

const (
	// MaxAttempts bounds the retry loop for conflicting transactions.
	MaxAttempts = 5
	// backoffStep is multiplied by the attempt number for linear backoff.
	backoffStep = 50 * time.Millisecond
)

// ErrConflict is returned by repositories when an optimistic version check
// fails because another transaction committed first. Run absorbs it up to
// MaxAttempts before giving up.
var ErrConflict = errors.New("transaction conflict")

// ErrStoreUnavailable is surfaced after MaxAttempts conflicting transactions.
// Callers should retry the whole request.
var ErrStoreUnavailable = errors.New("store unavailable")

// Run executes fn inside a database transaction with bounded retry on
// ErrConflict. Non-conflict errors abort immediately and roll back. The
// zero value of T is returned alongside any error.
func Run[T any](ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		var result T
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var innerErr error
			result, innerErr = fn(tx)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrConflict) {
			return zero, err
		}
		lastErr = err
		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoffStep * time.Duration(attempt)):
			}
		}
	}

	log.Warnf("[TxRetry] giving up after %d attempts: %v", MaxAttempts, lastErr)
	return zero, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// CheckVersioned translates the result of an optimistic versioned UPDATE
// into ErrConflict when no row matched the expected version.
func CheckVersioned(tx *gorm.DB) error {
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
