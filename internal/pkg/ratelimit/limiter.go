package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

// ErrRateLimited is returned when the trailing window already holds the
// allowed number of events. Nothing is recorded for a rejected call.
var ErrRateLimited = errors.New("rate limited")

// Operation keys used across the service. Limits and windows are policy the
// caller passes in; keys only partition the counters.
const (
	OpBeginScan   = "begin_scan"
	OpGateFailure = "gate_failure"
	OpGrant       = "grant_credits"
)

// Limiter is a sliding-log rate limiter per (user, operation key), stored in
// the same transactional store as the ledger. Individual event timestamps
// are kept and pruned to the trailing window on every check, which keeps the
// document bounded by the limit. Chosen over fixed time buckets for
// correctness at low request volumes.
type Limiter struct {
	db   *gorm.DB
	repo Repository
}

// NewLimiter creates a limiter from a GORM DB handle.
func NewLimiter(db *gorm.DB) *Limiter {
	return &Limiter{db: db, repo: NewRepository()}
}

// NewLimiterWithRepository creates a limiter with an injected repository,
// used by tests.
func NewLimiterWithRepository(db *gorm.DB, repo Repository) *Limiter {
	return &Limiter{db: db, repo: repo}
}

// Check records one event for (userID, operationKey) if the trailing window
// still has room, and rejects with ErrRateLimited otherwise.
func (l *Limiter) Check(ctx context.Context, userID uint, operationKey string, limit int, window time.Duration) error {
	if limit <= 0 {
		return ErrRateLimited
	}
	_, err := txretry.Run(ctx, l.db, func(tx *gorm.DB) (struct{}, error) {
		return struct{}{}, l.checkTx(tx, userID, operationKey, limit, window)
	})
	return err
}

func (l *Limiter) checkTx(tx *gorm.DB, userID uint, operationKey string, limit int, window time.Duration) error {
	now := time.Now()
	cutoff := now.Add(-window).UnixMilli()

	doc, err := l.repo.Get(tx, userID, operationKey)
	if IsNotFound(err) {
		doc = &models.RateLimitWindow{UserID: userID, OperationKey: operationKey, Version: 1}
		if err := doc.SetEvents([]int64{now.UnixMilli()}); err != nil {
			return err
		}
		return l.repo.Create(tx, doc)
	}
	if err != nil {
		return err
	}

	events, err := doc.Events()
	if err != nil {
		return err
	}
	pruned := events[:0]
	for _, ts := range events {
		if ts >= cutoff {
			pruned = append(pruned, ts)
		}
	}
	if len(pruned) >= limit {
		return ErrRateLimited
	}
	pruned = append(pruned, now.UnixMilli())

	expectedVersion := doc.Version
	if err := doc.SetEvents(pruned); err != nil {
		return err
	}
	return l.repo.SaveVersioned(tx, doc, expectedVersion)
}
