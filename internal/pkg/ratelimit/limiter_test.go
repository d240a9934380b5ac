package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

type memoryRepository struct {
	mu     sync.Mutex
	docs   map[string]*models.RateLimitWindow
	nextID uint
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{docs: make(map[string]*models.RateLimitWindow)}
}

func key(userID uint, op string) string {
	return fmt.Sprintf("%d/%s", userID, op)
}

func (r *memoryRepository) Get(_ *gorm.DB, userID uint, op string) (*models.RateLimitWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[key(userID, op)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	snapshot := *doc
	return &snapshot, nil
}

func (r *memoryRepository) Create(_ *gorm.DB, doc *models.RateLimitWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(doc.UserID, doc.OperationKey)
	if _, ok := r.docs[k]; ok {
		return txretry.ErrConflict
	}
	r.nextID++
	doc.ID = r.nextID
	stored := *doc
	r.docs[k] = &stored
	return nil
}

func (r *memoryRepository) SaveVersioned(_ *gorm.DB, doc *models.RateLimitWindow, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.docs[key(doc.UserID, doc.OperationKey)]
	if !ok || stored.Version != expectedVersion {
		return txretry.ErrConflict
	}
	updated := *doc
	updated.Version = expectedVersion + 1
	r.docs[key(doc.UserID, doc.OperationKey)] = &updated
	doc.Version = updated.Version
	return nil
}

func checkWithRetry(l *Limiter, userID uint, op string, limit int, window time.Duration) error {
	var err error
	for attempt := 1; attempt <= txretry.MaxAttempts; attempt++ {
		err = l.checkTx(nil, userID, op, limit, window)
		if !errors.Is(err, txretry.ErrConflict) {
			return err
		}
	}
	return txretry.ErrStoreUnavailable
}

func TestCheck_LimitPlusOneRejected(t *testing.T) {
	limiter := NewLimiterWithRepository(nil, newMemoryRepository())

	const limit = 3
	for i := 0; i < limit; i++ {
		if err := checkWithRetry(limiter, 1, OpBeginScan, limit, time.Minute); err != nil {
			t.Fatalf("call %d unexpectedly rejected: %v", i+1, err)
		}
	}
	if err := checkWithRetry(limiter, 1, OpBeginScan, limit, time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on call %d, got %v", limit+1, err)
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	repo := newMemoryRepository()
	limiter := NewLimiterWithRepository(nil, repo)

	if err := checkWithRetry(limiter, 1, OpBeginScan, 1, 50*time.Millisecond); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	if err := checkWithRetry(limiter, 1, OpBeginScan, 1, 50*time.Millisecond); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rejection inside window, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := checkWithRetry(limiter, 1, OpBeginScan, 1, 50*time.Millisecond); err != nil {
		t.Fatalf("expected call after window to pass, got %v", err)
	}

	// Pruning keeps the stored log bounded by the limit.
	doc, err := repo.Get(nil, 1, OpBeginScan)
	if err != nil {
		t.Fatalf("get window: %v", err)
	}
	events, _ := doc.Events()
	if len(events) != 1 {
		t.Fatalf("expected pruned log of 1 event, got %d", len(events))
	}
}

func TestCheck_RejectedCallRecordsNothing(t *testing.T) {
	repo := newMemoryRepository()
	limiter := NewLimiterWithRepository(nil, repo)

	if err := checkWithRetry(limiter, 1, OpGateFailure, 1, time.Minute); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := checkWithRetry(limiter, 1, OpGateFailure, 1, time.Minute); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}

	doc, _ := repo.Get(nil, 1, OpGateFailure)
	if doc.Version != 1 {
		t.Fatalf("expected no writes for rejected calls, version=%d", doc.Version)
	}
}

func TestCheck_UsersAreIndependent(t *testing.T) {
	limiter := NewLimiterWithRepository(nil, newMemoryRepository())

	if err := checkWithRetry(limiter, 1, OpBeginScan, 1, time.Minute); err != nil {
		t.Fatalf("user 1 rejected: %v", err)
	}
	if err := checkWithRetry(limiter, 2, OpBeginScan, 1, time.Minute); err != nil {
		t.Fatalf("user 2 rejected despite separate window: %v", err)
	}
}

func TestCheck_ZeroLimitAlwaysRejects(t *testing.T) {
	limiter := NewLimiterWithRepository(nil, newMemoryRepository())
	if err := limiter.Check(context.Background(), 1, OpBeginScan, 0, time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rejection for zero limit, got %v", err)
	}
}
