package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

// memoryRepository emulates the store's snapshot-read plus conflict-checked
// commit semantics so ledger logic can be exercised without a database.
type memoryRepository struct {
	mu   sync.Mutex
	docs map[uint]*models.CreditSummary
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{docs: make(map[uint]*models.CreditSummary)}
}

func (r *memoryRepository) Get(_ *gorm.DB, userID uint) (*models.CreditSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	snapshot := *doc
	return &snapshot, nil
}

func (r *memoryRepository) Create(_ *gorm.DB, summary *models.CreditSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[summary.UserID]; ok {
		return txretry.ErrConflict
	}
	stored := *summary
	r.docs[summary.UserID] = &stored
	return nil
}

func (r *memoryRepository) SaveVersioned(_ *gorm.DB, summary *models.CreditSummary, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[summary.UserID]
	if !ok || doc.Version != expectedVersion {
		return txretry.ErrConflict
	}
	stored := *summary
	stored.Version = expectedVersion + 1
	r.docs[summary.UserID] = &stored
	summary.Version = stored.Version
	return nil
}

// consumeWithRetry mirrors the bounded retry the service performs around a
// conflicting debit.
func consumeWithRetry(s *Service, userID uint, n int) (ConsumeResult, error) {
	for attempt := 1; attempt <= txretry.MaxAttempts; attempt++ {
		result, err := s.ConsumeTx(nil, userID, n)
		if !errors.Is(err, txretry.ErrConflict) {
			return result, err
		}
	}
	return ConsumeResult{}, txretry.ErrStoreUnavailable
}

func TestGrantTx_FirstGrantCreatesDocument(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	months := 12
	summary, err := svc.grantTx(nil, 1, 10, &months, "purchase_1", "starter pack")
	if err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if summary.TotalAvailable != 10 {
		t.Fatalf("TotalAvailable = %d, want 10", summary.TotalAvailable)
	}
	if summary.Version != 1 {
		t.Fatalf("Version = %d, want 1", summary.Version)
	}
	buckets, _ := summary.Buckets()
	if len(buckets) != 1 || buckets[0].ExpiresAt == nil {
		t.Fatalf("expected one expiring bucket, got %+v", buckets)
	}
}

func TestGrantTx_AppendsAndPrunesExpired(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	seedSummary(t, repo, 1, []models.CreditBucket{
		{Amount: 5, GrantedAt: time.Now().Add(-48 * time.Hour), ExpiresAt: ptrTime(time.Now().Add(-time.Hour))},
		{Amount: 2, GrantedAt: time.Now().Add(-24 * time.Hour)},
	})

	summary, err := svc.grantTx(nil, 1, 3, nil, "purchase_2", "")
	if err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if summary.TotalAvailable != 5 {
		t.Fatalf("TotalAvailable = %d, want 5 (expired bucket pruned)", summary.TotalAvailable)
	}
	buckets, _ := summary.Buckets()
	if len(buckets) != 2 {
		t.Fatalf("expected expired bucket gone, got %d buckets", len(buckets))
	}
}

func TestConsumeTx_ExpiringBucketDebitedFirst(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	exp := time.Now().Add(24 * time.Hour)
	seedSummary(t, repo, 1, []models.CreditBucket{
		{Amount: 10, GrantedAt: time.Now().Add(-time.Hour)},
		{Amount: 10, GrantedAt: time.Now(), ExpiresAt: &exp, SourceID: "expiring"},
	})

	result, err := svc.ConsumeTx(nil, 1, 1)
	if err != nil {
		t.Fatalf("unexpected consume error: %v", err)
	}
	if !result.Consumed || result.Remaining != 19 {
		t.Fatalf("unexpected result: %+v", result)
	}

	doc, _ := repo.Get(nil, 1)
	buckets, _ := doc.Buckets()
	for _, b := range buckets {
		if b.SourceID == "expiring" && b.Amount != 9 {
			t.Fatalf("expected expiring bucket debited to 9, got %d", b.Amount)
		}
		if b.SourceID == "" && b.Amount != 10 {
			t.Fatalf("expected non-expiring bucket untouched, got %d", b.Amount)
		}
	}
}

func TestConsumeTx_InsufficientLeavesBalanceUntouched(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	seedSummary(t, repo, 1, []models.CreditBucket{
		{Amount: 1, GrantedAt: time.Now()},
	})

	result, err := svc.ConsumeTx(nil, 1, 2)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if result.Consumed {
		t.Fatalf("expected consumed=false")
	}
	if result.Remaining != 1 {
		t.Fatalf("Remaining = %d, want 1", result.Remaining)
	}

	doc, _ := repo.Get(nil, 1)
	if doc.TotalAvailable != 1 || doc.Version != 1 {
		t.Fatalf("expected document untouched, got total=%d version=%d", doc.TotalAvailable, doc.Version)
	}
}

func TestConsumeTx_NoLedgerDocument(t *testing.T) {
	svc := NewServiceWithRepository(nil, newMemoryRepository())

	result, err := svc.ConsumeTx(nil, 42, 1)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if result.Consumed || result.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestConsumeTx_AtMostOneConsumerPerCredit(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	seedSummary(t, repo, 1, []models.CreditBucket{
		{Amount: 1, GrantedAt: time.Now()},
	})

	const callers = 8
	var wg sync.WaitGroup
	consumed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := consumeWithRetry(svc, 1, 1)
			if err != nil && !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected consume error: %v", err)
				return
			}
			consumed <- result.Consumed
		}()
	}
	wg.Wait()
	close(consumed)

	winners := 0
	for ok := range consumed {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	doc, _ := repo.Get(nil, 1)
	if doc.TotalAvailable != 0 {
		t.Fatalf("final balance = %d, want 0", doc.TotalAvailable)
	}
}

func TestSummaryTx_ExpiredBucketsHidden(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	seedSummary(t, repo, 1, []models.CreditBucket{
		{Amount: 5, GrantedAt: time.Now().Add(-48 * time.Hour), ExpiresAt: ptrTime(time.Now().Add(-time.Hour)), SourceID: "expired"},
		{Amount: 2, GrantedAt: time.Now().Add(-24 * time.Hour)},
	})

	summary, err := svc.summaryTx(nil, 1, time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	buckets, err := summary.Buckets()
	if err != nil {
		t.Fatalf("decode buckets: %v", err)
	}
	// The expired bucket must not appear next to a total that excludes it.
	if len(buckets) != 1 || buckets[0].SourceID == "expired" {
		t.Fatalf("expected only the live bucket, got %+v", buckets)
	}
	if summary.TotalAvailable != 2 {
		t.Fatalf("TotalAvailable = %d, want 2", summary.TotalAvailable)
	}
}

func TestSummaryTx_NoDocument(t *testing.T) {
	svc := NewServiceWithRepository(nil, newMemoryRepository())

	summary, err := svc.summaryTx(nil, 42, time.Now())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalAvailable != 0 || summary.UserID != 42 {
		t.Fatalf("unexpected empty summary: %+v", summary)
	}
}

func TestConservationAcrossMutations(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewServiceWithRepository(nil, repo)

	months := 1
	if _, err := svc.grantTx(nil, 1, 5, &months, "p1", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.grantTx(nil, 1, 3, nil, "p2", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.ConsumeTx(nil, 1, 4); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, err := svc.grantTx(nil, 1, 1, nil, "", RefundContextAuto); err != nil {
		t.Fatalf("refund grant: %v", err)
	}

	doc, _ := repo.Get(nil, 1)
	buckets, _ := doc.Buckets()
	if got := totalAvailable(buckets, time.Now()); got != doc.TotalAvailable {
		t.Fatalf("stored total %d != derived total %d", doc.TotalAvailable, got)
	}
	if doc.TotalAvailable != 5 {
		t.Fatalf("TotalAvailable = %d, want 5", doc.TotalAvailable)
	}
}

func seedSummary(t *testing.T, repo *memoryRepository, userID uint, buckets []models.CreditBucket) {
	t.Helper()
	summary := &models.CreditSummary{UserID: userID, Version: 1}
	if err := summary.SetBuckets(buckets, time.Now()); err != nil {
		t.Fatalf("seed buckets: %v", err)
	}
	if err := repo.Create(nil, summary); err != nil {
		t.Fatalf("seed create: %v", err)
	}
}
