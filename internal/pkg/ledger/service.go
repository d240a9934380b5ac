package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

var (
	// ErrInvalidAmount rejects grants and debits of non-positive amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")
	// ErrInsufficientCredits is returned by Consume when the live balance
	// cannot cover the requested amount. No mutation happens.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// RefundContextAuto marks buckets created by automatic compensation after a
// failed downstream step.
const RefundContextAuto = "auto-refund"

// ConsumeResult reports the outcome of a debit attempt. Remaining is always
// the post-mutation total across live buckets, also when the debit was
// rejected.
type ConsumeResult struct {
	Consumed  bool `json:"consumed"`
	Remaining int  `json:"remaining"`
}

// Service owns a user's credit balance as a set of expiring buckets. Every
// operation is a single store transaction wrapped in bounded retry.
type Service struct {
	db   *gorm.DB
	repo Repository
}

// NewService creates a ledger service from a GORM DB handle.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, repo: NewRepository()}
}

// NewServiceWithRepository creates a ledger service with an injected
// repository, used by tests.
func NewServiceWithRepository(db *gorm.DB, repo Repository) *Service {
	return &Service{db: db, repo: repo}
}

// Grant appends a new credit bucket and recomputes the derived total.
// expiryMonths == nil grants non-expiring credits.
func (s *Service) Grant(ctx context.Context, userID uint, amount int, expiryMonths *int, sourceID, grantContext string) (*models.CreditSummary, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	summary, err := txretry.Run(ctx, s.db, func(tx *gorm.DB) (*models.CreditSummary, error) {
		return s.grantTx(tx, userID, amount, expiryMonths, sourceID, grantContext)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Ledger] granted %d credits to user %d (source=%s, total=%d)", amount, userID, sourceID, summary.TotalAvailable)
	return summary, nil
}

func (s *Service) grantTx(tx *gorm.DB, userID uint, amount int, expiryMonths *int, sourceID, grantContext string) (*models.CreditSummary, error) {
	now := time.Now()
	bucket := models.CreditBucket{
		Amount:    amount,
		GrantedAt: now,
		SourceID:  sourceID,
		Context:   grantContext,
	}
	if expiryMonths != nil {
		exp := now.AddDate(0, *expiryMonths, 0)
		bucket.ExpiresAt = &exp
	}

	summary, err := s.repo.Get(tx, userID)
	if IsNotFound(err) {
		summary = &models.CreditSummary{UserID: userID}
		if err := summary.SetBuckets([]models.CreditBucket{bucket}, now); err != nil {
			return nil, err
		}
		summary.Version = 1
		if err := s.repo.Create(tx, summary); err != nil {
			return nil, err
		}
		return summary, nil
	}
	if err != nil {
		return nil, err
	}

	buckets, err := summary.Buckets()
	if err != nil {
		return nil, err
	}
	buckets = append(pruneBuckets(buckets, now), bucket)
	expectedVersion := summary.Version
	if err := summary.SetBuckets(buckets, now); err != nil {
		return nil, err
	}
	if err := s.repo.SaveVersioned(tx, summary, expectedVersion); err != nil {
		return nil, err
	}
	return summary, nil
}

// Consume debits n credits in its own transaction. See ConsumeTx for the
// debit policy.
func (s *Service) Consume(ctx context.Context, userID uint, n int) (ConsumeResult, error) {
	var result ConsumeResult
	_, err := txretry.Run(ctx, s.db, func(tx *gorm.DB) (struct{}, error) {
		var innerErr error
		result, innerErr = s.ConsumeTx(tx, userID, n)
		return struct{}{}, innerErr
	})
	return result, err
}

// ConsumeTx debits n credits inside a caller-owned transaction so the debit
// can commit atomically with other writes (the scan authorizer's session
// transition). Expired buckets are discarded first, then live buckets are
// debited soonest-to-expire first with spill-over. On insufficient balance
// the transaction state is untouched and ErrInsufficientCredits is returned
// with the live balance in Remaining.
func (s *Service) ConsumeTx(tx *gorm.DB, userID uint, n int) (ConsumeResult, error) {
	if n <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	now := time.Now()

	summary, err := s.repo.Get(tx, userID)
	if IsNotFound(err) {
		return ConsumeResult{Consumed: false, Remaining: 0}, ErrInsufficientCredits
	}
	if err != nil {
		return ConsumeResult{}, err
	}

	buckets, err := summary.Buckets()
	if err != nil {
		return ConsumeResult{}, err
	}
	buckets = pruneBuckets(buckets, now)
	sortForDebit(buckets)

	debited, ok := debitBuckets(buckets, n)
	if !ok {
		return ConsumeResult{Consumed: false, Remaining: totalAvailable(buckets, now)}, ErrInsufficientCredits
	}

	expectedVersion := summary.Version
	if err := summary.SetBuckets(debited, now); err != nil {
		return ConsumeResult{}, err
	}
	if err := s.repo.SaveVersioned(tx, summary, expectedVersion); err != nil {
		return ConsumeResult{}, err
	}

	remaining := summary.TotalAvailable
	if remaining <= 1 {
		log.Warnf("[Ledger] user %d is low on credits (remaining=%d)", userID, remaining)
	}
	return ConsumeResult{Consumed: true, Remaining: remaining}, nil
}

// Refund appends a new non-expiring bucket as compensation after a failed
// downstream step. It never undoes a debit in place.
func (s *Service) Refund(ctx context.Context, userID uint, n int, refundContext string) (int, error) {
	if refundContext == "" {
		refundContext = RefundContextAuto
	}
	summary, err := s.Grant(ctx, userID, n, nil, "", refundContext)
	if err != nil {
		return 0, err
	}
	return summary.TotalAvailable, nil
}

// Summary returns the user's live balance view. Expired buckets are pruned
// from the returned document and the total re-derived from what is left, so
// the buckets a caller sees always add up to TotalAvailable. Nothing is
// persisted here; stored expired buckets drop out on the next mutation.
func (s *Service) Summary(ctx context.Context, userID uint) (*models.CreditSummary, error) {
	var summary *models.CreditSummary
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var innerErr error
		summary, innerErr = s.summaryTx(tx, userID, time.Now())
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Service) summaryTx(tx *gorm.DB, userID uint, now time.Time) (*models.CreditSummary, error) {
	loaded, err := s.repo.Get(tx, userID)
	if IsNotFound(err) {
		return &models.CreditSummary{UserID: userID, BucketsJSON: "[]"}, nil
	}
	if err != nil {
		return nil, err
	}
	buckets, err := loaded.Buckets()
	if err != nil {
		return nil, err
	}
	live := pruneBuckets(buckets, now)
	if liveTotal := totalAvailable(live, now); liveTotal != loaded.TotalAvailable {
		log.Warnf("[Ledger] summary drift for user %d: stored=%d live=%d", userID, loaded.TotalAvailable, liveTotal)
	}
	if err := loaded.SetBuckets(live, now); err != nil {
		return nil, err
	}
	return loaded, nil
}
