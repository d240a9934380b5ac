package catalog

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
)

// ErrUnknownPlan is returned when no active mapping covers a provider plan
// reference. Webhook handlers treat it as a non-retryable processing error.
var ErrUnknownPlan = errors.New("no active credit plan mapping")

// CreditGrant is the resolved outcome of a plan lookup: how many credits a
// purchase grants and how long they live. ExpiryMonths == nil means the
// credits never expire.
type CreditGrant struct {
	Amount       int
	ExpiryMonths *int
}

// Service resolves provider plan references to credit grants. Prices and
// expiries live exclusively in the credit_plan_mappings table; nothing in
// the ledger hard-codes them.
type Service struct {
	db *gorm.DB
}

// NewService creates a catalog service from a GORM DB handle.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Resolve maps a provider plan reference to the credit grant it purchases.
func (s *Service) Resolve(ctx context.Context, provider, providerPlanRef string) (CreditGrant, error) {
	p := strings.ToLower(strings.TrimSpace(provider))
	ref := strings.TrimSpace(providerPlanRef)
	if p == "" || ref == "" {
		return CreditGrant{}, errors.New("provider and provider plan ref are required")
	}

	var m models.CreditPlanMapping
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_plan_ref = ? AND is_active = ?", p, ref, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CreditGrant{}, ErrUnknownPlan
	}
	if err != nil {
		return CreditGrant{}, err
	}
	if m.CreditAmount <= 0 {
		return CreditGrant{}, ErrUnknownPlan
	}
	return CreditGrant{Amount: m.CreditAmount, ExpiryMonths: m.ExpiryMonths}, nil
}
