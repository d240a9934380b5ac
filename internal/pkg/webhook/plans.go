package webhook

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
)

type gormPlanStore struct {
	db *gorm.DB
}

// NewPlanStore creates a PlanStore that writes plan changes onto user
// settings.
func NewPlanStore(db *gorm.DB) PlanStore {
	return &gormPlanStore{db: db}
}

func (p *gormPlanStore) SetUserPlan(ctx context.Context, userID uint, plan string) error {
	plan = strings.ToLower(strings.TrimSpace(plan))
	if plan == "" {
		plan = "free"
	}
	us, err := models.GetOrCreateUserSettings(p.db.WithContext(ctx), userID)
	if err != nil {
		return err
	}
	if us.Plan == plan {
		return nil
	}
	us.Plan = plan
	return p.db.WithContext(ctx).Save(us).Error
}
