package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

// Repository provides DB operations used by the ledger service. All methods
// take the transaction handle they run under so the service can compose them
// with other writes in one transaction.
type Repository interface {
	Get(tx *gorm.DB, userID uint) (*models.CreditSummary, error)
	Create(tx *gorm.DB, summary *models.CreditSummary) error
	SaveVersioned(tx *gorm.DB, summary *models.CreditSummary, expectedVersion int64) error
}

type gormRepository struct{}

// NewRepository creates a ledger repository backed by GORM.
func NewRepository() Repository {
	return &gormRepository{}
}

func (r *gormRepository) Get(tx *gorm.DB, userID uint) (*models.CreditSummary, error) {
	var summary models.CreditSummary
	if err := tx.Where("user_id = ?", userID).First(&summary).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}

// Create inserts the first ledger document for a user. A concurrent first
// grant loses the insert race and surfaces as a conflict to be retried.
func (r *gormRepository) Create(tx *gorm.DB, summary *models.CreditSummary) error {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(summary)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return txretry.ErrConflict
	}
	return nil
}

// SaveVersioned commits a mutated summary only if nobody else committed in
// between, bumping the version on success.
func (r *gormRepository) SaveVersioned(tx *gorm.DB, summary *models.CreditSummary, expectedVersion int64) error {
	res := tx.Model(&models.CreditSummary{}).
		Where("user_id = ? AND version = ?", summary.UserID, expectedVersion).
		Updates(map[string]interface{}{
			"buckets_json":    summary.BucketsJSON,
			"total_available": summary.TotalAvailable,
			"version":         expectedVersion + 1,
			"last_updated":    time.Now(),
		})
	if err := txretry.CheckVersioned(res); err != nil {
		return err
	}
	summary.Version = expectedVersion + 1
	return nil
}

// IsNotFound reports whether err means the user has no ledger document yet.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
