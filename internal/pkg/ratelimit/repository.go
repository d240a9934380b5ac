package ratelimit

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

// Repository provides DB operations used by the limiter.
type Repository interface {
	Get(tx *gorm.DB, userID uint, operationKey string) (*models.RateLimitWindow, error)
	Create(tx *gorm.DB, doc *models.RateLimitWindow) error
	SaveVersioned(tx *gorm.DB, doc *models.RateLimitWindow, expectedVersion int64) error
}

type gormRepository struct{}

// NewRepository creates a limiter repository backed by GORM.
func NewRepository() Repository {
	return &gormRepository{}
}

func (r *gormRepository) Get(tx *gorm.DB, userID uint, operationKey string) (*models.RateLimitWindow, error) {
	var doc models.RateLimitWindow
	if err := tx.Where("user_id = ? AND operation_key = ?", userID, operationKey).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *gormRepository) Create(tx *gorm.DB, doc *models.RateLimitWindow) error {
	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "operation_key"},
		},
		DoNothing: true,
	}).Create(doc)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the first-writer race; the retry loop reloads the stored row.
		return txretry.ErrConflict
	}
	return nil
}

func (r *gormRepository) SaveVersioned(tx *gorm.DB, doc *models.RateLimitWindow, expectedVersion int64) error {
	res := tx.Model(&models.RateLimitWindow{}).
		Where("id = ? AND version = ?", doc.ID, expectedVersion).
		Updates(map[string]interface{}{
			"events_json": doc.EventsJSON,
			"version":     expectedVersion + 1,
		})
	if err := txretry.CheckVersioned(res); err != nil {
		return err
	}
	doc.Version = expectedVersion + 1
	return nil
}

// IsNotFound reports whether err means no window document exists yet.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
