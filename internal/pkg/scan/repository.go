package scan

import (
	"errors"

	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
)

// Repository provides session DB operations used by the authorizer. Methods
// take the transaction handle they run under so session writes can commit
// atomically with the credit debit.
type Repository interface {
	GetByUUID(tx *gorm.DB, uuid string) (*models.ScanSession, error)
	GetRecent(tx *gorm.DB, userID uint, limit int) ([]models.ScanSession, error)
	Create(tx *gorm.DB, session *models.ScanSession) error
	Save(tx *gorm.DB, session *models.ScanSession) error
	TransitionStatus(tx *gorm.DB, uuid string, from []string, to string, updates map[string]interface{}) (bool, error)
}

type gormRepository struct{}

// NewRepository creates a session repository backed by GORM.
func NewRepository() Repository {
	return &gormRepository{}
}

func (r *gormRepository) GetByUUID(tx *gorm.DB, uuid string) (*models.ScanSession, error) {
	var session models.ScanSession
	if err := tx.Where("uuid = ?", uuid).First(&session).Error; err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *gormRepository) GetRecent(tx *gorm.DB, userID uint, limit int) ([]models.ScanSession, error) {
	var sessions []models.ScanSession
	err := tx.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

func (r *gormRepository) Create(tx *gorm.DB, session *models.ScanSession) error {
	return tx.Create(session).Error
}

func (r *gormRepository) Save(tx *gorm.DB, session *models.ScanSession) error {
	return tx.Save(session).Error
}

// TransitionStatus performs a status-guarded update. The guard makes each
// state transition succeed at most once, which the failure path relies on to
// invoke the compensating refund exactly once.
func (r *gormRepository) TransitionStatus(tx *gorm.DB, uuid string, from []string, to string, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	res := tx.Model(&models.ScanSession{}).
		Where("uuid = ? AND status IN ?", uuid, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsNotFound reports whether err means no session exists for the id.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
