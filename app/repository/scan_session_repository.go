package repository

import (
	"time"

	"github.com/lumoscan/lumoscan/app/models"
	"gorm.io/gorm"
)

// scanSessionRepository implements the ScanSessionRepository interface
type scanSessionRepository struct {
	db *gorm.DB
}

// NewScanSessionRepository creates a new scan session repository instance
func NewScanSessionRepository(db *gorm.DB) ScanSessionRepository {
	return &scanSessionRepository{db: db}
}

// GetByUUID retrieves a scan session by its public identifier
func (r *scanSessionRepository) GetByUUID(uuid string) (*models.ScanSession, error) {
	var session models.ScanSession
	err := r.db.Where("uuid = ?", uuid).First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetByUserID retrieves a paginated scan history for a user, newest first
func (r *scanSessionRepository) GetByUserID(userID uint, offset, limit int) ([]models.ScanSession, error) {
	var sessions []models.ScanSession
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// CountByUserID returns the total number of sessions for a user
func (r *scanSessionRepository) CountByUserID(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.ScanSession{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// CountByStatus returns the number of sessions currently in the given status
func (r *scanSessionRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.ScanSession{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// GetStuck returns sessions that have sat in the given status since before
// olderThan. The stuck sweeper uses this to requeue or fail them.
func (r *scanSessionRepository) GetStuck(status string, olderThan time.Time, limit int) ([]models.ScanSession, error) {
	var sessions []models.ScanSession
	err := r.db.Where("status = ? AND updated_at < ?", status, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
