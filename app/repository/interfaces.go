package repository

import (
	"time"

	"github.com/lumoscan/lumoscan/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, *models.UserSettings, error)
	Update(user *models.User) error
	Delete(id uint) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	GetSettings(userID uint) (*models.UserSettings, error)
	SaveSettings(settings *models.UserSettings) error
}

// ScanSessionRepository defines the interface for scan session queries that
// live outside the authorization path (admin listings, user history).
type ScanSessionRepository interface {
	GetByUUID(uuid string) (*models.ScanSession, error)
	GetByUserID(userID uint, offset, limit int) ([]models.ScanSession, error)
	CountByUserID(userID uint) (int64, error)
	CountByStatus(status string) (int64, error)
	GetStuck(status string, olderThan time.Time, limit int) ([]models.ScanSession, error)
}

// QueueRepository defines the interface for cache/queue inspection operations
type QueueRepository interface {
	GetAllKeys() ([]string, error)
	GetValue(key string) (string, error)
	GetTTL(key string) (time.Duration, error)
	DeleteKey(key string) (int64, error)
	GetListLength(key string) (int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User        UserRepository
	ScanSession ScanSessionRepository
	Queue       QueueRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:        NewUserRepository(db),
		ScanSession: NewScanSessionRepository(db),
		Queue:       NewQueueRepository(),
	}
}
