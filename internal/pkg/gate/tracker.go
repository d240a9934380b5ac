package gate

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumoscan/lumoscan/app/models"
)

// DefaultDailyMax caps failed gate attempts per user per UTC day before a
// paid authorization may be attempted.
const DefaultDailyMax = 3

// ErrTooManyFailedGates is returned once the daily failure cap is reached.
var ErrTooManyFailedGates = errors.New("too many failed gate attempts today")

// Attempts reports gate usage for the current UTC day.
type Attempts struct {
	Failed    int `json:"failed"`
	Passed    int `json:"passed"`
	Remaining int `json:"remaining"`
}

// Repository provides DB operations used by the tracker.
type Repository interface {
	Get(tx *gorm.DB, userID uint, day string) (*models.GateCounter, error)
	IncrementFailed(tx *gorm.DB, userID uint, day string) error
	IncrementPassed(tx *gorm.DB, userID uint, day string) error
}

type gormRepository struct{}

// NewRepository creates a gate repository backed by GORM.
func NewRepository() Repository {
	return &gormRepository{}
}

func (r *gormRepository) Get(tx *gorm.DB, userID uint, day string) (*models.GateCounter, error) {
	var counter models.GateCounter
	err := tx.Where("user_id = ? AND day = ?", userID, day).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.GateCounter{UserID: userID, Day: day}, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

func (r *gormRepository) IncrementFailed(tx *gorm.DB, userID uint, day string) error {
	return r.increment(tx, userID, day, "failed")
}

func (r *gormRepository) IncrementPassed(tx *gorm.DB, userID uint, day string) error {
	return r.increment(tx, userID, day, "passed")
}

// increment upserts the day-keyed counter row atomically; concurrent
// increments serialize on the unique (user_id, day) index.
func (r *gormRepository) increment(tx *gorm.DB, userID uint, day, column string) error {
	counter := models.GateCounter{UserID: userID, Day: day}
	if column == "failed" {
		counter.Failed = 1
	} else {
		counter.Passed = 1
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "day"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			column: gorm.Expr(column + " + 1"),
		}),
	}).Create(&counter).Error
}

// Tracker counts client-side pre-check failures per user per UTC day and
// caps retries before a paid authorization is attempted.
type Tracker struct {
	db       *gorm.DB
	repo     Repository
	dailyMax int
}

// NewTracker creates a tracker from a GORM DB handle.
func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db, repo: NewRepository(), dailyMax: DefaultDailyMax}
}

// NewTrackerWithRepository creates a tracker with an injected repository and
// cap, used by tests.
func NewTrackerWithRepository(db *gorm.DB, repo Repository, dailyMax int) *Tracker {
	if dailyMax <= 0 {
		dailyMax = DefaultDailyMax
	}
	return &Tracker{db: db, repo: repo, dailyMax: dailyMax}
}

// DailyMax returns the configured failure cap.
func (t *Tracker) DailyMax() int {
	return t.dailyMax
}

func (t *Tracker) conn(ctx context.Context) *gorm.DB {
	if t.db == nil {
		return nil
	}
	return t.db.WithContext(ctx)
}

// RecordFailure increments today's failure counter unconditionally and
// returns the attempts left for the day. The client pre-check calls this
// before attempting a paid authorization.
func (t *Tracker) RecordFailure(ctx context.Context, userID uint) (Attempts, error) {
	day := models.GateDay(time.Now())
	tx := t.conn(ctx)
	if err := t.repo.IncrementFailed(tx, userID, day); err != nil {
		return Attempts{}, err
	}
	return t.attempts(tx, userID, day)
}

// RecordPassTx increments today's pass counter inside the caller's
// transaction. The scan authorizer records a pass when a paid authorization
// commits, so the counter row mirrors the day's real gate outcomes.
func (t *Tracker) RecordPassTx(tx *gorm.DB, userID uint, now time.Time) error {
	return t.repo.IncrementPassed(tx, userID, models.GateDay(now))
}

// CheckTx rejects with ErrTooManyFailedGates when today's failures have
// reached the cap. The scan authorizer runs this inside its transaction,
// before any credit is touched.
func (t *Tracker) CheckTx(tx *gorm.DB, userID uint, now time.Time) error {
	counter, err := t.repo.Get(tx, userID, models.GateDay(now))
	if err != nil {
		return err
	}
	if counter.Failed >= t.dailyMax {
		return ErrTooManyFailedGates
	}
	return nil
}

func (t *Tracker) attempts(tx *gorm.DB, userID uint, day string) (Attempts, error) {
	counter, err := t.repo.Get(tx, userID, day)
	if err != nil {
		return Attempts{}, err
	}
	remaining := t.dailyMax - counter.Failed
	if remaining < 0 {
		remaining = 0
	}
	return Attempts{Failed: counter.Failed, Passed: counter.Passed, Remaining: remaining}, nil
}
