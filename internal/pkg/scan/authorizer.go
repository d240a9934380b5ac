package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/gate"
	"github.com/lumoscan/lumoscan/internal/pkg/ledger"
	"github.com/lumoscan/lumoscan/internal/pkg/txretry"
)

// DefaultHistoryWindow bounds how many recent sessions the duplicate check
// compares against.
const DefaultHistoryWindow = 10

var (
	// ErrDuplicateScan rejects submissions whose perceptual hashes overlap
	// a recent session. No credit is touched.
	ErrDuplicateScan = errors.New("duplicate scan submission")
	// ErrAlreadyAuthorized rejects re-authorization of a session that left
	// the queued state.
	ErrAlreadyAuthorized = errors.New("scan session already authorized")
	// ErrMissingHashes rejects submissions without perceptual hashes; the
	// duplicate check cannot run without them.
	ErrMissingHashes = errors.New("image hashes are required")
)

// Ledger is the slice of the credit ledger the authorizer needs.
type Ledger interface {
	ConsumeTx(tx *gorm.DB, userID uint, n int) (ledger.ConsumeResult, error)
	Refund(ctx context.Context, userID uint, n int, refundContext string) (int, error)
}

// GateChecker runs the daily failed-gate cap check and records passes.
type GateChecker interface {
	CheckTx(tx *gorm.DB, userID uint, now time.Time) error
	RecordPassTx(tx *gorm.DB, userID uint, now time.Time) error
}

// Enqueuer hands an authorized session to the processing pipeline.
type Enqueuer interface {
	EnqueueScanProcessing(ctx context.Context, session *models.ScanSession) error
}

// BeginInput carries one paid-scan authorization request.
type BeginInput struct {
	UserID      uint
	ScanID      string
	ImageHashes []string
	GateScore   float64
	Mode        string
}

// BeginResult reports a successful authorization.
type BeginResult struct {
	Authorized       bool                `json:"authorized"`
	RemainingCredits int                 `json:"remaining_credits"`
	Session          *models.ScanSession `json:"session"`
}

// Authorizer composes gate tracking, duplicate detection, the credit debit
// and the session-state transition into one logical "authorize a paid scan"
// operation. It owns no state of its own; all coordination happens through
// the store.
type Authorizer struct {
	db            *gorm.DB
	repo          Repository
	ledger        Ledger
	gate          GateChecker
	queue         Enqueuer
	historyWindow int
}

// NewAuthorizer wires the authorizer from its collaborators. queue may be
// nil when processing dispatch is handled elsewhere.
func NewAuthorizer(db *gorm.DB, repo Repository, ledger Ledger, gateChecker GateChecker, queue Enqueuer) *Authorizer {
	return &Authorizer{
		db:            db,
		repo:          repo,
		ledger:        ledger,
		gate:          gateChecker,
		queue:         queue,
		historyWindow: DefaultHistoryWindow,
	}
}

func (a *Authorizer) conn(ctx context.Context) *gorm.DB {
	if a.db == nil {
		return nil
	}
	return a.db.WithContext(ctx)
}

// BeginPaidScan authorizes one paid scan: gate cap first, then the duplicate
// check, then the credit debit and the session transition to authorized in
// the same transaction. Rejections before the debit never touch the ledger.
func (a *Authorizer) BeginPaidScan(ctx context.Context, in BeginInput) (BeginResult, error) {
	if in.UserID == 0 {
		return BeginResult{}, errors.New("user id is required")
	}
	if len(in.ImageHashes) == 0 {
		return BeginResult{}, ErrMissingHashes
	}
	if in.ScanID == "" {
		in.ScanID = uuid.NewString()
	}
	if in.Mode == "" {
		in.Mode = models.ScanModeFront
	}

	var remaining int
	session, err := txretry.Run(ctx, a.db, func(tx *gorm.DB) (*models.ScanSession, error) {
		s, r, err := a.beginPaidScanTx(tx, in)
		remaining = r
		return s, err
	})
	if err != nil {
		return BeginResult{}, err
	}

	if a.queue != nil {
		if err := a.queue.EnqueueScanProcessing(ctx, session); err != nil {
			// The session stays authorized; the stuck sweeper or a manual
			// replay picks it up.
			log.Errorf("[Scan] failed to enqueue processing for session %s: %v", session.UUID, err)
		}
	}

	log.Infof("[Scan] authorized session %s for user %d (remaining=%d)", session.UUID, in.UserID, remaining)
	return BeginResult{Authorized: true, RemainingCredits: remaining, Session: session}, nil
}

func (a *Authorizer) beginPaidScanTx(tx *gorm.DB, in BeginInput) (*models.ScanSession, int, error) {
	now := time.Now()

	// Gate check runs before anything touches money.
	if err := a.gate.CheckTx(tx, in.UserID, now); err != nil {
		return nil, 0, err
	}

	recent, err := a.repo.GetRecent(tx, in.UserID, a.historyWindow)
	if err != nil {
		return nil, 0, err
	}
	if dup := findDuplicate(in.ImageHashes, recent, in.ScanID); dup != "" {
		log.Infof("[Scan] duplicate submission by user %d matches session %s", in.UserID, dup)
		return nil, 0, ErrDuplicateScan
	}

	session, err := a.loadOrCreateSession(tx, in)
	if err != nil {
		return nil, 0, err
	}

	// Debit and authorized transition commit together or not at all.
	result, err := a.ledger.ConsumeTx(tx, in.UserID, 1)
	if err != nil {
		return nil, 0, err
	}

	session.Status = models.ScanStatusAuthorized
	session.Charged = true
	session.GateScore = in.GateScore
	session.Mode = in.Mode
	session.AuthorizedAt = &now
	if err := session.SetImageHashes(in.ImageHashes); err != nil {
		return nil, 0, err
	}
	if err := a.repo.Save(tx, session); err != nil {
		return nil, 0, err
	}
	// An authorized scan is a passed gate for today's counter.
	if err := a.gate.RecordPassTx(tx, in.UserID, now); err != nil {
		return nil, 0, err
	}
	return session, result.Remaining, nil
}

func (a *Authorizer) loadOrCreateSession(tx *gorm.DB, in BeginInput) (*models.ScanSession, error) {
	session, err := a.repo.GetByUUID(tx, in.ScanID)
	if IsNotFound(err) {
		session = &models.ScanSession{
			UUID:   in.ScanID,
			UserID: in.UserID,
			Status: models.ScanStatusQueued,
			Mode:   in.Mode,
		}
		if err := a.repo.Create(tx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	if err != nil {
		return nil, err
	}
	if session.UserID != in.UserID {
		return nil, gorm.ErrRecordNotFound
	}
	switch session.Status {
	case models.ScanStatusAwaitingUpload, models.ScanStatusQueued:
		return session, nil
	default:
		return nil, ErrAlreadyAuthorized
	}
}

// OnProcessingStarted moves an authorized session into processing.
func (a *Authorizer) OnProcessingStarted(ctx context.Context, scanID string) error {
	moved, err := a.repo.TransitionStatus(a.conn(ctx), scanID,
		[]string{models.ScanStatusAuthorized}, models.ScanStatusProcessing, nil)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("session %s is not authorized", scanID)
	}
	return nil
}

// OnProcessingCompleted finalizes a session after the pipeline succeeds.
func (a *Authorizer) OnProcessingCompleted(ctx context.Context, scanID string) error {
	now := time.Now()
	moved, err := a.repo.TransitionStatus(a.conn(ctx), scanID,
		[]string{models.ScanStatusAuthorized, models.ScanStatusProcessing},
		models.ScanStatusCompleted,
		map[string]interface{}{"completed_at": &now})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("session %s is not in a completable state", scanID)
	}
	return nil
}

// OnProcessingFailed marks the session failed and refunds the consumed
// credit as compensation. The status-guarded transition succeeds at most
// once per session, so the refund cannot double-credit under retries. A
// failed refund is an accounting discrepancy to alert on, never a crash.
func (a *Authorizer) OnProcessingFailed(ctx context.Context, scanID string, cause error) error {
	tx := a.conn(ctx)
	session, err := a.repo.GetByUUID(tx, scanID)
	if err != nil {
		return err
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	moved, err := a.repo.TransitionStatus(tx, scanID,
		[]string{models.ScanStatusAuthorized, models.ScanStatusProcessing},
		models.ScanStatusFailed,
		map[string]interface{}{"error_msg": errMsg})
	if err != nil {
		return err
	}
	if !moved {
		// Already failed or completed; nothing to compensate.
		return nil
	}

	if session.Charged {
		if _, err := a.ledger.Refund(ctx, session.UserID, 1, ledger.RefundContextAuto); err != nil {
			log.Errorf("[Scan] refund failed for session %s (user %d): %v", scanID, session.UserID, err)
		}
	}
	return nil
}

// findDuplicate returns the UUID of the first recent session whose stored
// hash set intersects the submitted one. The session being authorized is
// skipped so a retried request does not collide with itself.
func findDuplicate(hashes []string, recent []models.ScanSession, selfID string) string {
	submitted := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		if h != "" {
			submitted[h] = struct{}{}
		}
	}
	for _, session := range recent {
		if session.UUID == selfID {
			continue
		}
		for _, h := range session.ImageHashes() {
			if _, ok := submitted[h]; ok {
				return session.UUID
			}
		}
	}
	return ""
}

var (
	_ Ledger      = (*ledger.Service)(nil)
	_ GateChecker = (*gate.Tracker)(nil)
)
