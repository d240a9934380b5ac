package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/internal/pkg/database"
)

// Pipeline runs the body composition analysis for an authorized session.
type Pipeline interface {
	Process(ctx context.Context, session *models.ScanSession) error
}

// ScanReporter receives the processing outcome for a session. A failure
// report triggers the compensating credit refund.
type ScanReporter interface {
	OnProcessingStarted(ctx context.Context, scanID string) error
	OnProcessingCompleted(ctx context.Context, scanID string) error
	OnProcessingFailed(ctx context.Context, scanID string, cause error) error
}

// ScanProcessor connects the job queue to the analysis pipeline and the
// scan authorizer.
type ScanProcessor struct {
	pipeline Pipeline
	reporter ScanReporter
}

// NewScanProcessor creates a scan processor
func NewScanProcessor(pipeline Pipeline, reporter ScanReporter) *ScanProcessor {
	return &ScanProcessor{pipeline: pipeline, reporter: reporter}
}

// processScanProcessingJob processes a scan processing job
func (q *Queue) processScanProcessingJob(ctx context.Context, job *Job) error {
	if q.scans == nil {
		return fmt.Errorf("scan processor not configured")
	}

	payload, err := ScanProcessingJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to parse scan processing payload: %w", err)
	}

	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	var session models.ScanSession
	if err := db.Where("uuid = ?", payload.SessionUUID).First(&session).Error; err != nil {
		return fmt.Errorf("failed to find scan session %s: %w", payload.SessionUUID, err)
	}

	// On a retry the session is already processing; the guarded transition
	// just reports that, which is fine.
	if err := q.scans.reporter.OnProcessingStarted(ctx, session.UUID); err != nil {
		log.Debugf("[JobQueue] Session %s start transition: %v", session.UUID, err)
	}

	if err := q.scans.pipeline.Process(ctx, &session); err != nil {
		return fmt.Errorf("scan processing failed for %s: %w", session.UUID, err)
	}

	if err := q.scans.reporter.OnProcessingCompleted(ctx, session.UUID); err != nil {
		return fmt.Errorf("failed to complete session %s: %w", session.UUID, err)
	}

	log.Infof("[JobQueue] Scan processing completed for %s", session.UUID)
	return nil
}

// abandonScanProcessingJob reports a permanently failed scan job so the
// session is failed and the consumed credit refunded. Retryable failures
// never reach here.
func (q *Queue) abandonScanProcessingJob(ctx context.Context, job *Job, cause error) {
	if job.Type != JobTypeScanProcessing || q.scans == nil {
		return
	}

	payload, err := ScanProcessingJobPayloadFromMap(job.Payload)
	if err != nil {
		log.Errorf("[JobQueue] Cannot abandon job %s, bad payload: %v", job.ID, err)
		return
	}

	if err := q.scans.reporter.OnProcessingFailed(ctx, payload.SessionUUID, cause); err != nil {
		log.Errorf("[JobQueue] Failed to report failure for session %s: %v", payload.SessionUUID, err)
	}
}

// EnqueueScanProcessing enqueues a scan processing job for an authorized
// session. Satisfies the authorizer's Enqueuer interface.
func (q *Queue) EnqueueScanProcessing(ctx context.Context, session *models.ScanSession) error {
	payload := ScanProcessingJobPayload{
		SessionUUID: session.UUID,
		UserID:      session.UserID,
		Mode:        session.Mode,
	}
	_, err := q.EnqueueJob(JobTypeScanProcessing, payload.ToMap())
	return err
}
