package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lumoscan/lumoscan/app/models"
	"github.com/lumoscan/lumoscan/app/repository"
	"github.com/lumoscan/lumoscan/internal/pkg/env"
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue              *Queue
	sessionSweepTicker *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := env.GetEnvInt("JOB_WORKERS", 5)

		globalManager = &Manager{
			queue:  NewQueue(workerCount),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	// Start the job queue
	m.queue.Start()

	// Sweep sessions stuck in processing (worker crash, lost job)
	sweepInterval := time.Duration(env.GetEnvInt("SESSION_SWEEP_INTERVAL_MINUTES", 5)) * time.Minute
	m.sessionSweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.sessionSweepWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sessionSweepTicker != nil {
		m.sessionSweepTicker.Stop()
	}

	// Signal workers to stop. The channel stays closed until Start replaces
	// it; nilling it here would hang a worker that re-enters its select
	// after the close.
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// sessionSweepWorker periodically fails scan sessions that have sat in
// processing for too long so their credits are refunded.
func (m *Manager) sessionSweepWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started session sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Session sweep worker stopping")
			return
		case <-m.sessionSweepTicker.C:
			if err := m.sweepStuckSessionsOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Session sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) sweepStuckSessionsOnce() error {
	if m.queue.scans == nil {
		return nil
	}

	maxAge := time.Duration(env.GetEnvInt("SESSION_STUCK_MINUTES", 30)) * time.Minute
	repo := repository.GetGlobalRepositories().ScanSession
	stuck, err := repo.GetStuck(models.ScanStatusProcessing, time.Now().Add(-maxAge), 100)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, session := range stuck {
		log.Warnf("[JobQueue Manager] Failing stuck session %s (user %d)", session.UUID, session.UserID)
		cause := fmt.Errorf("processing timed out after %s", maxAge)
		if err := m.queue.scans.reporter.OnProcessingFailed(ctx, session.UUID, cause); err != nil {
			log.Errorf("[JobQueue Manager] Failed to fail session %s: %v", session.UUID, err)
		}
	}
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
