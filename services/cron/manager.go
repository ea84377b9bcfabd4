package cron

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services"
	"github.com/lessonforge/api/services/storage"
)

// CronManager schedules the pipeline's maintenance jobs: nightly budget
// rollover, purge of cleared Q&A history, and source document retention.
type CronManager struct {
	cron    *cron.Cron
	db      *gorm.DB
	budget  *services.BudgetGuard
	storage *storage.SpacesClient
}

// NewCronManager creates a new cron manager. storage may be nil when no
// object store is configured; the retention job is then skipped.
func NewCronManager(db *gorm.DB, budget *services.BudgetGuard, spaces *storage.SpacesClient) *CronManager {
	return &CronManager{
		cron:    cron.New(cron.WithSeconds()),
		db:      db,
		budget:  budget,
		storage: spaces,
	}
}

// Start registers and starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

func (m *CronManager) registerJobs() error {
	// Daily at midnight UTC: archive expired token budgets
	_, err := m.cron.AddFunc("0 0 0 * * *", func() {
		m.runJob("budget_rollover", m.RolloverBudgets)
	})
	if err != nil {
		return err
	}

	// Weekly on Sunday at 3 AM: purge cleared Q&A history
	_, err = m.cron.AddFunc("0 0 3 * * 0", func() {
		m.runJob("purge_cleared_history", m.PurgeClearedHistory)
	})
	if err != nil {
		return err
	}

	if m.storage != nil {
		// Daily at 4 AM: delete source documents past retention
		_, err = m.cron.AddFunc("0 0 4 * * *", func() {
			m.runJob("purge_expired_sources", m.PurgeExpiredSources)
		})
		if err != nil {
			return err
		}
	}

	log.Println("All cron jobs registered successfully")
	return nil
}

// runJob executes a job and writes its audit row.
func (m *CronManager) runJob(jobName string, job func() (string, error)) {
	log.Printf("[CRON] Starting job: %s", jobName)
	start := time.Now()

	detail, err := job()
	entry := model.CronJobLog{
		JobName:    jobName,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     detail,
	}
	if err != nil {
		log.Printf("[CRON] Error in job %s: %v", jobName, err)
		entry.Status = model.CronJobStatusFailed
		entry.Detail = err.Error()
	} else {
		log.Printf("[CRON] Completed job %s: %s", jobName, detail)
		entry.Status = model.CronJobStatusCompleted
	}

	if dberr := m.db.Create(&entry).Error; dberr != nil {
		log.Printf("[CRON] Failed to write job log for %s: %v", jobName, dberr)
	}
}
