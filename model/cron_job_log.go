package model

import (
	"time"
)

// CronJobStatus represents the outcome of a scheduled job run
type CronJobStatus string

const (
	CronJobStatusRunning   CronJobStatus = "running"
	CronJobStatusCompleted CronJobStatus = "completed"
	CronJobStatusFailed    CronJobStatus = "failed"
)

// CronJobLog records each scheduled job execution for auditing
type CronJobLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	JobName    string        `gorm:"type:varchar(100);not null;index" json:"job_name"`
	Status     CronJobStatus `gorm:"type:varchar(20);not null" json:"status"`
	DurationMS int64         `gorm:"default:0" json:"duration_ms"`
	Detail     string        `gorm:"type:text" json:"detail,omitempty"`
}

// TableName specifies the table name for CronJobLog
func (CronJobLog) TableName() string {
	return "cron_job_logs"
}
