package models

import (
	"time"

	"gorm.io/gorm"
)

type JobFrequency string

const (
	FrequencyDaily   JobFrequency = "DAILY"
	FrequencyWeekly  JobFrequency = "WEEKLY"
	FrequencyMonthly JobFrequency = "MONTHLY"
	FrequencyCustom  JobFrequency = "CUSTOM"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "RUNNING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailure ExecutionStatus = "FAILURE"
)

// CronJob is a recurring job definition. Hour/Minute/Timezone apply to all
// frequencies except CUSTOM, which carries a 5-field cron expression
// evaluated in Timezone. IsRunning is the persisted single-flight flag;
// it is only ever flipped through a compare-and-swap on its current value.
type CronJob struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	ProjectID  uint         `gorm:"not null;index" json:"project_id"`
	Name       string       `gorm:"not null;size:255" json:"name"`
	JobType    string       `gorm:"not null;size:100" json:"job_type"`
	Frequency  JobFrequency `gorm:"not null;size:20" json:"frequency"`
	Hour       int          `gorm:"default:0" json:"hour"`
	Minute     int          `gorm:"default:0" json:"minute"`
	DayOfWeek  int          `gorm:"default:0" json:"day_of_week"`
	DayOfMonth int          `gorm:"default:1" json:"day_of_month"`
	Timezone   string       `gorm:"size:100;default:'UTC'" json:"timezone"`
	CronExpr   string       `gorm:"size:255" json:"cron_expr"`
	IsEnabled  bool         `gorm:"default:true;index" json:"is_enabled"`
	IsRunning  bool         `gorm:"default:false" json:"is_running"`
	MaxRetries int          `gorm:"default:3" json:"max_retries"`
	RetryDelay string       `gorm:"size:50;default:'5m'" json:"retry_delay"`
	JobConfig  string       `gorm:"type:jsonb" json:"job_config"`
	NextRunAt  *time.Time   `gorm:"index" json:"next_run_at"`
	LastRunAt  *time.Time   `json:"last_run_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Project Project `gorm:"foreignKey:ProjectID" json:"project"`
}

// CronExecution is one firing of a job. Immutable once completed;
// deleting the job keeps its executions.
type CronExecution struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	JobID       uint            `gorm:"not null;index" json:"job_id"`
	Status      ExecutionStatus `gorm:"not null;size:20;index" json:"status"`
	TriggeredBy string          `gorm:"size:255" json:"triggered_by"`
	StartedAt   time.Time       `gorm:"not null" json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	DurationMS  int64           `gorm:"default:0" json:"duration_ms"`
	Error       string          `gorm:"type:text" json:"error"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}
