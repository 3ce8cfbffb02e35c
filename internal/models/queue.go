package models

import (
	"time"

	"gorm.io/gorm"
)

type QueueStatus string

const (
	QueuePending    QueueStatus = "PENDING"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueCompleted  QueueStatus = "COMPLETED"
	QueueFailed     QueueStatus = "FAILED"
	QueueCancelled  QueueStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueCancelled
}

// QueueItem is one unit of content-to-platforms work waiting for dispatch.
// PlatformKey is the sorted, comma-joined platform set; together with
// ContentID it enforces at most one non-terminal item per (content,
// platforms) pair via ActiveKey.
type QueueItem struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	ProjectID    uint        `gorm:"not null;index" json:"project_id"`
	ContentID    uint        `gorm:"not null;index" json:"content_id"`
	Platforms    StringArray `gorm:"type:text[]" json:"platforms"`
	PlatformKey  string      `gorm:"not null;size:500" json:"platform_key"`
	ActiveKey    *string     `gorm:"uniqueIndex;size:600" json:"-"`
	ScheduledFor time.Time   `gorm:"not null;index" json:"scheduled_for"`
	Priority     int         `gorm:"default:0;index" json:"priority"`
	Status       QueueStatus `gorm:"not null;size:20;index;default:'PENDING'" json:"status"`
	RetryCount   int         `gorm:"default:0" json:"retry_count"`
	MaxRetries   int         `gorm:"default:3" json:"max_retries"`
	LastError    string      `gorm:"type:text" json:"last_error"`
	ClaimedAt    *time.Time  `json:"claimed_at"`
	CompletedAt  *time.Time  `json:"completed_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Content ContentItem `gorm:"foreignKey:ContentID" json:"content"`
}

// QueueMetricsSnapshot is a periodically materialized roll-up of queue
// state per project, so stats reads never walk full history.
type QueueMetricsSnapshot struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ProjectID       uint      `gorm:"not null;index" json:"project_id"`
	PendingCount    int       `gorm:"default:0" json:"pending_count"`
	ProcessingCount int       `gorm:"default:0" json:"processing_count"`
	CompletedCount  int       `gorm:"default:0" json:"completed_count"`
	FailedCount     int       `gorm:"default:0" json:"failed_count"`
	CancelledCount  int       `gorm:"default:0" json:"cancelled_count"`
	AvgWaitSeconds  float64   `gorm:"default:0" json:"avg_wait_seconds"`
	ThroughputHour  int       `gorm:"default:0" json:"throughput_hour"`
	CapturedAt      time.Time `gorm:"not null;index" json:"captured_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
