package models

import (
	"time"

	"gorm.io/gorm"
)

type PublicationStatus string

const (
	PublicationPending    PublicationStatus = "pending"
	PublicationPublished  PublicationStatus = "published"
	PublicationFailed     PublicationStatus = "failed"
	PublicationDeadLetter PublicationStatus = "dead_letter"
)

// Publication is one content-to-platform publish outcome. QueueItemID
// links back to the dispatching queue item when the publish came through
// the queue; direct publishes leave it nil and fall back to MaxRetries.
type Publication struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	ProjectID      uint              `gorm:"not null;index" json:"project_id"`
	ContentID      uint              `gorm:"not null;index" json:"content_id"`
	PlatformID     uint              `gorm:"not null;index" json:"platform_id"`
	QueueItemID    *uint             `gorm:"index" json:"queue_item_id"`
	Status         PublicationStatus `gorm:"not null;size:20;index;default:'pending'" json:"status"`
	PlatformPostID string            `gorm:"size:255" json:"platform_post_id"`
	PlatformURL    string            `gorm:"size:1000" json:"platform_url"`
	Error          string            `gorm:"type:text" json:"error"`
	RetryCount     int               `gorm:"default:0" json:"retry_count"`
	MaxRetries     int               `gorm:"default:3" json:"max_retries"`
	Metadata       string            `gorm:"type:jsonb" json:"metadata"`
	PublishedAt    *time.Time        `json:"published_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Content  ContentItem `gorm:"foreignKey:ContentID" json:"content"`
	Platform Platform    `gorm:"foreignKey:PlatformID" json:"platform"`
}

// OperatorAlert surfaces conditions that need a human: dead-lettered
// publications, repeated job failures. The dead-letter sweep writes one
// alert per stranded publication instead of dropping it.
type OperatorAlert struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Level         string     `gorm:"size:20;not null;index" json:"level"`
	Source        string     `gorm:"size:100;not null;index" json:"source"`
	ProjectID     *uint      `gorm:"index" json:"project_id"`
	PublicationID *uint      `gorm:"index" json:"publication_id"`
	JobID         *uint      `gorm:"index" json:"job_id"`
	Title         string     `gorm:"size:500;not null" json:"title"`
	Message       string     `gorm:"type:text;not null" json:"message"`
	Context       string     `gorm:"type:jsonb" json:"context"`
	Resolved      bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Publication *Publication `gorm:"foreignKey:PublicationID" json:"publication,omitempty"`
}
