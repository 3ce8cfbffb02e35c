package models

import (
	"time"

	"gorm.io/gorm"
)

type Project struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"uniqueIndex;not null;size:100" json:"name"`
	OwnerID   string         `gorm:"not null;size:255;index" json:"owner_id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

type ContentItem struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ProjectID   uint           `gorm:"not null;index" json:"project_id"`
	Title       string         `gorm:"not null;size:500" json:"title"`
	Body        string         `gorm:"type:text" json:"body"`
	Summary     string         `gorm:"type:text" json:"summary"`
	Author      string         `gorm:"size:255" json:"author"`
	ContentType string         `gorm:"size:50" json:"content_type"`
	Tags        StringArray    `gorm:"type:text[]" json:"tags"`
	Categories  StringArray    `gorm:"type:text[]" json:"categories"`
	Platforms   StringArray    `gorm:"type:text[]" json:"platforms"`
	WordCount   int            `gorm:"default:0" json:"word_count"`
	SafetyScore float64        `gorm:"default:0" json:"safety_score"`
	AIGenerated bool           `gorm:"default:false" json:"ai_generated"`
	HasImages   bool           `gorm:"default:false" json:"has_images"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Project Project `gorm:"foreignKey:ProjectID" json:"project"`
}

type Platform struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ProjectID   uint           `gorm:"not null;index" json:"project_id"`
	Name        string         `gorm:"uniqueIndex;not null;size:100" json:"name"`
	DisplayName string         `gorm:"not null;size:100" json:"display_name"`
	Type        string         `gorm:"size:50" json:"type"`
	Config      string         `gorm:"type:jsonb" json:"config"`
	Enabled     bool           `gorm:"default:true" json:"enabled"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}
