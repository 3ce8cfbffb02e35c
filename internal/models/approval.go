package models

import (
	"time"

	"gorm.io/gorm"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalInReview ApprovalStatus = "IN_REVIEW"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalRule is one auto-approval policy. Conditions holds a JSON array
// of predicates (see service.Predicate); Priority is caller-assigned and
// never rebalanced.
type ApprovalRule struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	ProjectID        uint       `gorm:"not null;index" json:"project_id"`
	Name             string     `gorm:"not null;size:255" json:"name"`
	Conditions       string     `gorm:"type:jsonb;not null" json:"conditions"`
	Priority         int        `gorm:"default:0;index" json:"priority"`
	IsActive         bool       `gorm:"default:true;index" json:"is_active"`
	ApplicationCount int        `gorm:"default:0" json:"application_count"`
	LastAppliedAt    *time.Time `json:"last_applied_at"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

type ContentApproval struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	ContentID       uint           `gorm:"uniqueIndex;not null" json:"content_id"`
	Status          ApprovalStatus `gorm:"not null;size:20;index;default:'PENDING'" json:"status"`
	AutoApproved    bool           `gorm:"default:false" json:"auto_approved"`
	MatchedRuleName string         `gorm:"size:255" json:"matched_rule_name"`
	Reviewer        string         `gorm:"size:255" json:"reviewer"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Content ContentItem `gorm:"foreignKey:ContentID" json:"content"`
}

// ApprovalEvent rows are append-only. Nothing updates or deletes them;
// reading in insertion order reconstructs the approval's history.
type ApprovalEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ApprovalID uint      `gorm:"not null;index" json:"approval_id"`
	Action     string    `gorm:"not null;size:50" json:"action"`
	FromStatus string    `gorm:"size:20" json:"from_status"`
	ToStatus   string    `gorm:"size:20" json:"to_status"`
	Actor      string    `gorm:"size:255" json:"actor"`
	Detail     string    `gorm:"type:text" json:"detail"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
