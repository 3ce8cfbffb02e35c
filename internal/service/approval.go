package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
)

// ApprovalService is the gate between submitted content and the dispatch
// queue: rule CRUD, first-match auto-approval, manual review actions, and
// the append-only approval history.
type ApprovalService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewApprovalService(db *gorm.DB, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		db:     db,
		logger: logger.Named("approval"),
	}
}

type RuleInput struct {
	Name       string      `json:"name" binding:"required"`
	Conditions []Predicate `json:"conditions" binding:"required"`
	Priority   int         `json:"priority"`
	IsActive   *bool       `json:"is_active"`
}

func (s *ApprovalService) CreateRule(ctx context.Context, projectID uint, in RuleInput) (*models.ApprovalRule, error) {
	if err := ValidateConditions(in.Conditions); err != nil {
		return nil, err
	}

	raw, err := MarshalConditions(in.Conditions)
	if err != nil {
		return nil, err
	}

	rule := &models.ApprovalRule{
		ProjectID:  projectID,
		Name:       in.Name,
		Conditions: raw,
		Priority:   in.Priority,
		IsActive:   true,
	}
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create approval rule: %w", err)
	}

	s.logger.Info("Approval rule created",
		zap.Uint("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.Int("priority", rule.Priority))
	return rule, nil
}

// RulePatch carries a partial rule update. Nil fields stay unchanged.
type RulePatch struct {
	Name       *string     `json:"name"`
	Conditions []Predicate `json:"conditions"`
	Priority   *int        `json:"priority"`
	IsActive   *bool       `json:"is_active"`
}

func (s *ApprovalService) UpdateRule(ctx context.Context, projectID, ruleID uint, patch RulePatch) (*models.ApprovalRule, error) {
	rule, err := s.getRule(ctx, projectID, ruleID)
	if err != nil {
		return nil, err
	}

	if patch.Conditions != nil {
		if err := ValidateConditions(patch.Conditions); err != nil {
			return nil, err
		}
		raw, err := MarshalConditions(patch.Conditions)
		if err != nil {
			return nil, err
		}
		rule.Conditions = raw
	}
	if patch.Name != nil {
		rule.Name = *patch.Name
	}
	if patch.Priority != nil {
		rule.Priority = *patch.Priority
	}
	if patch.IsActive != nil {
		rule.IsActive = *patch.IsActive
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update approval rule: %w", err)
	}
	return rule, nil
}

func (s *ApprovalService) DeleteRule(ctx context.Context, projectID, ruleID uint) error {
	rule, err := s.getRule(ctx, projectID, ruleID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(rule).Error; err != nil {
		return fmt.Errorf("failed to delete approval rule: %w", err)
	}
	return nil
}

// ListRules returns a project's rules in evaluation order.
func (s *ApprovalService) ListRules(ctx context.Context, projectID uint) ([]models.ApprovalRule, error) {
	var rules []models.ApprovalRule
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("priority DESC, created_at ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list approval rules: %w", err)
	}
	return rules, nil
}

func (s *ApprovalService) getRule(ctx context.Context, projectID, ruleID uint) (*models.ApprovalRule, error) {
	var rule models.ApprovalRule
	err := s.db.WithContext(ctx).First(&rule, ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("approval rule %d not found", ruleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval rule: %w", err)
	}
	if rule.ProjectID != projectID {
		return nil, forbiddenErr("approval rule %d belongs to another project", ruleID)
	}
	return &rule, nil
}

// CheckAutoApproval evaluates the project's active rules against the
// content in strict priority order (priority DESC, then creation order)
// and returns the first full match, or nil when no rule matches.
func (s *ApprovalService) CheckAutoApproval(ctx context.Context, content *models.ContentItem) (*models.ApprovalRule, error) {
	var rules []models.ApprovalRule
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND is_active = ?", content.ProjectID, true).
		Order("priority DESC, created_at ASC, id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	for i := range rules {
		preds, err := ParseConditions(rules[i].Conditions)
		if err != nil {
			// A rule with a corrupt condition set must not silently
			// approve; skip it and surface the problem in the log.
			s.logger.Warn("Skipping rule with invalid condition set",
				zap.Uint("rule_id", rules[i].ID),
				zap.Error(err))
			continue
		}
		if EvaluateConditions(preds, content) {
			return &rules[i], nil
		}
	}
	return nil, nil
}

// ApplyAutoApproval fast-forwards an existing PENDING/IN_REVIEW approval
// to APPROVED. It never creates an approval record: content that has not
// entered the pipeline cannot be approved as a side effect.
func (s *ApprovalService) ApplyAutoApproval(ctx context.Context, content *models.ContentItem, rule *models.ApprovalRule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var approval models.ContentApproval
		err := tx.Where("content_id = ?", content.ID).First(&approval).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundErr("no approval record for content %d", content.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to load approval: %w", err)
		}

		if approval.Status != models.ApprovalPending && approval.Status != models.ApprovalInReview {
			return conflictErr("approval for content %d is %s, cannot auto-approve", content.ID, approval.Status)
		}

		fromStatus := approval.Status
		now := time.Now()
		if err := tx.Model(&approval).Updates(map[string]interface{}{
			"status":            models.ApprovalApproved,
			"auto_approved":     true,
			"matched_rule_name": rule.Name,
		}).Error; err != nil {
			return fmt.Errorf("failed to approve content: %w", err)
		}

		event := &models.ApprovalEvent{
			ApprovalID: approval.ID,
			Action:     "auto_approved",
			FromStatus: string(fromStatus),
			ToStatus:   string(models.ApprovalApproved),
			Actor:      "rule:" + rule.Name,
			Detail:     fmt.Sprintf("matched rule %q (priority %d)", rule.Name, rule.Priority),
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to append approval event: %w", err)
		}

		return tx.Model(&models.ApprovalRule{}).Where("id = ?", rule.ID).Updates(map[string]interface{}{
			"application_count": gorm.Expr("application_count + 1"),
			"last_applied_at":   now,
		}).Error
	})
}

// TestRule is a pure dry evaluation for rule previews. No writes.
func (s *ApprovalService) TestRule(preds []Predicate, content *models.ContentItem) (bool, error) {
	if err := ValidateConditions(preds); err != nil {
		return false, err
	}
	return EvaluateConditions(preds, content), nil
}

// SubmitContent admits content into the approval pipeline: creates the
// PENDING approval if absent, then runs the auto-approval pass. Safe to
// call more than once for the same content.
func (s *ApprovalService) SubmitContent(ctx context.Context, content *models.ContentItem, actor string) (*models.ContentApproval, error) {
	var approval models.ContentApproval
	err := s.db.WithContext(ctx).Where("content_id = ?", content.ID).First(&approval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		approval = models.ContentApproval{
			ContentID: content.ID,
			Status:    models.ApprovalPending,
		}
		if err := s.db.WithContext(ctx).Create(&approval).Error; err != nil {
			return nil, fmt.Errorf("failed to create approval: %w", err)
		}
		event := &models.ApprovalEvent{
			ApprovalID: approval.ID,
			Action:     "submitted",
			ToStatus:   string(models.ApprovalPending),
			Actor:      actor,
		}
		if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
			return nil, fmt.Errorf("failed to append approval event: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}

	if approval.Status == models.ApprovalPending || approval.Status == models.ApprovalInReview {
		rule, err := s.CheckAutoApproval(ctx, content)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			if err := s.ApplyAutoApproval(ctx, content, rule); err != nil {
				return nil, err
			}
			s.logger.Info("Content auto-approved",
				zap.Uint("content_id", content.ID),
				zap.String("rule", rule.Name))
		}
	}

	if err := s.db.WithContext(ctx).Where("content_id = ?", content.ID).First(&approval).Error; err != nil {
		return nil, fmt.Errorf("failed to reload approval: %w", err)
	}
	return &approval, nil
}

// Approve records a manual approval by a reviewer.
func (s *ApprovalService) Approve(ctx context.Context, contentID uint, reviewer string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var approval models.ContentApproval
		err := tx.Where("content_id = ?", contentID).First(&approval).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundErr("no approval record for content %d", contentID)
		}
		if err != nil {
			return fmt.Errorf("failed to load approval: %w", err)
		}
		if approval.Status != models.ApprovalPending && approval.Status != models.ApprovalInReview {
			return conflictErr("approval for content %d is %s", contentID, approval.Status)
		}

		fromStatus := approval.Status
		if err := tx.Model(&approval).Updates(map[string]interface{}{
			"status":   models.ApprovalApproved,
			"reviewer": reviewer,
		}).Error; err != nil {
			return fmt.Errorf("failed to approve content: %w", err)
		}

		return tx.Create(&models.ApprovalEvent{
			ApprovalID: approval.ID,
			Action:     "approved",
			FromStatus: string(fromStatus),
			ToStatus:   string(models.ApprovalApproved),
			Actor:      reviewer,
		}).Error
	})
}

// Reject is a terminal rejection that bypasses retry. Pending queue items
// for the content are cancelled so rejected work cannot be claimed.
// Rejecting content that is already REJECTED is a silent no-op.
func (s *ApprovalService) Reject(ctx context.Context, contentID uint, reason, actor string, notify bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var approval models.ContentApproval
		err := tx.Where("content_id = ?", contentID).First(&approval).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFoundErr("no approval record for content %d", contentID)
		}
		if err != nil {
			return fmt.Errorf("failed to load approval: %w", err)
		}

		if approval.Status == models.ApprovalRejected {
			return nil
		}

		fromStatus := approval.Status
		if err := tx.Model(&approval).Updates(map[string]interface{}{
			"status":   models.ApprovalRejected,
			"reviewer": actor,
		}).Error; err != nil {
			return fmt.Errorf("failed to reject content: %w", err)
		}

		if err := tx.Create(&models.ApprovalEvent{
			ApprovalID: approval.ID,
			Action:     "rejected",
			FromStatus: string(fromStatus),
			ToStatus:   string(models.ApprovalRejected),
			Actor:      actor,
			Detail:     reason,
		}).Error; err != nil {
			return fmt.Errorf("failed to append approval event: %w", err)
		}

		// Cancel any work already queued for this content.
		if err := tx.Model(&models.QueueItem{}).
			Where("content_id = ? AND status IN ?", contentID,
				[]models.QueueStatus{models.QueuePending, models.QueueProcessing}).
			Updates(map[string]interface{}{
				"status":     models.QueueCancelled,
				"active_key": nil,
				"last_error": "content rejected: " + reason,
			}).Error; err != nil {
			return fmt.Errorf("failed to cancel queued items: %w", err)
		}

		if notify {
			var content models.ContentItem
			if err := tx.First(&content, contentID).Error; err == nil {
				alert := &models.OperatorAlert{
					Level:     "INFO",
					Source:    "approval",
					ProjectID: &content.ProjectID,
					Title:     fmt.Sprintf("Content %q rejected", content.Title),
					Message:   reason,
				}
				if err := tx.Create(alert).Error; err != nil {
					return fmt.Errorf("failed to create rejection notice: %w", err)
				}
			}
		}
		return nil
	})
}

// History returns an approval's events in insertion order.
func (s *ApprovalService) History(ctx context.Context, contentID uint) ([]models.ApprovalEvent, error) {
	var approval models.ContentApproval
	err := s.db.WithContext(ctx).Where("content_id = ?", contentID).First(&approval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("no approval record for content %d", contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}

	var events []models.ApprovalEvent
	if err := s.db.WithContext(ctx).
		Where("approval_id = ?", approval.ID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load approval history: %w", err)
	}
	return events, nil
}

// ApprovalQueue is the human worklist: pending and in-review approvals
// joined with their content.
func (s *ApprovalService) ApprovalQueue(ctx context.Context, projectID uint) ([]models.ContentApproval, error) {
	var approvals []models.ContentApproval
	if err := s.db.WithContext(ctx).
		Preload("Content").
		Joins("JOIN content_items ON content_items.id = content_approvals.content_id").
		Where("content_items.project_id = ? AND content_approvals.status IN ?", projectID,
			[]models.ApprovalStatus{models.ApprovalPending, models.ApprovalInReview}).
		Order("content_approvals.created_at ASC").
		Find(&approvals).Error; err != nil {
		return nil, fmt.Errorf("failed to load approval queue: %w", err)
	}
	return approvals, nil
}
