package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaydist/relay/internal/models"
)

// ContentService is thin glue around stored content: creation feeds the
// approval pipeline, everything downstream works off the stored rows.
type ContentService struct {
	db       *gorm.DB
	logger   *zap.Logger
	approval *ApprovalService
}

func NewContentService(db *gorm.DB, logger *zap.Logger, approval *ApprovalService) *ContentService {
	return &ContentService{
		db:       db,
		logger:   logger.Named("content"),
		approval: approval,
	}
}

type ContentInput struct {
	Title       string   `json:"title" binding:"required"`
	Body        string   `json:"body" binding:"required"`
	Summary     string   `json:"summary"`
	Author      string   `json:"author"`
	ContentType string   `json:"content_type"`
	Tags        []string `json:"tags"`
	Categories  []string `json:"categories"`
	Platforms   []string `json:"platforms"`
	SafetyScore float64  `json:"safety_score"`
	AIGenerated bool     `json:"ai_generated"`
	HasImages   bool     `json:"has_images"`
}

// Create stores the content and submits it to the approval gate, which
// may auto-approve it on the spot.
func (s *ContentService) Create(ctx context.Context, projectID uint, actor string, in ContentInput) (*models.ContentItem, *models.ContentApproval, error) {
	item := &models.ContentItem{
		ProjectID:   projectID,
		Title:       in.Title,
		Body:        in.Body,
		Summary:     in.Summary,
		Author:      in.Author,
		ContentType: in.ContentType,
		Tags:        in.Tags,
		Categories:  in.Categories,
		Platforms:   in.Platforms,
		WordCount:   len(strings.Fields(in.Body)),
		SafetyScore: in.SafetyScore,
		AIGenerated: in.AIGenerated,
		HasImages:   in.HasImages,
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create content: %w", err)
	}

	approval, err := s.approval.SubmitContent(ctx, item, actor)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Content created",
		zap.Uint("content_id", item.ID),
		zap.String("title", item.Title),
		zap.String("approval_status", string(approval.Status)))
	return item, approval, nil
}

func (s *ContentService) Get(ctx context.Context, projectID, contentID uint) (*models.ContentItem, error) {
	var item models.ContentItem
	err := s.db.WithContext(ctx).First(&item, contentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFoundErr("content %d not found", contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}
	if item.ProjectID != projectID {
		return nil, forbiddenErr("content %d belongs to another project", contentID)
	}
	return &item, nil
}

func (s *ContentService) List(ctx context.Context, projectID uint, limit int) ([]models.ContentItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var items []models.ContentItem
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	return items, nil
}
