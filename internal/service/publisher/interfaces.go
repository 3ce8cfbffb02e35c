package publisher

import (
	"context"
	"strconv"
	"time"

	"github.com/relaydist/relay/internal/models"
)

// Content is the platform-independent payload handed to a platform client.
type Content struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Summary     string            `json:"summary"`
	Tags        []string          `json:"tags"`
	Author      string            `json:"author"`
	PublishDate *time.Time        `json:"publish_date"`
	Metadata    map[string]string `json:"metadata"`
}

// Options modify one publish attempt.
type Options struct {
	DryRun   bool              `json:"dry_run"`
	Metadata map[string]string `json:"metadata"`
}

// Result is the outcome of one publish attempt.
type Result struct {
	Success        bool      `json:"success"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	Error          error     `json:"error,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// Config is per-platform configuration kept by the manager.
type Config struct {
	PlatformName string            `json:"platform_name"`
	Enabled      bool              `json:"enabled"`
	Settings     map[string]string `json:"settings"`
}

// Publisher is the platform client capability the executor depends on:
// an opaque, possibly-slow, possibly-failing black box per target
// network. One implementation per platform type.
type Publisher interface {
	Name() string
	ValidateConfig(config Config) error
	TestConnection(ctx context.Context, config Config) error
	Publish(ctx context.Context, content Content, config Config, opts Options) (*Result, error)
}

// FromContentItem converts a stored content row into the wire payload.
func FromContentItem(item *models.ContentItem) *Content {
	metadata := map[string]string{
		"content_type": item.ContentType,
	}
	if item.AIGenerated {
		metadata["ai_generated"] = "true"
	}

	return &Content{
		ID:       strconv.FormatUint(uint64(item.ID), 10),
		Title:    item.Title,
		Body:     item.Body,
		Summary:  item.Summary,
		Tags:     []string(item.Tags),
		Author:   item.Author,
		Metadata: metadata,
	}
}
