// Package webhook implements a generic JSON-over-HTTP publishing target.
// Any endpoint that accepts a POSTed document and answers with an id and
// a URL can be driven by it, which keeps network-specific wire formats
// out of the core.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/service/publisher"
)

type Publisher struct {
	name   string
	logger *zap.Logger
	client *http.Client
}

func New(name string, logger *zap.Logger) *Publisher {
	return &Publisher{
		name:   name,
		logger: logger.Named("webhook"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Publisher) Name() string { return p.name }

func (p *Publisher) ValidateConfig(cfg publisher.Config) error {
	if cfg.Settings["endpoint"] == "" {
		return fmt.Errorf("webhook platform %s: endpoint is required", p.name)
	}
	return nil
}

// TestConnection probes the endpoint without publishing anything.
func (p *Publisher) TestConnection(ctx context.Context, cfg publisher.Config) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.Settings["endpoint"], nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if token := cfg.Settings["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type publishRequest struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Summary  string            `json:"summary,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Author   string            `json:"author,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	DryRun   bool              `json:"dry_run,omitempty"`
}

type publishResponse struct {
	PostID string `json:"post_id"`
	URL    string `json:"url"`
}

func (p *Publisher) Publish(ctx context.Context, content publisher.Content, cfg publisher.Config, opts publisher.Options) (*publisher.Result, error) {
	payload := publishRequest{
		ID:       content.ID,
		Title:    content.Title,
		Body:     content.Body,
		Summary:  content.Summary,
		Tags:     content.Tags,
		Author:   content.Author,
		Metadata: content.Metadata,
		DryRun:   opts.DryRun,
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Settings["endpoint"], bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := cfg.Settings["token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var pr publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		// Accept endpoints that answer with an empty body.
		pr = publishResponse{}
	}

	p.logger.Info("Published to webhook target",
		zap.String("platform", p.name),
		zap.String("post_id", pr.PostID),
		zap.Bool("dry_run", opts.DryRun))

	return &publisher.Result{
		Success:        true,
		PlatformPostID: pr.PostID,
		PlatformURL:    pr.URL,
		PublishedAt:    time.Now(),
	}, nil
}
