package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/relaydist/relay/internal/service/publisher"
)

// TestType selects which subset of checks a dry run exercises.
type TestType string

const (
	TestDryRun         TestType = "DRY_RUN"
	TestValidationOnly TestType = "VALIDATION_ONLY"
	TestConnectivity   TestType = "CONNECTIVITY"
	TestFullFlow       TestType = "FULL_FLOW"
)

type DryRunInput struct {
	ContentID uint     `json:"content_id" binding:"required"`
	Platforms []string `json:"platforms" binding:"required"`
	TestType  TestType `json:"test_type"`
}

// PlatformCheck is the per-platform result of one dry run. Skipped checks
// stay nil.
type PlatformCheck struct {
	Platform     string `json:"platform"`
	Passed       bool   `json:"passed"`
	Validation   *bool  `json:"validation,omitempty"`
	Connectivity *bool  `json:"connectivity,omitempty"`
	Publish      *bool  `json:"publish,omitempty"`
	Error        string `json:"error,omitempty"`
}

type DryRunSummary struct {
	TestType TestType        `json:"test_type"`
	Total    int             `json:"total"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Results  []PlatformCheck `json:"results"`
}

// ExecuteDryRun exercises validation and connectivity without the real
// side effect. No Publication rows are created in any mode; CONNECTIVITY
// never touches the platform's publish operation at all, and FULL_FLOW
// drives the client's publish path with the dry-run option set.
func (s *ExecutorService) ExecuteDryRun(ctx context.Context, projectID uint, in DryRunInput) (*DryRunSummary, error) {
	if in.TestType == "" {
		in.TestType = TestDryRun
	}
	switch in.TestType {
	case TestDryRun, TestValidationOnly, TestConnectivity, TestFullFlow:
	default:
		return nil, validationErr("unknown test type %q", in.TestType)
	}
	if len(in.Platforms) == 0 {
		return nil, validationErr("platforms must not be empty")
	}

	content, err := s.loadContent(ctx, projectID, in.ContentID)
	if err != nil {
		return nil, err
	}
	payload := publisher.FromContentItem(content)

	summary := &DryRunSummary{TestType: in.TestType, Total: len(in.Platforms)}

	for _, platformName := range in.Platforms {
		check := PlatformCheck{Platform: platformName, Passed: true}

		platform, err := s.loadPlatform(ctx, projectID, platformName)
		if err != nil {
			check.Passed = false
			check.Error = err.Error()
			summary.Results = append(summary.Results, check)
			summary.Failed++
			continue
		}

		pub, cfg, err := s.manager.Get(platform.Name)
		if err != nil {
			check.Passed = false
			check.Error = err.Error()
			summary.Results = append(summary.Results, check)
			summary.Failed++
			continue
		}

		if in.TestType != TestConnectivity {
			ok := true
			if err := pub.ValidateConfig(cfg); err != nil {
				ok = false
				check.Error = err.Error()
			} else if err := validatePayload(payload); err != nil {
				ok = false
				check.Error = err.Error()
			}
			check.Validation = &ok
			if !ok {
				check.Passed = false
			}
		}

		if in.TestType != TestValidationOnly && check.Passed {
			ok := true
			attemptCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
			if err := pub.TestConnection(attemptCtx, cfg); err != nil {
				ok = false
				check.Error = err.Error()
			}
			cancel()
			check.Connectivity = &ok
			if !ok {
				check.Passed = false
			}
		}

		if in.TestType == TestFullFlow && check.Passed {
			ok := true
			attemptCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
			result, err := pub.Publish(attemptCtx, *payload, cfg, publisher.Options{DryRun: true})
			cancel()
			if err != nil || result == nil || !result.Success {
				ok = false
				if err != nil {
					check.Error = err.Error()
				} else {
					check.Error = "platform reported failure"
				}
			}
			check.Publish = &ok
			if !ok {
				check.Passed = false
			}
		}

		if check.Passed {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, check)
	}

	s.logger.Info("Dry run completed",
		zap.String("test_type", string(in.TestType)),
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func validatePayload(c *publisher.Content) error {
	if strings.TrimSpace(c.Title) == "" {
		return validationErr("content has no title")
	}
	if strings.TrimSpace(c.Body) == "" {
		return validationErr("content has no body")
	}
	return nil
}
