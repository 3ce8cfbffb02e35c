package service

import (
	"encoding/json"
	"fmt"

	"github.com/relaydist/relay/internal/models"
)

// PredicateKind selects the evaluator for one condition. New kinds are
// additive: add a constant, an entry in fieldKinds, and an evaluator.
type PredicateKind string

const (
	PredicateRange PredicateKind = "range"
	PredicateSet   PredicateKind = "set"
	PredicateBool  PredicateKind = "bool"
)

type PredicateField string

const (
	FieldSafetyScore PredicateField = "safety_score"
	FieldWordCount   PredicateField = "word_count"
	FieldContentType PredicateField = "content_type"
	FieldTags        PredicateField = "tags"
	FieldCategories  PredicateField = "categories"
	FieldPlatforms   PredicateField = "platforms"
	FieldAuthor      PredicateField = "author"
	FieldAIGenerated PredicateField = "ai_generated"
	FieldHasImages   PredicateField = "has_images"
)

// Predicate is one tagged condition inside a rule's condition set. A rule
// matches when every predicate matches; fields without a predicate are
// wildcards.
type Predicate struct {
	Kind   PredicateKind  `json:"kind"`
	Field  PredicateField `json:"field"`
	Min    *float64       `json:"min,omitempty"`
	Max    *float64       `json:"max,omitempty"`
	Values []string       `json:"values,omitempty"`
	Equals *bool          `json:"equals,omitempty"`
}

// fieldKinds is the compatibility table: which evaluator each field takes.
var fieldKinds = map[PredicateField]PredicateKind{
	FieldSafetyScore: PredicateRange,
	FieldWordCount:   PredicateRange,
	FieldContentType: PredicateSet,
	FieldTags:        PredicateSet,
	FieldCategories:  PredicateSet,
	FieldPlatforms:   PredicateSet,
	FieldAuthor:      PredicateSet,
	FieldAIGenerated: PredicateBool,
	FieldHasImages:   PredicateBool,
}

var predicateEvaluators = map[PredicateKind]func(Predicate, *models.ContentItem) bool{
	PredicateRange: evalRange,
	PredicateSet:   evalSet,
	PredicateBool:  evalBool,
}

// ParseConditions decodes and validates a stored condition set.
func ParseConditions(raw string) ([]Predicate, error) {
	var preds []Predicate
	if err := json.Unmarshal([]byte(raw), &preds); err != nil {
		return nil, validationErr("malformed condition set: %v", err)
	}
	if err := ValidateConditions(preds); err != nil {
		return nil, err
	}
	return preds, nil
}

// ValidateConditions rejects predicates whose kind does not fit the field
// or whose payload is empty for the kind.
func ValidateConditions(preds []Predicate) error {
	if len(preds) == 0 {
		return validationErr("condition set must contain at least one predicate")
	}
	for i, p := range preds {
		want, ok := fieldKinds[p.Field]
		if !ok {
			return validationErr("predicate %d: unknown field %q", i, p.Field)
		}
		if p.Kind != want {
			return validationErr("predicate %d: field %q takes kind %q, got %q", i, p.Field, want, p.Kind)
		}
		switch p.Kind {
		case PredicateRange:
			if p.Min == nil && p.Max == nil {
				return validationErr("predicate %d: range needs min or max", i)
			}
			if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
				return validationErr("predicate %d: min %v exceeds max %v", i, *p.Min, *p.Max)
			}
		case PredicateSet:
			if len(p.Values) == 0 {
				return validationErr("predicate %d: set needs at least one value", i)
			}
		case PredicateBool:
			if p.Equals == nil {
				return validationErr("predicate %d: bool needs equals", i)
			}
		}
	}
	return nil
}

// EvaluateConditions is a pure conjunction over the predicate set.
func EvaluateConditions(preds []Predicate, content *models.ContentItem) bool {
	for _, p := range preds {
		eval, ok := predicateEvaluators[p.Kind]
		if !ok || !eval(p, content) {
			return false
		}
	}
	return true
}

func evalRange(p Predicate, content *models.ContentItem) bool {
	var v float64
	switch p.Field {
	case FieldSafetyScore:
		v = content.SafetyScore
	case FieldWordCount:
		v = float64(content.WordCount)
	default:
		return false
	}
	if p.Min != nil && v < *p.Min {
		return false
	}
	if p.Max != nil && v > *p.Max {
		return false
	}
	return true
}

func evalSet(p Predicate, content *models.ContentItem) bool {
	switch p.Field {
	case FieldContentType:
		return containsString(p.Values, content.ContentType)
	case FieldAuthor:
		return containsString(p.Values, content.Author)
	case FieldTags:
		return intersects(p.Values, content.Tags)
	case FieldCategories:
		return intersects(p.Values, content.Categories)
	case FieldPlatforms:
		return intersects(p.Values, content.Platforms)
	}
	return false
}

func evalBool(p Predicate, content *models.ContentItem) bool {
	switch p.Field {
	case FieldAIGenerated:
		return content.AIGenerated == *p.Equals
	case FieldHasImages:
		return content.HasImages == *p.Equals
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// intersects reports whether any of the content's values appears in the
// rule's value set.
func intersects(values []string, contentValues models.StringArray) bool {
	for _, cv := range contentValues {
		if containsString(values, cv) {
			return true
		}
	}
	return false
}

// MarshalConditions encodes predicates for the JSONB column.
func MarshalConditions(preds []Predicate) (string, error) {
	data, err := json.Marshal(preds)
	if err != nil {
		return "", fmt.Errorf("failed to marshal conditions: %w", err)
	}
	return string(data), nil
}
