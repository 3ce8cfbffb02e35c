package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydist/relay/internal/models"
)

func f64(v float64) *float64 { return &v }
func bptr(v bool) *bool      { return &v }

func TestValidateConditions(t *testing.T) {
	cases := []struct {
		name  string
		preds []Predicate
		ok    bool
	}{
		{"empty set", nil, false},
		{"unknown field", []Predicate{{Kind: PredicateSet, Field: "mood", Values: []string{"x"}}}, false},
		{"kind mismatch", []Predicate{{Kind: PredicateRange, Field: FieldTags, Min: f64(1)}}, false},
		{"range without bounds", []Predicate{{Kind: PredicateRange, Field: FieldSafetyScore}}, false},
		{"range min above max", []Predicate{{Kind: PredicateRange, Field: FieldSafetyScore, Min: f64(0.9), Max: f64(0.1)}}, false},
		{"set without values", []Predicate{{Kind: PredicateSet, Field: FieldTags}}, false},
		{"bool without equals", []Predicate{{Kind: PredicateBool, Field: FieldAIGenerated}}, false},
		{"valid mix", []Predicate{
			{Kind: PredicateRange, Field: FieldSafetyScore, Min: f64(0.8)},
			{Kind: PredicateSet, Field: FieldTags, Values: []string{"tech"}},
			{Kind: PredicateBool, Field: FieldHasImages, Equals: bptr(true)},
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateConditions(tc.preds)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsKind(err, KindValidation), "got %v", err)
			}
		})
	}
}

func TestEvaluateConditions(t *testing.T) {
	content := &models.ContentItem{
		Title:       "Weekly digest",
		ContentType: "article",
		Author:      "mira",
		Tags:        models.StringArray{"tech", "golang"},
		Categories:  models.StringArray{"engineering"},
		Platforms:   models.StringArray{"blog", "newsletter"},
		WordCount:   1200,
		SafetyScore: 0.93,
		AIGenerated: false,
		HasImages:   true,
	}

	t.Run("Range Bounds", func(t *testing.T) {
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateRange, Field: FieldSafetyScore, Min: f64(0.9)},
		}, content))
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateRange, Field: FieldSafetyScore, Min: f64(0.95)},
		}, content))
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateRange, Field: FieldWordCount, Min: f64(1000), Max: f64(2000)},
		}, content))
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateRange, Field: FieldWordCount, Max: f64(1000)},
		}, content))
	})

	t.Run("Set Membership", func(t *testing.T) {
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateSet, Field: FieldContentType, Values: []string{"article", "digest"}},
		}, content))
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateSet, Field: FieldAuthor, Values: []string{"lee"}},
		}, content))
	})

	t.Run("Array Fields Match On Any Overlap", func(t *testing.T) {
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateSet, Field: FieldTags, Values: []string{"golang", "rust"}},
		}, content))
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateSet, Field: FieldTags, Values: []string{"rust"}},
		}, content))
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateSet, Field: FieldPlatforms, Values: []string{"newsletter"}},
		}, content))
	})

	t.Run("Bool Equality", func(t *testing.T) {
		assert.True(t, EvaluateConditions([]Predicate{
			{Kind: PredicateBool, Field: FieldAIGenerated, Equals: bptr(false)},
			{Kind: PredicateBool, Field: FieldHasImages, Equals: bptr(true)},
		}, content))
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateBool, Field: FieldAIGenerated, Equals: bptr(true)},
		}, content))
	})

	t.Run("Conjunction Fails On One Miss", func(t *testing.T) {
		assert.False(t, EvaluateConditions([]Predicate{
			{Kind: PredicateRange, Field: FieldSafetyScore, Min: f64(0.9)},
			{Kind: PredicateSet, Field: FieldTags, Values: []string{"rust"}},
		}, content))
	})
}

func TestParseConditions(t *testing.T) {
	raw := `[{"kind":"range","field":"safety_score","min":0.8},{"kind":"set","field":"tags","values":["tech"]}]`
	preds, err := ParseConditions(raw)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, PredicateRange, preds[0].Kind)
	assert.Equal(t, FieldTags, preds[1].Field)

	_, err = ParseConditions(`{"not":"an array"}`)
	assert.True(t, IsKind(err, KindValidation))

	_, err = ParseConditions(`[{"kind":"range","field":"tags","min":1}]`)
	assert.True(t, IsKind(err, KindValidation))
}
