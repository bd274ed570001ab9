package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/email-agent/internal/model"
)

func TestClassifyWithRulesJunkKeywords(t *testing.T) {
	policy := model.DefaultPolicy()

	msg := model.Message{
		ID:          "m1",
		Sender:      "someone@example.com",
		Subject:     "You are a lottery winner",
		BodySummary: "Claim your prize now",
	}

	result := ClassifyWithRules(msg, policy)

	assert.Equal(t, model.CategoryJunk, result.Category)
	assert.Equal(t, model.MethodRuleBased, result.Method)
	assert.NotEmpty(t, result.MatchedSignals)
	// Two subject hits plus two body hits saturate the confidence scale.
	assert.InDelta(t, policy.ForCategory(model.CategoryJunk).BaseConfidence,
		result.Confidence, 1e-9)
}

func TestClassifyWithRulesTieBreakPrefersJunk(t *testing.T) {
	// One subject keyword from each category scores identically; the
	// priority order must resolve the tie toward Junk.
	policy := model.PolicyConfig{
		Saturation:  3,
		SenderBonus: 2,
		Categories: map[model.Category]model.CategoryPolicy{
			model.CategoryImportant: {
				Keywords: []string{"urgent"}, BaseConfidence: 0.6,
			},
			model.CategoryJunk: {
				Keywords: []string{"lottery"}, BaseConfidence: 0.8,
			},
		},
	}

	msg := model.Message{Subject: "URGENT lottery results"}
	result := ClassifyWithRules(msg, policy)

	assert.Equal(t, model.CategoryJunk, result.Category)
}

func TestClassifyWithRulesSubjectOutweighsBody(t *testing.T) {
	policy := model.PolicyConfig{
		Saturation:  3,
		SenderBonus: 2,
		Categories: map[model.Category]model.CategoryPolicy{
			model.CategoryPromotional: {
				Keywords: []string{"sale"}, BaseConfidence: 0.7,
			},
			model.CategorySocial: {
				Keywords: []string{"friend request"}, BaseConfidence: 0.7,
			},
		},
	}

	// Promotional matches in the subject, social only in the body, so
	// the subject weight must decide it.
	msg := model.Message{
		Subject:     "Big sale this weekend",
		BodySummary: "also you have a friend request pending",
	}
	result := ClassifyWithRules(msg, policy)

	assert.Equal(t, model.CategoryPromotional, result.Category)
}

func TestClassifyWithRulesSenderBonus(t *testing.T) {
	policy := model.DefaultPolicy()

	msg := model.Message{
		Sender:  "LinkedIn <notifications@linkedin.com>",
		Subject: "Weekly digest",
	}
	result := ClassifyWithRules(msg, policy)

	assert.Equal(t, model.CategorySocial, result.Category)
	require.Len(t, result.MatchedSignals, 1)
	assert.Contains(t, result.MatchedSignals[0], "sender matches")
}

func TestClassifyWithRulesNoMatchFallsToImportantZero(t *testing.T) {
	msg := model.Message{
		Sender:      "colleague@example.com",
		Subject:     "lunch tomorrow?",
		BodySummary: "see you at noon",
	}
	result := ClassifyWithRules(msg, model.DefaultPolicy())

	assert.Equal(t, model.CategoryImportant, result.Category)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, model.MethodRuleBased, result.Method)
	assert.Empty(t, result.MatchedSignals)
}

func TestClassifyWithRulesSaturationScalesConfidence(t *testing.T) {
	policy := model.PolicyConfig{
		Saturation: 4,
		Categories: map[model.Category]model.CategoryPolicy{
			model.CategoryPromotional: {
				Keywords:       []string{"sale", "discount", "coupon", "deal"},
				BaseConfidence: 0.8,
			},
		},
	}

	// One match out of a saturation of four yields a quarter of base.
	one := ClassifyWithRules(model.Message{Subject: "sale"}, policy)
	assert.InDelta(t, 0.2, one.Confidence, 1e-9)

	// All four matches reach base confidence exactly.
	all := ClassifyWithRules(
		model.Message{Subject: "sale discount coupon deal"}, policy,
	)
	assert.InDelta(t, 0.8, all.Confidence, 1e-9)
}
