package classify

import (
	"fmt"
	"strings"

	"github.com/nhle/email-agent/internal/model"
)

// Keyword hit weights. Subject hits outweigh body hits.
const (
	subjectWeight = 2
	bodyWeight    = 1
)

// ClassifyWithRules runs the deterministic rule strategy. It is total:
// any message yields a valid result, with an unmatched message falling
// through to Important at zero confidence so nothing is silently
// discarded into Junk.
func ClassifyWithRules(msg model.Message, policy model.PolicyConfig) model.ClassificationResult {
	sender := strings.ToLower(msg.Sender)
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.BodySummary)

	saturation := policy.Saturation
	if saturation <= 0 {
		saturation = 3
	}
	senderBonus := policy.SenderBonus
	if senderBonus <= 0 {
		senderBonus = 2
	}

	best := model.CategoryImportant
	bestScore := 0
	bestMatches := 0
	var bestSignals []string

	// Priority order breaks ties: the first category to reach the top
	// score keeps it.
	for _, cat := range model.Categories {
		cp := policy.ForCategory(cat)

		score := 0
		matches := 0
		var signals []string

		for _, kw := range cp.Keywords {
			k := strings.ToLower(kw)
			switch {
			case strings.Contains(subject, k):
				score += subjectWeight
				matches++
				signals = append(signals, fmt.Sprintf("keyword %q in subject", kw))
			case strings.Contains(body, k):
				score += bodyWeight
				matches++
				signals = append(signals, fmt.Sprintf("keyword %q in body", kw))
			}
		}

		for _, s := range cp.Senders {
			if s != "" && strings.Contains(sender, strings.ToLower(s)) {
				score += senderBonus
				matches++
				signals = append(signals, fmt.Sprintf("sender matches %q", s))
				break
			}
		}

		if score > bestScore {
			best = cat
			bestScore = score
			bestMatches = matches
			bestSignals = signals
		}
	}

	if bestScore == 0 {
		return model.ClassificationResult{
			Category:   model.CategoryImportant,
			Confidence: 0.0,
			Method:     model.MethodRuleBased,
		}
	}

	scale := float64(bestMatches) / float64(saturation)
	if scale > 1 {
		scale = 1
	}

	return model.ClassificationResult{
		Category:       best,
		Confidence:     policy.ForCategory(best).BaseConfidence * scale,
		Method:         model.MethodRuleBased,
		MatchedSignals: bestSignals,
	}
}
