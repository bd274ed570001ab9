// Package classify assigns a category and confidence to inbound mail.
// Two strategies exist: a model-backed one calling the Claude API and
// a deterministic rule-based one. Strategy selection and fallback are
// explicit control flow in the Classifier.
package classify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/email-agent/internal/model"
)

// Strategy produces a classification for one message. The ModelClient
// implements it; tests substitute fakes.
type Strategy interface {
	Classify(ctx context.Context, msg model.Message) (model.ClassificationResult, error)
}

// Classifier runs the model strategy with a bounded timeout and falls
// back to rules on any failure. Classify never returns an error: the
// rule strategy is total.
type Classifier struct {
	strategy Strategy
	policy   model.PolicyConfig
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a Classifier. A nil strategy disables the model path
// entirely; every call then uses the rule strategy.
func New(
	strategy Strategy,
	policy model.PolicyConfig,
	timeout time.Duration,
	logger *zap.Logger,
) *Classifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		strategy: strategy,
		policy:   policy,
		timeout:  timeout,
		logger:   logger,
	}
}

// Classify returns a classification for msg. Model failures (timeout,
// transport error, malformed reply) are logged and absorbed by the
// rule fallback, which marks the result MethodRuleBased.
func (c *Classifier) Classify(ctx context.Context, msg model.Message) model.ClassificationResult {
	if c.strategy != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		result, err := c.strategy.Classify(callCtx, msg)
		cancel()

		if err == nil {
			return result
		}

		c.logger.Debug("model classification failed, using rule fallback",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	return ClassifyWithRules(msg, c.policy)
}
