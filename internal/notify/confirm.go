package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/email-agent/internal/source"
)

// ConfirmationPrompt requests deletion confirmations by desktop
// notification. The user answers with the confirm command; the record
// stays pending until then.
type ConfirmationPrompt struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewConfirmationPrompt creates a confirmation channel backed by the
// given notifier.
func NewConfirmationPrompt(notifier Notifier, logger *zap.Logger) *ConfirmationPrompt {
	return &ConfirmationPrompt{notifier: notifier, logger: logger}
}

func (p *ConfirmationPrompt) RequestConfirmation(
	ctx context.Context, recordID, summary string,
) error {
	p.logger.Info("deletion confirmation requested",
		zap.String("recordId", recordID),
		zap.String("summary", summary))

	if err := p.notifier.NotifyJunkFound(ctx, 1); err != nil {
		return fmt.Errorf("requesting confirmation for %s: %w", recordID, err)
	}
	return nil
}

var _ source.ConfirmationChannel = (*ConfirmationPrompt)(nil)
