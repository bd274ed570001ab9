// Package notify delivers desktop notifications for important
// messages and junk review prompts.
package notify

import (
	"context"
	"fmt"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/nhle/email-agent/internal/model"
)

// Notifier surfaces events to the user.
type Notifier interface {
	// NotifyImportant announces an important message. The hint controls
	// persistence and sound.
	NotifyImportant(ctx context.Context, msg model.Message, hint model.NotificationHint) error

	// NotifyJunkFound announces that messages are awaiting deletion
	// confirmation.
	NotifyJunkFound(ctx context.Context, count int) error
}

// Desktop sends notifications through the platform notifier via beeep.
type Desktop struct {
	logger *zap.Logger
	sound  bool
}

// NewDesktop creates a desktop notifier.
func NewDesktop(logger *zap.Logger, sound bool) *Desktop {
	return &Desktop{logger: logger, sound: sound}
}

func (d *Desktop) NotifyImportant(
	ctx context.Context, msg model.Message, hint model.NotificationHint,
) error {
	title := fmt.Sprintf("Important Email from %s", msg.Sender)
	body := fmt.Sprintf("Subject: %s", msg.Subject)

	if err := d.send(title, body, hint.Persist); err != nil {
		return err
	}
	if d.sound && hint.Sound {
		if err := beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			d.logger.Debug("could not play notification sound", zap.Error(err))
		}
	}

	d.logger.Info("sent important email notification",
		zap.String("messageId", msg.ID),
		zap.String("sender", msg.Sender))
	return nil
}

func (d *Desktop) NotifyJunkFound(ctx context.Context, count int) error {
	if count == 0 {
		return nil
	}
	title := fmt.Sprintf("Found %d Potential Junk Emails", count)
	body := "Run 'emailagent pending' to review and confirm deletion"
	return d.send(title, body, false)
}

// send dispatches one notification. Persistent notifications use the
// alert path, which carries critical urgency and a sound on platforms
// that support it.
func (d *Desktop) send(title, body string, persist bool) error {
	var err error
	if persist {
		err = beeep.Alert(title, body, "")
	} else {
		err = beeep.Notify(title, body, "")
	}
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	return nil
}

// Nop discards all notifications. Used when notifications are disabled
// or in tests.
type Nop struct{}

func (Nop) NotifyImportant(context.Context, model.Message, model.NotificationHint) error {
	return nil
}

func (Nop) NotifyJunkFound(context.Context, int) error { return nil }

var (
	_ Notifier = (*Desktop)(nil)
	_ Notifier = Nop{}
)
