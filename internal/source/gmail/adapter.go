package gmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/source"
)

// Provider returns the source identifier for Gmail.
func (c *Client) Provider() string {
	return providerName
}

// FetchNew returns inbox messages that arrived after the cursor, in
// arrival order, and the advanced cursor. The cursor is the unix
// second of the newest message seen; the search granularity overlaps
// by up to a second, which the store's dedup check absorbs. An empty
// cursor starts one hour back, matching first-run behavior.
func (c *Client) FetchNew(
	ctx context.Context,
	cursor string,
	max int,
) ([]model.Message, string, error) {
	var after int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, cursor, fmt.Errorf("parsing gmail cursor %q: %w", cursor, err)
		}
		after = parsed
	} else {
		after = time.Now().Add(-time.Hour).Unix()
	}

	msgs, err := c.query(ctx,
		fmt.Sprintf("in:inbox -in:draft after:%d", after), max,
	)
	if err != nil {
		return nil, cursor, err
	}

	next := after
	for _, m := range msgs {
		if ts := m.ReceivedAt.Unix(); ts > next {
			next = ts
		}
	}

	return msgs, strconv.FormatInt(next, 10), nil
}

// FetchInWindow returns inbox messages received within [start, end].
// Gmail's query granularity is one second, so the search over-fetches
// one second past the window and the exact boundary is enforced here:
// a message stamped at the window end is included, one millisecond
// later is not.
func (c *Client) FetchInWindow(
	ctx context.Context,
	start, end time.Time,
	max int,
) ([]model.Message, error) {
	fetched, err := c.query(ctx, fmt.Sprintf(
		"in:inbox after:%d before:%d", start.Unix(), end.Unix()+2,
	), max)
	if err != nil {
		return nil, err
	}

	msgs := make([]model.Message, 0, len(fetched))
	for _, m := range fetched {
		if !source.InWindow(m.ReceivedAt, start, end) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// FetchByLabel returns messages currently carrying one of the agent's
// labels.
func (c *Client) FetchByLabel(
	ctx context.Context,
	label string,
	max int,
) ([]model.Message, error) {
	id, err := c.labelID(ctx, label)
	if err != nil {
		return nil, err
	}
	return c.query(ctx, fmt.Sprintf("label:%s", id), max)
}

// Apply performs the external side effect of a decided action. Label
// and move operations are idempotent by Gmail semantics; trashing an
// already-trashed message is a no-op.
func (c *Client) Apply(ctx context.Context, msg model.Message, action model.Action) error {
	switch action.Kind {
	case model.ActionLabel:
		id, err := c.labelID(ctx, action.Target)
		if err != nil {
			return err
		}
		return c.modify(ctx, msg.ID, []string{id}, []string{"INBOX"})

	case model.ActionMove:
		addID, err := c.labelID(ctx, action.Target)
		if err != nil {
			return err
		}
		removeID, err := c.labelID(ctx, action.ReplacesLabel)
		if err != nil {
			return err
		}
		return c.modify(ctx, msg.ID, []string{addID}, []string{removeID})

	case model.ActionFlagForDeletion:
		_, err := c.srv.Users.Messages.Trash(user, msg.ID).Context(ctx).Do()
		if err != nil {
			return wrapAPIError(fmt.Sprintf("trashing message %s", msg.ID), err)
		}
		return nil

	case model.ActionNotify, model.ActionNoOp:
		// Notifications are the notifier's job; nothing to do here.
		return nil
	}

	return fmt.Errorf("unsupported action kind %q", action.Kind)
}

// Restore undoes a previously applied action.
func (c *Client) Restore(ctx context.Context, messageID string, action model.Action) error {
	switch action.Kind {
	case model.ActionLabel:
		id, err := c.labelID(ctx, action.Target)
		if err != nil {
			return err
		}
		return c.modify(ctx, messageID, []string{"INBOX"}, []string{id})

	case model.ActionMove:
		addID, err := c.labelID(ctx, action.ReplacesLabel)
		if err != nil {
			return err
		}
		removeID, err := c.labelID(ctx, action.Target)
		if err != nil {
			return err
		}
		return c.modify(ctx, messageID, []string{addID}, []string{removeID})

	case model.ActionFlagForDeletion:
		_, err := c.srv.Users.Messages.Untrash(user, messageID).Context(ctx).Do()
		if err != nil {
			return wrapAPIError(fmt.Sprintf("untrashing message %s", messageID), err)
		}
		return c.modify(ctx, messageID, []string{"INBOX"}, nil)

	case model.ActionNotify, model.ActionNoOp:
		return nil
	}

	return fmt.Errorf("unsupported action kind %q", action.Kind)
}
