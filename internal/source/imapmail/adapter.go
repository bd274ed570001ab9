package imapmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/source"
)

// Source adapts Client to the pipeline's mail source and action
// dispatcher contracts. The cursor is the highest INBOX UID seen so
// far, encoded as a decimal string.
type Source struct {
	client *Client
}

// NewSource wraps an IMAP client for the pipeline.
func NewSource(client *Client) *Source {
	return &Source{client: client}
}

func (s *Source) Provider() string { return providerName }

// FetchNew returns INBOX messages with UIDs above the cursor, oldest
// first, along with the advanced cursor.
func (s *Source) FetchNew(
	ctx context.Context, cursor string, max int,
) ([]model.Message, string, error) {
	client, err := s.client.connect(ctx)
	if err != nil {
		return nil, cursor, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, cursor, fmt.Errorf("selecting INBOX: %w", err)
	}

	var lastUID uint32
	if cursor != "" {
		parsed, parseErr := strconv.ParseUint(cursor, 10, 32)
		if parseErr != nil {
			return nil, cursor, fmt.Errorf("invalid cursor %q: %w", cursor, parseErr)
		}
		lastUID = uint32(parsed)
	}

	var uidSet imap.UIDSet
	uidSet.AddRange(imap.UID(lastUID+1), 0)
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}

	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, cursor, fmt.Errorf("searching for new messages: %w", err)
	}

	uids := data.AllUIDs()
	if len(uids) > max && max > 0 {
		uids = uids[:max]
	}

	msgs, err := fetchUIDs(client, uids, "")
	if err != nil {
		return nil, cursor, err
	}

	next := cursor
	for _, uid := range uids {
		if uint32(uid) > lastUID {
			lastUID = uint32(uid)
		}
	}
	if len(uids) > 0 {
		next = strconv.FormatUint(uint64(lastUID), 10)
	}

	return msgs, next, nil
}

// FetchInWindow returns INBOX messages received within [start, end].
// IMAP SEARCH has day granularity, so the search over-fetches by date
// and the envelope timestamps are filtered precisely here.
func (s *Source) FetchInWindow(
	ctx context.Context, start, end time.Time, max int,
) ([]model.Message, error) {
	client, err := s.client.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{
		Since:  sinceWithSlack(start),
		Before: sinceWithSlack(end).AddDate(0, 0, 2),
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching window: %w", err)
	}

	msgs, err := fetchUIDs(client, data.AllUIDs(), "")
	if err != nil {
		return nil, err
	}

	filtered := msgs[:0]
	for _, msg := range msgs {
		if !source.InWindow(msg.ReceivedAt, start, end) {
			continue
		}
		filtered = append(filtered, msg)
		if max > 0 && len(filtered) >= max {
			break
		}
	}

	return filtered, nil
}

// FetchByLabel returns the contents of the mailbox folder mapped to
// the label.
func (s *Source) FetchByLabel(
	ctx context.Context, label string, max int,
) ([]model.Message, error) {
	folder, ok := labelFolders[label]
	if !ok {
		return nil, fmt.Errorf("no mailbox folder for label %q", label)
	}

	client, err := s.client.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	selected, err := client.Select(folder, nil).Wait()
	if err != nil {
		// Folder not created yet means nothing has been filed there.
		return nil, nil
	}
	if selected.NumMessages == 0 {
		return nil, nil
	}

	data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folder, err)
	}

	uids := data.AllUIDs()
	if max > 0 && len(uids) > max {
		uids = uids[len(uids)-max:]
	}

	return fetchUIDs(client, uids, label)
}

// Apply executes a decided action by moving the message between
// mailbox folders.
func (s *Source) Apply(
	ctx context.Context, msg model.Message, action model.Action,
) error {
	switch action.Kind {
	case model.ActionNotify, model.ActionNoOp:
		return nil
	}

	client, err := s.client.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	switch action.Kind {
	case model.ActionLabel:
		return s.moveMessage(client, msg.ID, []string{"INBOX"}, folderFor(action.Target))

	case model.ActionMove:
		origins := []string{"INBOX"}
		if action.ReplacesLabel != "" {
			origins = []string{folderFor(action.ReplacesLabel), "INBOX"}
		}
		return s.moveMessage(client, msg.ID, origins, folderFor(action.Target))

	case model.ActionFlagForDeletion:
		return s.moveMessage(client, msg.ID, allManagedMailboxes(), trashFolder)

	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// Restore reverses a previously applied action, returning the message
// to INBOX.
func (s *Source) Restore(
	ctx context.Context, messageID string, action model.Action,
) error {
	switch action.Kind {
	case model.ActionNotify, model.ActionNoOp:
		return nil
	}

	client, err := s.client.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	switch action.Kind {
	case model.ActionLabel, model.ActionMove:
		return s.moveMessage(client, messageID, []string{folderFor(action.Target)}, "INBOX")

	case model.ActionFlagForDeletion:
		return s.moveMessage(client, messageID, []string{trashFolder}, "INBOX")

	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

// moveMessage locates the message in one of the origin mailboxes and
// moves it to the destination, creating the destination if needed.
func (s *Source) moveMessage(
	client *imapclient.Client,
	messageID string,
	origins []string,
	dest string,
) error {
	mbox, uid, err := s.client.findByMessageID(client, messageID, origins)
	if err != nil {
		return err
	}
	if mbox == dest {
		return nil
	}

	ensureFolder(client, dest)

	if _, err := client.Select(mbox, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", mbox, err)
	}
	if _, err := client.Move(imap.UIDSetNum(uid), dest).Wait(); err != nil {
		return fmt.Errorf("moving message to %s: %w", dest, err)
	}
	return nil
}

// folderFor resolves a pipeline label to its mailbox folder, falling
// back to INBOX for the empty label.
func folderFor(label string) string {
	if label == "" {
		return "INBOX"
	}
	if folder, ok := labelFolders[label]; ok {
		return folder
	}
	return label
}

var (
	_ source.MailSource       = (*Source)(nil)
	_ source.ActionDispatcher = (*Source)(nil)
)
