// Package imapmail implements the mail source and action dispatcher
// contracts over IMAP, for mailboxes without a Gmail-style label API.
// Category labels map to mailbox folders; a decided label or move
// becomes an IMAP MOVE.
package imapmail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/source"
)

const providerName = "imap"

// Mailbox folders the agent manages, keyed by label name.
var labelFolders = map[string]string{
	model.LabelPromotions: "Promotions",
	model.LabelSocial:     "Social",
	model.LabelJunkReview: "Junk-Review",
}

const trashFolder = "Trash"

// Client wraps go-imap v2 for connecting to and querying IMAP servers.
// Each operation opens its own connection, so the client is safe for
// concurrent use.
type Client struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewClient creates an IMAP client configuration.
func NewClient(host, port, username, password string, tls bool) *Client {
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
	}
}

// connect establishes a connection, authenticates, and returns the
// client. The caller must Logout.
func (c *Client) connect(_ context.Context) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &source.AuthError{
			Provider: providerName,
			Message: fmt.Sprintf(
				"authentication failed for %s: %v", c.username, err,
			),
		}
	}

	return client, nil
}

// fetchUIDs fetches envelope, flags, and body text for a UID set in
// the selected mailbox and maps them to pipeline messages.
func fetchUIDs(
	client *imapclient.Client,
	uids []imap.UID,
	label string,
) ([]model.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var msgs []model.Message
	for {
		raw := fetchCmd.Next()
		if raw == nil {
			break
		}

		buf, err := raw.Collect()
		if err != nil {
			continue
		}

		msg := messageFromBuffer(buf, bodySection)
		if label != "" {
			msg.ExistingLabels = append(msg.ExistingLabels, label)
		}
		msgs = append(msgs, msg)
	}

	if err := fetchCmd.Close(); err != nil {
		return msgs, fmt.Errorf("fetching messages: %w", err)
	}
	return msgs, nil
}

// messageFromBuffer maps one fetched IMAP message into the pipeline's
// Message view. The Message-ID header is the stable identifier; UIDs
// change when a message moves between mailboxes.
func messageFromBuffer(
	buf *imapclient.FetchMessageBuffer,
	bodySection *imap.FetchItemBodySection,
) model.Message {
	msg := model.Message{
		ID: fmt.Sprintf("imap-uid-%d", buf.UID),
	}

	if buf.Envelope != nil {
		if buf.Envelope.MessageID != "" {
			msg.ID = buf.Envelope.MessageID
		}
		msg.Subject = buf.Envelope.Subject
		msg.ReceivedAt = buf.Envelope.Date.UTC()

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				msg.Sender = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				msg.Sender = from.Addr()
			}
		}
	}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		msg.BodySummary = model.TruncateBody(textBody(raw))
	}

	return msg
}

// textBody parses a raw RFC 2822 message with go-message and returns
// the first text/plain part, or the raw bytes if parsing fails.
func textBody(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := h.ContentType()
		if !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		return string(body)
	}

	return ""
}

// findByMessageID searches mailboxes for a message by its Message-ID
// header and returns the mailbox and UID holding it.
func (c *Client) findByMessageID(
	client *imapclient.Client,
	messageID string,
	mailboxes []string,
) (string, imap.UID, error) {
	for _, mbox := range mailboxes {
		if _, err := client.Select(mbox, nil).Wait(); err != nil {
			continue
		}

		criteria := &imap.SearchCriteria{
			Header: []imap.SearchCriteriaHeaderField{
				{Key: "Message-Id", Value: messageID},
			},
		}
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			continue
		}

		uids := data.AllUIDs()
		if len(uids) > 0 {
			return mbox, uids[0], nil
		}
	}

	return "", 0, fmt.Errorf("message %s not found in any mailbox", messageID)
}

// ensureFolder creates the mailbox if it does not exist yet.
func ensureFolder(client *imapclient.Client, mbox string) {
	// Create fails when the mailbox exists; that is fine.
	_ = client.Create(mbox, nil).Wait()
}

// allManagedMailboxes lists every mailbox the agent may have moved a
// message into, INBOX first.
func allManagedMailboxes() []string {
	mailboxes := []string{"INBOX"}
	for _, folder := range labelFolders {
		mailboxes = append(mailboxes, folder)
	}
	return append(mailboxes, trashFolder)
}

// sinceWithSlack widens an IMAP SINCE criterion to the start of day;
// SEARCH date granularity is one day, so callers filter precisely on
// the envelope date afterwards.
func sinceWithSlack(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
