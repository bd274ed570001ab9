// Package gmail implements the mail source and action dispatcher
// contracts on top of the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/source"
)

const (
	user         = "me"
	providerName = "gmail"
)

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
}

// Client wraps the Gmail API service.
type Client struct {
	srv *gmailapi.Service

	// junkLabelID caches the id of the agent's custom junk label.
	junkLabelID string
}

// NewClient builds a Gmail API client from the OAuth client secret
// file and a stored token. A missing or invalid token is an AuthError;
// obtaining the initial token is the setup command's job.
func NewClient(ctx context.Context, credentialsFile string, tokens TokenStore) (*Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(b, gmailapi.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret file: %w", err)
	}

	tokenJSON, err := tokens.Load()
	if err != nil || tokenJSON == "" {
		return nil, &source.AuthError{
			Provider: providerName,
			Message:  "no stored OAuth token; run setup first",
		}
	}

	tok := &oauth2.Token{}
	if err := json.Unmarshal([]byte(tokenJSON), tok); err != nil {
		return nil, &source.AuthError{
			Provider: providerName,
			Message:  fmt.Sprintf("stored token is invalid: %v", err),
		}
	}

	srv, err := gmailapi.NewService(ctx,
		option.WithHTTPClient(oauthConfig.Client(ctx, tok)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Gmail service: %w", err)
	}

	return &Client{srv: srv}, nil
}

// Authorize runs the out-of-band OAuth flow: it prints the consent URL
// through promptURL, exchanges the code read by readCode, and persists
// the token.
func Authorize(
	ctx context.Context,
	credentialsFile string,
	tokens TokenStore,
	promptURL func(url string),
	readCode func() (string, error),
) error {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("reading client secret file: %w", err)
	}

	oauthConfig, err := google.ConfigFromJSON(b, gmailapi.GmailModifyScope)
	if err != nil {
		return fmt.Errorf("parsing client secret file: %w", err)
	}

	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	promptURL(authURL)

	code, err := readCode()
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}

	tok, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	tokenJSON, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	if err := tokens.Save(string(tokenJSON)); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// query fetches full messages matching a Gmail search query.
func (c *Client) query(ctx context.Context, q string, max int) ([]model.Message, error) {
	if max <= 0 {
		max = 100
	}

	list, err := c.srv.Users.Messages.List(user).
		Q(q).
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapAPIError("listing messages", err)
	}

	msgs := make([]model.Message, 0, len(list.Messages))
	// The list comes newest first; walk backwards for arrival order.
	for i := len(list.Messages) - 1; i >= 0; i-- {
		full, err := c.srv.Users.Messages.Get(user, list.Messages[i].Id).
			Format("full").
			Context(ctx).
			Do()
		if err != nil {
			return nil, wrapAPIError(
				fmt.Sprintf("fetching message %s", list.Messages[i].Id), err,
			)
		}
		msgs = append(msgs, c.parseMessage(full))
	}

	return msgs, nil
}

// parseMessage maps a Gmail message into the pipeline's Message view.
func (c *Client) parseMessage(msg *gmailapi.Message) model.Message {
	m := model.Message{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}

	if msg.Payload != nil {
		for _, header := range msg.Payload.Headers {
			switch header.Name {
			case "From":
				m.Sender = header.Value
			case "Subject":
				m.Subject = header.Value
			}
		}
	}

	body := plainTextBody(msg.Payload)
	if body == "" {
		body = msg.Snippet
	}
	m.BodySummary = model.TruncateBody(body)

	for _, id := range msg.LabelIds {
		if name, ok := c.labelName(id); ok {
			m.ExistingLabels = append(m.ExistingLabels, name)
		}
	}

	return m
}

// plainTextBody walks the MIME tree for the first text part.
func plainTextBody(payload *gmailapi.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.MimeType == "text/plain" && payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			return string(data)
		}
	}
	for _, part := range payload.Parts {
		lower := strings.ToLower(part.MimeType)
		if strings.HasPrefix(lower, "text/") || strings.HasPrefix(lower, "multipart/") {
			if body := plainTextBody(part); body != "" {
				return body
			}
		}
	}
	return ""
}

// Gmail's built-in category label ids for the agent's labels.
var systemLabelIDs = map[string]string{
	model.LabelPromotions: "CATEGORY_PROMOTIONS",
	model.LabelSocial:     "CATEGORY_SOCIAL",
}

// labelID resolves an agent label name to a Gmail label id, creating
// the custom junk-review label on first use.
func (c *Client) labelID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "INBOX", nil
	}
	if id, ok := systemLabelIDs[name]; ok {
		return id, nil
	}
	if name != model.LabelJunkReview {
		return name, nil
	}

	if c.junkLabelID != "" {
		return c.junkLabelID, nil
	}

	labels, err := c.srv.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return "", wrapAPIError("listing labels", err)
	}
	for _, l := range labels.Labels {
		if l.Name == model.LabelJunkReview {
			c.junkLabelID = l.Id
			return l.Id, nil
		}
	}

	created, err := c.srv.Users.Labels.Create(user, &gmailapi.Label{
		Name:                  model.LabelJunkReview,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return "", wrapAPIError("creating junk review label", err)
	}

	c.junkLabelID = created.Id
	return created.Id, nil
}

// labelName is the inverse of labelID for the agent's own labels.
func (c *Client) labelName(id string) (string, bool) {
	switch id {
	case "CATEGORY_PROMOTIONS":
		return model.LabelPromotions, true
	case "CATEGORY_SOCIAL":
		return model.LabelSocial, true
	}
	if c.junkLabelID != "" && id == c.junkLabelID {
		return model.LabelJunkReview, true
	}
	return "", false
}

// modify adds and removes label ids on a message.
func (c *Client) modify(ctx context.Context, messageID string, add, remove []string) error {
	_, err := c.srv.Users.Messages.Modify(user, messageID, &gmailapi.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	if err != nil {
		return wrapAPIError(fmt.Sprintf("modifying message %s", messageID), err)
	}
	return nil
}

// wrapAPIError maps 401 responses to AuthError and wraps the rest.
func wrapAPIError(op string, err error) error {
	if strings.Contains(err.Error(), "401") ||
		strings.Contains(strings.ToLower(err.Error()), "unauthorized") {
		return &source.AuthError{Provider: providerName, Message: err.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}
