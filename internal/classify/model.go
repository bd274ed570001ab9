package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nhle/email-agent/internal/model"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// ErrInvalidModelResponse marks a model reply that could not be parsed
// into a known category and confidence. The classifier treats it as a
// strategy failure and falls back to rules.
var ErrInvalidModelResponse = errors.New("invalid model response")

// ModelClient classifies messages by calling the Claude Messages API
// with a bounded prompt and parsing the structured reply.
type ModelClient struct {
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewModelClient creates a model-strategy client. An empty modelName or
// non-positive maxTokens falls back to the defaults.
func NewModelClient(apiKey, modelName string, maxTokens int) *ModelClient {
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &ModelClient{
		apiKey:    apiKey,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// Classify sends one classification request. The caller bounds the
// call through ctx; a timeout or malformed reply surfaces as an error
// so the classifier can fall back.
func (c *ModelClient) Classify(
	ctx context.Context,
	msg model.Message,
) (model.ClassificationResult, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{
			{Role: "user", Content: buildPrompt(msg)},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return model.ClassificationResult{}, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, apiURL, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return model.ClassificationResult{}, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return model.ClassificationResult{}, fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.ClassificationResult{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return model.ClassificationResult{}, fmt.Errorf(
				"API error (%d): %s", resp.StatusCode, apiErr.Error.Message,
			)
		}
		return model.ClassificationResult{}, fmt.Errorf(
			"API error (%d): %s", resp.StatusCode, string(respBody),
		)
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return model.ClassificationResult{}, fmt.Errorf("decoding response: %w", err)
	}

	return parseClassification(result)
}

// parseClassification extracts and validates the JSON verdict from the
// first text block of the API response.
func parseClassification(resp apiResponse) (model.ClassificationResult, error) {
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return model.ClassificationResult{}, fmt.Errorf("%w: empty reply", ErrInvalidModelResponse)
	}

	// Models occasionally wrap the JSON in a code fence.
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var verdict struct {
		Category   string   `json:"category"`
		Confidence float64  `json:"confidence"`
		Signals    []string `json:"signals"`
	}
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return model.ClassificationResult{}, fmt.Errorf("%w: %v", ErrInvalidModelResponse, err)
	}

	category := model.Category(strings.ToLower(strings.TrimSpace(verdict.Category)))
	if !category.IsValid() {
		return model.ClassificationResult{}, fmt.Errorf(
			"%w: unknown category %q", ErrInvalidModelResponse, verdict.Category,
		)
	}

	// Clamp out-of-range confidence rather than rejecting the reply.
	confidence := verdict.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return model.ClassificationResult{
		Category:       category,
		Confidence:     confidence,
		Method:         model.MethodModel,
		MatchedSignals: verdict.Signals,
	}, nil
}

const systemPrompt = `You are an email classification expert. Categorize each email into exactly one of:

1. important: requires attention or action - deadlines, meetings, work communication, financial or legal matters, urgent personal mail
2. promotional: marketing, newsletters, sales offers, advertisements, shopping deals
3. social: social network notifications, friend requests, platform updates, community digests
4. junk: spam, phishing, lottery scams, suspicious links, obvious fraud

Respond with JSON only:
{"category": "important|promotional|social|junk", "confidence": 0.85, "signals": ["short reason", "short reason"]}`

// buildPrompt renders one message into the classification request. The
// body excerpt is already bounded by model.TruncateBody.
func buildPrompt(msg model.Message) string {
	var sb strings.Builder
	sb.WriteString("Classify this email:\n\n")
	sb.WriteString("Sender: ")
	sb.WriteString(msg.Sender)
	sb.WriteString("\nSubject: ")
	sb.WriteString(msg.Subject)
	sb.WriteString("\nBody preview: ")
	sb.WriteString(model.TruncateBody(msg.BodySummary))
	sb.WriteString("\n\nConsider sender reputation, urgency indicators, content purpose, and security risks. Reply with the JSON verdict only.")
	return sb.String()
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
