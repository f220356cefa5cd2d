// Package textgen calls an OpenAI-compatible chat-completions endpoint to
// write patient-friendly explanations of lab results.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 10 * time.Second

	systemPrompt = "You explain laboratory results to patients in plain language. " +
		"Answer in two or three short sentences. Do not diagnose, and do not invent values."
)

// Client implements labinterp.Explainer against /chat/completions.
type Client struct {
	Model string
	api   *openai.Client
}

// New creates a Client. An empty model falls back to DefaultModel; an empty
// baseURL talks to api.openai.com.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimRight(baseURL, "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &Client{Model: model, api: openai.NewClientWithConfig(cfg)}
}

// Explain asks the model for an explanation of one result.
func (c *Client) Explain(ctx context.Context, req labinterp.ExplainRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("textgen: status %d: %w", apiErr.HTTPStatusCode, err)
		}
		return "", fmt.Errorf("textgen: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("textgen: response has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("textgen: empty completion")
	}
	return text, nil
}

// BuildPrompt renders the user prompt for one result.
func BuildPrompt(req labinterp.ExplainRequest) string {
	var sb strings.Builder
	sb.WriteString("Explain this lab result to the patient.\n\n")
	fmt.Fprintf(&sb, "Test: %s\n", req.Parameter)
	fmt.Fprintf(&sb, "Result: %s", req.Value)
	if req.Unit != "" {
		sb.WriteString(" " + req.Unit)
	}
	fmt.Fprintf(&sb, "\nStatus: %s\n", req.Status)
	if req.Patient.Age != nil {
		fmt.Fprintf(&sb, "Patient age: %s\n", strconv.FormatFloat(*req.Patient.Age, 'f', -1, 64))
	}
	if req.Patient.Gender != "" {
		fmt.Fprintf(&sb, "Patient gender: %s\n", req.Patient.Gender)
	}
	return sb.String()
}
