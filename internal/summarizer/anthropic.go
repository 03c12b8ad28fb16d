// Package summarizer provides the Claude-backed types.Summarizer that the
// frame manager calls when closing a frame whose digest needs condensing.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

const systemPrompt = `You summarize a single work session's recorded events for future recall.
Respond with ONLY a JSON object of this exact shape, no prose outside it:
{"summary": "...", "key_decisions": ["..."], "insights": ["..."], "next_steps": ["..."]}`

// Client implements types.Summarizer against the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// New builds a Client. apiKey is passed through to the SDK's option chain;
// an empty key defers to the SDK's own ANTHROPIC_API_KEY environment lookup.
func New(apiKey, model string, logger *slog.Logger) *Client {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
		logger: logger,
	}
}

// Summarize condenses context into a SummaryResult, retrying transient
// failures with exponential backoff. The caller's ctx bounds the whole
// operation including retries.
func (c *Client) Summarize(ctx context.Context, context string) (*types.SummaryResult, error) {
	var result *types.SummaryResult

	op := func() error {
		text, err := c.call(ctx, context)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		parsed, err := parseSummary(text)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = parsed
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(msg.Content) == 0 {
		return "", errors.New("empty response")
	}
	c.logger.Debug("summarizer call", "input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)
	return msg.Content[0].Text, nil
}

func parseSummary(text string) (*types.SummaryResult, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("summarizer: response has no JSON object: %q", text)
	}
	var result types.SummaryResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("summarizer: parse response: %w", err)
	}
	return &result, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
