// Package aireview provides the AI analyser's model client: a thin wrapper
// over github.com/anthropics/anthropic-sdk-go that sends one subject's
// source tree plus a review prompt to Claude and returns its raw text
// response. It deliberately does not expose streaming, tool use, or
// multi-turn conversation: the AI analyser kind is a single request/response
// exchange per tool name, so the wrapper's surface stays small.
package aireview

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MaxOutputTokens is the uniform completion cap for every AI analyser
// request regardless of model. The platform intentionally does not vary
// this per provider or per prompt; preserve it rather than reinterpreting
// it as a per-call tunable.
const MaxOutputTokens = 32000

// MessagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake instead of a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ErrRateLimited is returned (wrapped) when the Anthropic API reports a
// 429. The ai review replica handler records it like any other Review
// error, as a failed tool execution.
var ErrRateLimited = errors.New("aireview: rate limited")

// ErrEmptyResponse indicates the model returned no text content block.
var ErrEmptyResponse = errors.New("aireview: empty model response")

// Client issues single-turn review requests against one Claude model.
type Client struct {
	msg   MessagesClient
	model string
}

// New constructs a Client. model should be an anthropic-sdk-go Model
// constant or a raw Anthropic model identifier string.
func New(msg MessagesClient, model string) (*Client, error) {
	if msg == nil {
		return nil, errors.New("aireview: messages client is required")
	}
	if model == "" {
		return nil, errors.New("aireview: model identifier is required")
	}
	return &Client{msg: msg, model: model}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("aireview: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, model)
}

// Review sends systemPrompt and userPrompt as a single-turn exchange and
// returns the model's concatenated text output. The completion cap is
// always MaxOutputTokens; callers cannot raise it.
func (c *Client) Review(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if userPrompt == "" {
		return "", errors.New("aireview: user prompt is required")
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: MaxOutputTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return "", fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", fmt.Errorf("aireview: messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text += block.Text
		}
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
