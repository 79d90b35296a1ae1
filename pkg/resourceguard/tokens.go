package resourceguard

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// Tokenizer counts tokens precisely for one model family.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// EstimateTokens approximates the token count of text at about four runes per token. It is
// monotonic in the length of text.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// countTokens uses tok when it works and falls back to EstimateTokens otherwise.
func countTokens(tok Tokenizer, text string) (n int) {
	if tok == nil || text == "" {
		return EstimateTokens(text)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Msg("Tokenizer panicked, using estimate")
			n = EstimateTokens(text)
		}
	}()

	count, err := tok.CountTokens(text)
	if err != nil || count < 0 {
		log.Warn().Err(err).Msg("Tokenizer failed, using estimate")
		return EstimateTokens(text)
	}
	return count
}

// AnthropicCounter counts tokens with the Anthropic count_tokens endpoint.
type AnthropicCounter struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropicCounter creates a counter for model using apiKey.
func NewAnthropicCounter(apiKey, model string, opts ...option.RequestOption) *AnthropicCounter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicCounter{
		client:  anthropic.NewClient(opts...),
		model:   model,
		timeout: 10 * time.Second,
	}
}

// CountTokens implements Tokenizer
func (c *AnthropicCounter) CountTokens(text string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	resp, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(resp.InputTokens), nil
}
