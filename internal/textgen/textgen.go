// Package textgen adapts the downstream text-generation provider to an
// OpenAI-compatible chat-completions client.
package textgen

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/tikslop/videogen-gateway/internal/apperr"
)

// Options shapes one generation call.
type Options struct {
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Generator is the external LLM collaborator the search, simulate, and
// generate_caption actions dispatch to.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// OpenAIGenerator is the concrete Generator backed by go-openai, pointed at
// TEXT_MODEL/an inference endpoint with HF_TOKEN as the bearer credential.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator builds a Generator. An empty baseURL uses the public
// OpenAI API; otherwise it targets an OpenAI-compatible inference endpoint
// (e.g. a hosted HF_TOKEN-gated model server).
func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Generate issues a single chat-completion call.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", apperr.Wrap(err, "text generation call failed")
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Internalf("text generation returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
