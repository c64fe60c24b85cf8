package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lox/citypulse/internal/analytics"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/rs/zerolog"
)

const DefaultModel = "gpt-4o-mini"

const systemPrompt = "You write one short, neutral sentence summarising a city's development metrics " +
	"for a dashboard. Mention the strongest and weakest metric by name. No preamble, no lists."

// Generator phrases insights with an OpenAI chat model and remembers each
// answer for the life of the process. Any API failure falls back to Sentence.
type Generator struct {
	client openai.Client
	model  string
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[analytics.Insight]string
}

func NewGenerator(apiKey, model string, logger zerolog.Logger, opts ...option.RequestOption) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not set")
	}
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Generator{
		client: client,
		model:  model,
		logger: logger,
		cache:  make(map[analytics.Insight]string),
	}, nil
}

func (g *Generator) Phrase(ctx context.Context, in analytics.Insight) string {
	g.mu.Lock()
	cached, ok := g.cache[in]
	g.mu.Unlock()
	if ok {
		return cached
	}

	text, err := g.generate(ctx, in)
	if err != nil {
		g.logger.Warn().Err(err).Str("city", in.City).Msg("narrative generation failed, using template")
		return Sentence(in)
	}

	g.mu.Lock()
	g.cache[in] = text
	g.mu.Unlock()
	return text
}

func (g *Generator) generate(ctx context.Context, in analytics.Insight) (string, error) {
	prompt := fmt.Sprintf("City: %s\nStrongest metric: %s (%g)\nWeakest metric: %s (%g)",
		in.City, in.Strongest, in.StrongestValue, in.Weakest, in.WeakestValue)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}
