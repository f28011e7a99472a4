package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 1500

type anthropicGenerator struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature *float64
}

func newAnthropic(baseURL, apiKey, model string, maxTokens int, temperature *float64) *anthropicGenerator {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		aoption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicGenerator{
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (g *anthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(firstPositive(req.MaxTokens, g.maxTokens, anthropicDefaultMaxTokens)),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if t := firstTemperature(req.Temperature, g.temperature); t != nil {
		params.Temperature = anthropic.Float(*t)
	}
	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, err.Error(), err)
		}
		return "", classifyCallError(ctx, err)
	}
	var parts []string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok && strings.TrimSpace(text.Text) != "" {
			parts = append(parts, strings.TrimSpace(text.Text))
		}
	}
	if len(parts) == 0 {
		return "", emptyOutput("anthropic")
	}
	return strings.Join(parts, "\n\n"), nil
}
