package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

type openAIGenerator struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature *float64
}

func newOpenAI(baseURL, apiKey, model string, maxTokens int, temperature *float64) *openAIGenerator {
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		ooption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIGenerator{
		client:      openai.NewClient(opts...),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if n := firstPositive(req.MaxTokens, g.maxTokens); n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}
	if t := firstTemperature(req.Temperature, g.temperature); t != nil {
		params.Temperature = openai.Float(*t)
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", classifyStatus(apiErr.StatusCode, apiErr.Code+" "+apiErr.Message+" "+apiErr.Type, err)
		}
		return "", classifyCallError(ctx, err)
	}
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", emptyOutput("openai")
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstTemperature(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
