package generator

import (
	"fmt"
	"os"
	"strings"
)

const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderGroq             = "groq"
	ProviderAnthropic        = "anthropic"
	ProviderOffline          = "offline"
)

// Settings select and configure a provider.
type Settings struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	APIKeyEnv   string
	MaxTokens   int
	Temperature *float64
}

func (s Settings) apiKey() string {
	if strings.TrimSpace(s.APIKey) != "" {
		return s.APIKey
	}
	if s.APIKeyEnv != "" {
		return os.Getenv(s.APIKeyEnv)
	}
	return ""
}

// New builds the generator named by s.Provider.
func New(s Settings) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	if provider == ProviderOffline {
		return Offline{}, nil
	}
	if strings.TrimSpace(s.Model) == "" {
		return nil, fmt.Errorf("generation model is required for provider %q", provider)
	}
	key := s.apiKey()
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("missing api key for provider %q (set %s)", provider, s.APIKeyEnv)
	}
	switch provider {
	case ProviderOpenAI, ProviderOpenAICompatible:
		return newOpenAI(s.BaseURL, key, s.Model, s.MaxTokens, s.Temperature), nil
	case ProviderGroq:
		baseURL := s.BaseURL
		if baseURL == "" {
			baseURL = GroqBaseURL
		}
		return newOpenAI(baseURL, key, s.Model, s.MaxTokens, s.Temperature), nil
	case ProviderAnthropic:
		return newAnthropic(s.BaseURL, key, s.Model, s.MaxTokens, s.Temperature), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", s.Provider)
	}
}
