package llm

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ProviderType identifies a chat completion provider.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderGemini    ProviderType = "gemini"
)

// ParseProviderType parses a provider name, accepting common aliases.
func ParseProviderType(s string) (ProviderType, error) {
	switch s {
	case "openai":
		return ProviderOpenAI, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	case "deepseek":
		return ProviderDeepSeek, nil
	case "gemini", "google":
		return ProviderGemini, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvider, s)
	}
}

// DefaultAPIKeyEnvVar returns the conventional environment variable holding
// the provider's API key.
func DefaultAPIKeyEnvVar(p ProviderType) string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderDeepSeek:
		return "DEEPSEEK_API_KEY"
	case ProviderGemini:
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}

// DefaultBaseURL returns the provider's default API endpoint. DeepSeek and
// Gemini expose OpenAI-compatible endpoints and share the openai adapter.
func DefaultBaseURL(p ProviderType) string {
	switch p {
	case ProviderOpenAI:
		return "https://api.openai.com/v1"
	case ProviderAnthropic:
		return "https://api.anthropic.com"
	case ProviderDeepSeek:
		return "https://api.deepseek.com/v1"
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	default:
		return ""
	}
}

// GetAPIKeyFromEnv reads the provider's API key from the environment.
func GetAPIKeyFromEnv(p ProviderType) string {
	envVar := DefaultAPIKeyEnvVar(p)
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// Config holds provider connection settings.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
}

// DefaultConfig returns provider settings with retry defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         120 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
	}
}

// Option configures a provider Config.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(apiKey string) Option {
	return func(c *Config) { c.APIKey = apiKey }
}

// WithBaseURL sets the API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) { c.BaseURL = baseURL }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithMaxRetries sets the transient-error retry budget.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) { c.MaxRetries = maxRetries }
}

// NewConfig builds a Config from defaults plus options.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Factory constructs a client for one provider.
type Factory func(Config) (Client, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[ProviderType]Factory)
)

// RegisterProvider makes a provider available to NewClient. Provider
// subpackages call this from init.
func RegisterProvider(p ProviderType, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[p] = f
}

// NewClient builds a client for the provider. Missing base URLs fall back to
// the provider default; transient errors are retried per the config.
func NewClient(p ProviderType, cfg Config) (Client, error) {
	factoryMu.RLock()
	factory, ok := factories[p]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, p)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(p)
	}
	client, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		client = NewRetrying(client, cfg.MaxRetries, cfg.InitialInterval)
	}
	return client, nil
}
