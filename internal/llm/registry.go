package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// ModelSpec is one resolvable model reference.
type ModelSpec struct {
	// Ref is the registry key, provider/model_id.
	Ref string `json:"ref"`
	// Provider names the adapter serving this model.
	Provider ProviderType `json:"provider"`
	// Model is the provider-native model id.
	Model string `json:"model"`
}

// catalog lists the models advertised on the models endpoint. Resolution is
// not limited to the catalog; any model id of a configured provider works.
var catalog = []ModelSpec{
	{Ref: "openai/gpt-4o", Provider: ProviderOpenAI, Model: "gpt-4o"},
	{Ref: "openai/gpt-4o-mini", Provider: ProviderOpenAI, Model: "gpt-4o-mini"},
	{Ref: "anthropic/claude-sonnet-4-5", Provider: ProviderAnthropic, Model: "claude-sonnet-4-5"},
	{Ref: "deepseek/deepseek-chat", Provider: ProviderDeepSeek, Model: "deepseek-chat"},
	{Ref: "google/gemini-2.0-flash", Provider: ProviderGemini, Model: "gemini-2.0-flash"},
}

// Registry maps provider/model_id references to configured clients and
// routes completion requests.
type Registry struct {
	mu           sync.RWMutex
	clients      map[ProviderType]Client
	defaultModel string
}

// NewRegistry creates a registry. defaultModel serves requests that do not
// name a model.
func NewRegistry(defaultModel string) *Registry {
	return &Registry{
		clients:      make(map[ProviderType]Client),
		defaultModel: defaultModel,
	}
}

// AddClient registers the client for a provider, replacing any previous one.
func (r *Registry) AddClient(p ProviderType, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[p] = client
}

// Client returns the configured client for a provider.
func (r *Registry) Client(p ProviderType) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[p]
	return client, ok
}

// DefaultModel returns the fallback model reference.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}

// Models lists catalog entries whose provider has a configured client.
func (r *Registry) Models() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []ModelSpec
	for _, spec := range catalog {
		if _, ok := r.clients[spec.Provider]; ok {
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Ref < specs[j].Ref })
	return specs
}

// Resolve parses a model reference into a ModelSpec served by a configured
// provider. An empty reference resolves to the default model. Bare model ids
// are matched against the catalog.
func (r *Registry) Resolve(ref string) (ModelSpec, error) {
	if ref == "" {
		ref = r.defaultModel
	}
	if ref == "" {
		return ModelSpec{}, fmt.Errorf("%w: no model given and no default configured", ErrUnknownModel)
	}

	provider, model, found := strings.Cut(ref, "/")
	if !found {
		for _, spec := range catalog {
			if spec.Model == ref {
				return r.checkConfigured(spec)
			}
		}
		return ModelSpec{}, fmt.Errorf("%w: %q (expected provider/model_id)", ErrUnknownModel, ref)
	}

	p, err := ParseProviderType(provider)
	if err != nil {
		return ModelSpec{}, fmt.Errorf("%w: %q: unknown provider %q", ErrUnknownModel, ref, provider)
	}
	if model == "" {
		return ModelSpec{}, fmt.Errorf("%w: %q: missing model id", ErrUnknownModel, ref)
	}
	return r.checkConfigured(ModelSpec{Ref: ref, Provider: p, Model: model})
}

func (r *Registry) checkConfigured(spec ModelSpec) (ModelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.clients[spec.Provider]; !ok {
		return ModelSpec{}, fmt.Errorf("%w: %q: provider %s is not configured", ErrUnknownModel, spec.Ref, spec.Provider)
	}
	return spec, nil
}

// Complete resolves req.Model and routes the request to its provider. The
// request is not mutated.
func (r *Registry) Complete(ctx context.Context, req *Request) (*Response, error) {
	spec, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	client, ok := r.Client(spec.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s is not configured", ErrUnknownModel, spec.Provider)
	}

	routed := *req
	routed.Model = spec.Model
	return client.Complete(ctx, &routed)
}

const titleSystemPrompt = "You create short titles. Given a request, respond with a concise " +
	"title of 3 to 8 words. Respond with the title only, without quotes or trailing punctuation."

// GenerateTitle asks the default model for a short title for the prompt.
// Never fails: on any error the prompt itself is truncated to 80 runes.
func (r *Registry) GenerateTitle(ctx context.Context, prompt string) string {
	temperature := 0.3
	maxTokens := 30
	resp, err := r.Complete(ctx, &Request{
		System:      titleSystemPrompt,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return fallbackTitle(prompt)
	}

	title := strings.TrimSpace(resp.Content)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return fallbackTitle(prompt)
	}
	return truncateRunes(title, 120)
}

func fallbackTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	return truncateRunes(title, 80)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRightFunc(string(runes[:n]), unicode.IsSpace)
}
