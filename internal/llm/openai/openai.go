// Package openai provides the OpenAI chat completion client. DeepSeek and
// Gemini expose OpenAI-compatible endpoints and reuse this adapter with
// their own base URLs.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/acto-org/acto/internal/llm"
)

func init() {
	llm.RegisterProvider(llm.ProviderOpenAI, New)
	llm.RegisterProvider(llm.ProviderDeepSeek, func(cfg llm.Config) (llm.Client, error) {
		return NewCompatible(string(llm.ProviderDeepSeek), cfg)
	})
	llm.RegisterProvider(llm.ProviderGemini, func(cfg llm.Config) (llm.Client, error) {
		return NewCompatible(string(llm.ProviderGemini), cfg)
	})
}

// Client implements llm.Client over the OpenAI chat completions API.
type Client struct {
	name   string
	client sdk.Client
}

var _ llm.Client = (*Client)(nil)

// New creates a client for the OpenAI API itself.
func New(cfg llm.Config) (llm.Client, error) {
	return NewCompatible(string(llm.ProviderOpenAI), cfg)
}

// NewCompatible creates a client for any OpenAI-compatible endpoint. name
// appears in logs and errors.
func NewCompatible(name string, cfg llm.Config) (llm.Client, error) {
	if cfg.APIKey == "" {
		return nil, llm.WrapError(name, llm.ErrNoAPIKey)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries are driven by the shared wrapper so every provider
		// follows the same policy.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &Client{name: name, client: sdk.NewClient(opts...)}, nil
}

// Name implements llm.Client.
func (c *Client) Name() string { return c.name }

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params := sdk.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, sdk.UserMessage(m.Content))
		}
	}
	params.Messages = messages

	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = sdk.Int(int64(*req.MaxTokens))
	}
	if req.JSONSchema != nil {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response",
					Schema: req.JSONSchema,
					Strict: sdk.Bool(true),
				},
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.mapError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, llm.WrapError(c.name, llm.ErrEmptyResponse)
	}

	choice := completion.Choices[0]
	return &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// mapError normalises SDK errors so retry classification sees the HTTP
// status.
func (c *Client) mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return llm.NewAPIError(c.name, apiErr.StatusCode, msg)
	}
	return fmt.Errorf("%s: request failed: %w", c.name, err)
}
