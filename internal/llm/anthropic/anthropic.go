// Package anthropic provides the Claude chat completion client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/acto-org/acto/internal/llm"
)

const (
	providerName = "anthropic"

	// Anthropic requires max_tokens on every request.
	defaultMaxTokens = 4096
)

func init() {
	llm.RegisterProvider(llm.ProviderAnthropic, New)
}

// Client implements llm.Client over the Anthropic messages API.
type Client struct {
	client sdk.Client
}

var _ llm.Client = (*Client)(nil)

// New creates an Anthropic client.
func New(cfg llm.Config) (llm.Client, error) {
	if cfg.APIKey == "" {
		return nil, llm.WrapError(providerName, llm.ErrNoAPIKey)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &Client{client: sdk.NewClient(opts...)}, nil
}

// Name implements llm.Client.
func (c *Client) Name() string { return providerName }

// Complete implements llm.Client.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: defaultMaxTokens,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	system := req.System
	if req.JSONSchema != nil {
		// The messages API has no structured-output parameter; the schema is
		// enforced through the system prompt instead.
		schema, err := json.Marshal(req.JSONSchema)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode schema: %w", providerName, err)
		}
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with a single JSON object that conforms to this JSON schema. " +
			"Output only the JSON object, with no surrounding prose or code fences.\n" + string(schema)
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(messages) == 0 {
		return nil, llm.WrapError(providerName, errors.New("at least one user message is required"))
	}
	params.Messages = messages

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.mapError(err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, llm.WrapError(providerName, llm.ErrEmptyResponse)
	}

	return &llm.Response{
		Content:      content,
		FinishReason: string(msg.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return llm.NewAPIError(providerName, apiErr.StatusCode, apiErr.Error())
	}
	return fmt.Errorf("%s: request failed: %w", providerName, err)
}
