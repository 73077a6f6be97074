// Package llm provides a provider-agnostic chat completion client and a
// model registry. Planner and agents depend on this package only; the
// provider SDKs live in subpackages.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Common errors.
var (
	// ErrNoAPIKey is returned when a provider requires an API key but none
	// was configured.
	ErrNoAPIKey = errors.New("no API key configured")

	// ErrInvalidProvider is returned for unknown provider names.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrUnknownModel is returned when a model reference cannot be resolved.
	ErrUnknownModel = errors.New("unknown model")

	// ErrEmptyResponse is returned when a provider responds without content.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic chat completion request. Model carries the
// provider-native model id; resolution from a registry reference happens
// before the request reaches a Client.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int

	// JSONSchema, when set, constrains the response to a JSON document
	// matching the schema. Providers without native structured output
	// enforce it through the system prompt.
	JSONSchema *jsonschema.Schema
}

// Response is a completed chat response.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client is a chat completion client for one provider.
type Client interface {
	// Complete performs a single chat completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name for logging and errors.
	Name() string
}

// APIError carries the HTTP status of a failed provider call.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Transient reports whether the status warrants a retry. Rate limits and
// server errors are transient; other client errors are not.
func (e *APIError) Transient() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode <= 504)
}

// NewAPIError builds an APIError for the provider.
func NewAPIError(provider string, statusCode int, message string) *APIError {
	return &APIError{Provider: provider, StatusCode: statusCode, Message: message}
}

// WrapError prefixes an error with the provider name.
func WrapError(provider string, err error) error {
	return fmt.Errorf("%s: %w", provider, err)
}
