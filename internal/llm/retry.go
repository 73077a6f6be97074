package llm

import (
	"context"
	"errors"
	"time"

	"github.com/acto-org/acto/internal/common/backoff"
)

// NewRetrying wraps client so transient failures are retried with jittered
// exponential backoff. Rate limits (429) and server errors (500-504) retry;
// other API errors surface immediately.
func NewRetrying(client Client, maxRetries int, initialInterval time.Duration) Client {
	if initialInterval <= 0 {
		initialInterval = 500 * time.Millisecond
	}
	return &retryingClient{
		client:          client,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
	}
}

type retryingClient struct {
	client          Client
	maxRetries      int
	initialInterval time.Duration
}

// Name implements Client.
func (c *retryingClient) Name() string { return c.client.Name() }

// Complete implements Client.
func (c *retryingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	policy := backoff.NewExponentialBackoffPolicy(c.initialInterval)
	policy.MaxRetries = c.maxRetries

	var resp *Response
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.client.Complete(ctx, req)
		return err
	}, backoff.WithFullJitter(policy), IsTransient)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsTransient reports whether a provider error is worth retrying. API errors
// follow their status code; cancellation is final; unclassified errors are
// treated as network faults and retried.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrNoAPIKey) ||
		errors.Is(err, ErrInvalidProvider) || errors.Is(err, ErrUnknownModel) {
		return false
	}
	return true
}
