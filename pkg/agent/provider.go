package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NewModelClient creates a client for a provider name.
func NewModelClient(provider, apiKey string) (ModelClient, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return NewAnthropicClient(apiKey), nil
	case "openai":
		return NewOpenAIClient(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// NewFailoverClient builds the primary client and, when fallback is set, wraps
// it in a Failover that moves to the fallback on retryable errors.
func NewFailoverClient(provider, apiKey, fallback, fallbackKey string) (ModelClient, error) {
	primary, err := NewModelClient(provider, apiKey)
	if err != nil {
		return nil, err
	}
	if fallback == "" {
		return primary, nil
	}
	secondary, err := NewModelClient(fallback, fallbackKey)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return &Failover{Clients: []ModelClient{primary, secondary}}, nil
}

// Failover tries clients in order, moving to the next on a retryable error.
type Failover struct {
	Clients []ModelClient
}

// Provider returns the providers joined by '+'.
func (f *Failover) Provider() string {
	names := make([]string, len(f.Clients))
	for i, c := range f.Clients {
		names[i] = c.Provider()
	}
	return strings.Join(names, "+")
}

// Invoke implements ModelClient.
func (f *Failover) Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if len(f.Clients) == 0 {
		return nil, errors.New("no model clients configured")
	}

	var lastErr error
	for _, c := range f.Clients {
		resp, err := c.Invoke(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = fmt.Errorf("%s: %w", c.Provider(), err)
		if !IsRetryableError(err) || ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
