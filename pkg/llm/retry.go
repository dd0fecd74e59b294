package llm

import (
	"context"

	"github.com/jllopis/koder/pkg/resilience"
)

// RetryProvider retries transient failures of the wrapped provider.
type RetryProvider struct {
	Provider Provider
	Retry    resilience.Retry
}

// WithRetry wraps p. A retry with fewer than two attempts returns p as is.
func WithRetry(p Provider, r resilience.Retry) Provider {
	if r.MaxAttempts < 2 {
		return p
	}
	return &RetryProvider{Provider: p, Retry: r}
}

func (p *RetryProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return resilience.DoValue(ctx, p.Retry, func() (*ChatResponse, error) {
		return p.Provider.Chat(ctx, req)
	})
}
