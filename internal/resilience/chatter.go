package resilience

import (
	"context"
	"fmt"

	"github.com/candor-ai/candor/internal/llm"
)

// GuardedChatter runs every completion through a circuit breaker. A
// stream counts as failed when it could not start or when its final
// chunk carries an error; context cancellation by the caller is not held
// against the endpoint.
type GuardedChatter struct {
	inner   llm.Chatter
	breaker *Breaker
}

var _ llm.Chatter = (*GuardedChatter)(nil)

// NewGuardedChatter wraps inner with breaker.
func NewGuardedChatter(inner llm.Chatter, breaker *Breaker) *GuardedChatter {
	return &GuardedChatter{inner: inner, breaker: breaker}
}

// Chat implements llm.Chatter.
func (g *GuardedChatter) Chat(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("resilience: llm call rejected: %w", err)
	}
	inner, err := g.inner.Chat(ctx, req)
	if err != nil {
		g.breaker.Failure()
		return nil, err
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		failed := false
		for chunk := range inner {
			if chunk.Err != nil {
				failed = true
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Caller walked away mid-stream. Drain the inner channel
				// so the client goroutine can finish, and do not blame
				// the endpoint.
				for range inner {
				}
				g.breaker.Success()
				return
			}
		}
		if failed && ctx.Err() == nil {
			g.breaker.Failure()
		} else {
			g.breaker.Success()
		}
	}()
	return out, nil
}

// State exposes the underlying breaker state for health reporting.
func (g *GuardedChatter) State() State { return g.breaker.State() }
