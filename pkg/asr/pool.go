package asr

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Compile-time assertion that Pool satisfies Engine.
var _ Engine = (*Pool)(nil)

// Pool wraps an Engine and bounds the number of in-flight Recognize calls
// across all sessions, protecting the shared model from unbounded fan-in
// when many sessions hit a partial interval at once.
type Pool struct {
	engine  Engine
	sem     *semaphore.Weighted
	workers int64
}

// NewPool returns a Pool allowing at most workers concurrent recognitions.
// workers values below 1 are treated as 1.
func NewPool(engine Engine, workers int64) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		engine:  engine,
		sem:     semaphore.NewWeighted(workers),
		workers: workers,
	}
}

// Recognize blocks until a worker slot is free or ctx is done, then delegates
// to the wrapped engine.
func (p *Pool) Recognize(ctx context.Context, pcm []int16, sampleRate int, cache *Cache) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("asr: acquire worker: %w", err)
	}
	defer p.sem.Release(1)
	return p.engine.Recognize(ctx, pcm, sampleRate, cache)
}

// Close closes the wrapped engine. In-flight recognitions are not interrupted.
func (p *Pool) Close() error {
	return p.engine.Close()
}
