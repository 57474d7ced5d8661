// Package mock provides a test double for the asr.Engine interface.
//
// Pre-populate Script with the texts to return in order, or set
// RecognizeFunc for full control. Every call is recorded for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/candor-ai/candor/pkg/asr"
)

// RecognizeCall records a single invocation of Engine.Recognize.
type RecognizeCall struct {
	// PCM is a copy of the samples passed to Recognize.
	PCM []int16
	// SampleRate is the sample rate passed to Recognize.
	SampleRate int
	// Cache is the cache pointer passed to Recognize.
	Cache *asr.Cache
}

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// Script holds texts returned by successive Recognize calls. When the
	// script is exhausted the last entry repeats; an empty script returns "".
	Script []string

	// RecognizeFunc, if non-nil, overrides Script entirely.
	RecognizeFunc func(ctx context.Context, pcm []int16, sampleRate int, cache *asr.Cache) (string, error)

	// RecognizeErr, if non-nil, is returned by every Recognize call.
	RecognizeErr error

	// RecognizeCalls records every call to Recognize in order.
	RecognizeCalls []RecognizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Recognize records the call and returns the next scripted text.
func (e *Engine) Recognize(ctx context.Context, pcm []int16, sampleRate int, cache *asr.Cache) (string, error) {
	e.mu.Lock()
	cp := make([]int16, len(pcm))
	copy(cp, pcm)
	e.RecognizeCalls = append(e.RecognizeCalls, RecognizeCall{PCM: cp, SampleRate: sampleRate, Cache: cache})
	n := len(e.RecognizeCalls)
	script := e.Script
	fn := e.RecognizeFunc
	errOut := e.RecognizeErr
	e.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, sampleRate, cache)
	}
	if errOut != nil {
		return "", errOut
	}
	if len(script) == 0 {
		return "", nil
	}
	idx := n - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx], nil
}

// Close records the call.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return nil
}

// CallCount returns the number of Recognize calls. Thread-safe.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.RecognizeCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.RecognizeCalls = nil
	e.CloseCallCount = 0
}

// Compile-time assertion that Engine satisfies asr.Engine.
var _ asr.Engine = (*Engine)(nil)
