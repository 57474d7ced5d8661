// Package asr defines the speech-recognition engine interface used by the
// transcription pipeline.
//
// The model behind an [Engine] is loaded once and shared by every session;
// what makes recognition streamable per session is the [Cache]: an opaque
// decoder-state container owned by the session and threaded through each
// Recognize call. Partial recognitions reuse the cache so the decoder sees a
// continuous utterance; final recognitions reset it before decoding the
// assembled segment.
package asr

import (
	"context"
	"errors"
	"sync"
)

// ErrEngineClosed is returned by Recognize after the engine has been closed.
var ErrEngineClosed = errors.New("asr: engine is closed")

// Engine converts PCM audio to text. Implementations share one loaded model
// across sessions and must be safe for concurrent Recognize calls, provided
// each Cache is only used by one call at a time.
type Engine interface {
	// Recognize decodes mono int16 PCM at the given sample rate. cache holds
	// the per-session decoder state; passing the same cache across calls
	// yields streaming continuity. An empty result with nil error means the
	// audio contained no recognizable speech.
	Recognize(ctx context.Context, pcm []int16, sampleRate int, cache *Cache) (string, error)

	// Close releases the underlying model.
	Close() error
}

// Cache holds opaque per-session decoder state. Each backend stores its own
// state type; sessions must not share a Cache. The zero value is ready to use.
type Cache struct {
	mu    sync.Mutex
	state any
}

// NewCache returns an empty Cache.
func NewCache() *Cache { return &Cache{} }

// Load returns the current decoder state, or nil when the cache is fresh.
func (c *Cache) Load() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Store replaces the decoder state.
func (c *Cache) Store(state any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Reset clears the decoder state so the next Recognize starts a fresh
// utterance. Backends that hold releasable state observe the nil on their
// next call.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nil
}
