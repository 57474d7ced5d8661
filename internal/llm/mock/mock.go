// Package mock provides a configurable in-memory Chatter for tests.
package mock

import (
	"context"
	"sync"

	"github.com/candor-ai/candor/internal/llm"
)

// Chatter replays configured chunks and records every request it
// receives. The zero value is usable and emits a single Done chunk.
type Chatter struct {
	mu sync.Mutex

	// Chunks is the sequence emitted on the returned channel. When the
	// last chunk does not have Done set, a bare Done chunk is appended.
	Chunks []llm.Chunk

	// ChatErr, if non-nil, is returned instead of starting a stream.
	ChatErr error

	// ChatFunc overrides the canned behavior entirely when non-nil.
	ChatFunc func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error)

	// Requests records every request passed to Chat.
	Requests []llm.Request
}

var _ llm.Chatter = (*Chatter)(nil)

// Chat implements llm.Chatter.
func (m *Chatter) Chat(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn := m.ChatFunc
	err := m.ChatErr
	chunks := make([]llm.Chunk, len(m.Chunks))
	copy(chunks, m.Chunks)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, len(chunks)+1)
	done := false
	for _, ch := range chunks {
		out <- ch
		if ch.Done {
			done = true
			break
		}
	}
	if !done {
		out <- llm.Chunk{Done: true}
	}
	close(out)
	return out, nil
}

// CallCount returns how many times Chat was invoked.
func (m *Chatter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request, or a zero Request.
func (m *Chatter) LastRequest() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return llm.Request{}
	}
	return m.Requests[len(m.Requests)-1]
}
