// Package llm implements a streaming chat-completion client for
// OpenAI-compatible endpoints. It negotiates per-model parameter quirks
// (max_completion_tokens vs max_tokens, temperature support), classifies
// provider errors and retries with an adjusted request, and exposes
// completions as a channel of chunks.
package llm

import (
	"context"
	"errors"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting returned by the provider on completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one increment of a streamed completion. The final chunk has
// Done set; a failed completion surfaces its message in Content with Err
// non-nil so downstream adapters can relay it to the user.
type Chunk struct {
	Content string
	Done    bool
	Usage   *Usage
	Err     error
}

// Request describes one completion call.
type Request struct {
	// Model overrides the client's configured model when non-empty.
	Model string
	// Messages is the ordered conversation, system prompt first.
	Messages []Message
	// Temperature overrides the client default when non-nil.
	Temperature *float64
	// MaxTokens overrides the client default when > 0.
	MaxTokens int
	// Stream requests incremental delivery. When the provider rejects
	// streaming the client falls back to a simulated stream.
	Stream bool
}

// Chatter is the completion surface the answer agent depends on.
type Chatter interface {
	// Chat sends req and returns a channel of chunks. The channel is
	// closed by the client after the Done chunk. Callers must drain it.
	Chat(ctx context.Context, req Request) (<-chan Chunk, error)
}

// ErrNoChoices is returned when the provider answers 200 with an empty
// choices array.
var ErrNoChoices = errors.New("llm: response contained no choices")
