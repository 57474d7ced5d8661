package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/candor-ai/candor/internal/agent"
	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/session"
)

// relayQueueSize bounds the token queue between the generating agent and
// the socket writer. A stalled client applies backpressure through it
// instead of growing memory.
const relayQueueSize = 50

// AgentHandler serves /ws/agent/{sid}. The client sends answer requests
// and receives the generated answer as a stream of delta frames followed
// by a final frame.
type AgentHandler struct {
	registry *session.Registry
	agent    *agent.Agent
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewAgentHandler builds the agent socket handler.
func NewAgentHandler(registry *session.Registry, ag *agent.Agent, metrics *observe.Metrics) *AgentHandler {
	return &AgentHandler{
		registry: registry,
		agent:    ag,
		metrics:  metrics,
		log:      slog.Default().With("component", "gateway.agent"),
	}
}

// ServeHTTP upgrades the connection and answers requests sequentially
// until the client disconnects.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}
	if sid == "" {
		conn.Close(websocket.StatusPolicyViolation, "missing session id")
		return
	}

	log := h.log.With("session_id", sid)
	// The agent surface anchors on the candidate-side session; dialogue
	// history is shared across sources, so interviewer turns are visible
	// through it.
	sess := h.sessionFor(sid)
	writer := &wsWriter{conn: conn}

	ctx := r.Context()
	log.Info("agent session connected")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var req agentRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Type != "answer" {
			writer.writeJSON(ctx, agentErrorEvent{Type: "error", Message: "expected an answer request"})
			continue
		}
		if req.Text == "" {
			writer.writeJSON(ctx, agentErrorEvent{Type: "error", Message: "question text is required"})
			continue
		}
		h.answer(ctx, writer, sess, req, log)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("agent session closed")
}

// sessionFor returns the session whose history grounds the answers,
// preferring a live one and creating the mic-side session otherwise.
func (h *AgentHandler) sessionFor(sid string) *session.Session {
	if s, ok := h.registry.Get(sid, session.SourceMic); ok {
		return s
	}
	if s, ok := h.registry.Get(sid, session.SourceSys); ok {
		return s
	}
	return h.registry.Acquire(sid, session.SourceMic)
}

// answer runs one generation, relaying tokens through a bounded queue so
// the LLM stream and the socket write proceed concurrently.
func (h *AgentHandler) answer(ctx context.Context, writer *wsWriter, sess *session.Session, req agentRequest, log *slog.Logger) {
	mode := agent.ParseMode(req.Mode)

	relay := make(chan string, relayQueueSize)
	var (
		writeErr error
		mu       sync.Mutex
		wg       sync.WaitGroup
	)
	failed := func() error {
		mu.Lock()
		defer mu.Unlock()
		return writeErr
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for delta := range relay {
			if failed() != nil {
				continue // drain so the producer never blocks
			}
			ev := agentStreamEvent{Type: "stream", Role: "assistant", Delta: delta}
			if err := writer.writeJSON(ctx, ev); err != nil {
				mu.Lock()
				writeErr = err
				mu.Unlock()
			}
		}
	}()

	_, err := h.agent.Answer(ctx, sess, req.Text, mode, func(delta string) error {
		if err := failed(); err != nil {
			return err
		}
		select {
		case relay <- delta:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(relay)
	wg.Wait()

	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		log.Warn("answer generation failed", "error", err)
		writer.writeJSON(ctx, agentErrorEvent{Type: "error", Message: "answer generation failed"})
	case failed() != nil:
		log.Debug("client write failed mid-stream", "error", failed())
	default:
		writer.writeJSON(ctx, agentFinalEvent{Type: "final", Role: "assistant", Done: true})
	}
}
