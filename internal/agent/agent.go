// Package agent turns an interviewer question into a grounded answer
// suggestion. It assembles a prompt from the session's CV, job
// description and recent dialogue, streams the completion token by token
// to the caller, and records the finished answer in session history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/candor-ai/candor/internal/docstore"
	"github.com/candor-ai/candor/internal/llm"
	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/session"
)

// Mode selects the answer style.
type Mode string

const (
	// ModeBrief asks for a single-sentence answer.
	ModeBrief Mode = "brief"
	// ModeFull asks for a structured 6-12 sentence answer.
	ModeFull Mode = "full"
)

// ParseMode maps a wire-level mode string onto a Mode, defaulting to
// ModeFull for anything unrecognized.
func ParseMode(s string) Mode {
	if s == string(ModeBrief) {
		return ModeBrief
	}
	return ModeFull
}

// SpeakerAssistant is the history speaker tag for generated answers.
const SpeakerAssistant = "assistant"

const defaultTimeout = 60 * time.Second

// ErrEmptyQuestion is returned when the question is blank.
var ErrEmptyQuestion = errors.New("agent: empty question")

// Agent orchestrates answer generation over an llm.Chatter.
type Agent struct {
	chatter    llm.Chatter
	store      docstore.Store
	retriever  Retriever
	briefModel string
	fullModel  string
	timeout    time.Duration
	log        *slog.Logger
	metrics    *observe.Metrics
}

// Option configures an Agent.
type Option func(*Agent)

// WithModels sets the per-mode model ids. Empty values fall back to the
// client's configured default model.
func WithModels(brief, full string) Option {
	return func(a *Agent) {
		a.briefModel = brief
		a.fullModel = full
	}
}

// WithStore lets the agent pull the CV and job description from the
// document store the first time a session asks for an answer. Without a
// store the agent grounds only on documents set directly on the session.
func WithStore(s docstore.Store) Option {
	return func(a *Agent) { a.store = s }
}

// WithRetriever replaces the no-op retrieval default.
func WithRetriever(r Retriever) Option {
	return func(a *Agent) {
		if r != nil {
			a.retriever = r
		}
	}
}

// WithTimeout bounds one answer generation end to end.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMetrics attaches stream metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// New creates an Agent over chatter.
func New(chatter llm.Chatter, opts ...Option) *Agent {
	a := &Agent{
		chatter:   chatter,
		retriever: NopRetriever{},
		timeout:   defaultTimeout,
		log:       slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Answer generates an answer suggestion for question in the context of
// sess. Every token is passed to onDelta as it arrives; when onDelta
// returns an error the stream is abandoned and nothing is recorded.
//
// The full answer is returned and, on success, appended to the session
// history as an assistant turn. On upstream failure the accumulated
// partial text is returned alongside the error without touching history.
func (a *Agent) Answer(ctx context.Context, sess *session.Session, question string, mode Mode, onDelta func(delta string) error) (string, error) {
	if question == "" {
		return "", ErrEmptyQuestion
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if a.metrics != nil {
		a.metrics.ActiveAgentStreams.Add(ctx, 1)
		defer a.metrics.ActiveAgentStreams.Add(context.WithoutCancel(ctx), -1)
	}

	a.loadDocuments(ctx, sess)
	cv, jd := sess.Documents()
	snippets := a.retrieve(ctx, sess.SID, question)
	history := sess.History.Snapshot(historyLimit)
	prompt := buildPrompt(question, cv, jd, snippets, history, mode)

	model := a.fullModel
	if mode == ModeBrief {
		model = a.briefModel
	}

	stream, err := a.chatter.Chat(ctx, llm.Request{
		Model:    model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("agent: start completion: %w", err)
	}

	var full string
	for chunk := range stream {
		if chunk.Err != nil {
			a.log.Error("answer generation failed",
				"session_id", sess.SID, "mode", string(mode), "error", chunk.Err)
			return full, fmt.Errorf("agent: completion: %w", chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		full += chunk.Content
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				// The consumer is gone; stop generating and drop the
				// partial answer.
				cancel()
				for range stream {
				}
				return full, fmt.Errorf("agent: deliver token: %w", err)
			}
		}
	}

	if ctx.Err() != nil && full == "" {
		return "", fmt.Errorf("agent: completion: %w", ctx.Err())
	}
	if full == "" {
		return "", nil
	}

	sess.History.Append(session.Entry{Content: full, Speaker: SpeakerAssistant})
	a.log.Info("answer generated",
		"session_id", sess.SID, "mode", string(mode), "length", len([]rune(full)))
	return full, nil
}

// docsLoadedKey marks a session whose grounding documents were already
// fetched from the store.
const docsLoadedKey = "docs_loaded"

// loadDocuments fills the session's CV and job description from the
// store the first time the session asks for an answer. The result,
// including absence, is cached on the session; documents uploaded later
// still reach it through SetDocuments. Lookup failures are logged and
// retried on the next answer.
func (a *Agent) loadDocuments(ctx context.Context, sess *session.Session) {
	if a.store == nil {
		return
	}
	if _, ok := sess.Meta(docsLoadedKey); ok {
		return
	}

	cv, jd := sess.Documents()
	if cv == "" {
		rec, err := a.store.GetCV(ctx, "")
		if err != nil {
			a.log.Warn("cv lookup failed", "session_id", sess.SID, "error", err)
			return
		}
		if rec != nil {
			cv = rec.Content
		}
	}
	if jd == "" {
		job, err := a.store.GetJob(ctx, sess.SID)
		if err != nil {
			a.log.Warn("job lookup failed", "session_id", sess.SID, "error", err)
			return
		}
		if job != nil {
			jd = job.Text()
		}
	}

	sess.SetDocuments(cv, jd)
	sess.SetMeta(docsLoadedKey, true)
}

// retrieve asks the retriever for extra grounding. Best effort: on
// failure the answer proceeds without snippets.
func (a *Agent) retrieve(ctx context.Context, sid, question string) []string {
	snippets, err := a.retriever.Retrieve(ctx, sid, question, retrieveLimit)
	if err != nil {
		a.log.Warn("context retrieval failed", "session_id", sid, "error", err)
		return nil
	}
	if len(snippets) > retrieveLimit {
		snippets = snippets[:retrieveLimit]
	}
	return snippets
}
