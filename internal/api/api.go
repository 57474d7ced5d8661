// Package api serves the HTTP JSON/SSE surface: answer generation over
// server-sent events, document upload, and per-session statistics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/candor-ai/candor/internal/agent"
	"github.com/candor-ai/candor/internal/docstore"
	"github.com/candor-ai/candor/internal/session"
)

// Handler bundles the REST/SSE endpoints.
type Handler struct {
	registry *session.Registry
	agent    *agent.Agent
	store    docstore.Store
	log      *slog.Logger
}

// New creates the API handler. store may be nil; document endpoints then
// answer 503.
func New(registry *session.Registry, ag *agent.Agent, store docstore.Store) *Handler {
	return &Handler{
		registry: registry,
		agent:    ag,
		store:    store,
		log:      slog.Default().With("component", "api"),
	}
}

// Register adds all API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/gpt", h.GPT)
	mux.HandleFunc("GET /api/sessions/{sid}/stats", h.SessionStats)
	mux.HandleFunc("POST /api/documents/cv", h.UploadCV)
	mux.HandleFunc("POST /api/documents/job", h.UploadJob)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// gptRequest is the POST /api/gpt body.
type gptRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	Brief     bool   `json:"brief"`
}

// sseEvent is one data frame of the answer stream.
type sseEvent struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// GPT streams an answer suggestion as server-sent events. Tokens go out
// as they arrive; the terminal frame has done=true.
func (h *Handler) GPT(w http.ResponseWriter, r *http.Request) {
	var req gptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(ev sseEvent) error {
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("data: " + string(raw) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	mode := agent.ModeFull
	if req.Brief {
		mode = agent.ModeBrief
	}
	sess := h.sessionFor(req.SessionID)

	_, err := h.agent.Answer(r.Context(), sess, req.Text, mode, func(delta string) error {
		return writeEvent(sseEvent{Content: delta})
	})
	if err != nil && !errors.Is(err, agent.ErrEmptyQuestion) {
		h.log.Warn("sse answer failed", "session_id", req.SessionID, "error", err)
		// The stream is already open; surface the failure in-band.
		_ = writeEvent(sseEvent{Content: "生成回答时出现错误，请重试。"})
	}
	_ = writeEvent(sseEvent{Done: true})
}

// sessionFor mirrors the agent socket's anchoring rule.
func (h *Handler) sessionFor(sid string) *session.Session {
	if s, ok := h.registry.Get(sid, session.SourceMic); ok {
		return s
	}
	if s, ok := h.registry.Get(sid, session.SourceSys); ok {
		return s
	}
	return h.registry.Acquire(sid, session.SourceMic)
}

// statsResponse merges the per-source counters of one interview.
type statsResponse struct {
	SessionID string                           `json:"session_id"`
	Sources   map[string]session.StatsSnapshot `json:"sources"`
}

// SessionStats reports the live counters for every source of a session.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	live := h.registry.BySID(sid)
	if len(live) == 0 {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	out := statsResponse{SessionID: sid, Sources: make(map[string]session.StatsSnapshot, len(live))}
	for src, sess := range live {
		out.Sources[string(src)] = sess.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// uploadCVRequest is the POST /api/documents/cv body.
type uploadCVRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// UploadCV stores a candidate CV used to ground answers.
func (h *Handler) UploadCV(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "document store disabled")
		return
	}
	var req uploadCVRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	cv := &docstore.CV{UserID: req.UserID, Content: req.Content}
	if err := h.store.UpsertCV(r.Context(), cv); err != nil {
		h.log.Error("cv upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persistence failed")
		return
	}
	writeJSON(w, http.StatusOK, cv)
}

// uploadJobRequest is the POST /api/documents/job body.
type uploadJobRequest struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`
}

// UploadJob binds a job description to a session and refreshes the live
// session's cached documents.
func (h *Handler) UploadJob(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "document store disabled")
		return
	}
	var req uploadJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	job := &docstore.Job{
		SessionID:    req.SessionID,
		Title:        req.Title,
		Description:  req.Description,
		Requirements: req.Requirements,
	}
	if err := h.store.UpsertJob(r.Context(), job); err != nil {
		h.log.Error("job upload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "persistence failed")
		return
	}

	// Live sessions pick the new documents up immediately.
	for _, sess := range h.registry.BySID(req.SessionID) {
		cv, _ := sess.Documents()
		sess.SetDocuments(cv, job.Text())
	}
	writeJSON(w, http.StatusOK, job)
}
