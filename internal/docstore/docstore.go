// Package docstore persists the documents that ground answer generation:
// candidate CVs, per-session job descriptions, and finalized transcript
// lines. The Postgres implementation is the durable store; a Redis
// decorator can front it as a best-effort read cache, and the in-memory
// implementation backs tests and storage-less deployments.
package docstore

import (
	"context"
	"time"
)

// CV is a candidate resume. UserID is the owning user; content is the
// extracted plain text.
type CV struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is the position a session interviews for.
type Job struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Requirements string    `json:"requirements"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Text renders the job as the prompt block the agent consumes.
func (j *Job) Text() string {
	out := ""
	if j.Title != "" {
		out += "岗位名称：" + j.Title
	}
	if j.Description != "" {
		if out != "" {
			out += "\n"
		}
		out += "岗位描述：" + j.Description
	}
	if j.Requirements != "" {
		if out != "" {
			out += "\n"
		}
		out += "岗位要求：" + j.Requirements
	}
	return out
}

// Transcript is one finalized utterance.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Speaker   string    `json:"speaker"`
	Content   string    `json:"content"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
}

// Store is the persistence surface. Lookups return (nil, nil) when the
// record does not exist.
type Store interface {
	// GetCV fetches a CV by user. An empty userID returns the most
	// recently updated CV, which covers single-user deployments.
	GetCV(ctx context.Context, userID string) (*CV, error)

	// UpsertCV creates or replaces a user's CV.
	UpsertCV(ctx context.Context, cv *CV) error

	// GetJob fetches the job description bound to a session.
	GetJob(ctx context.Context, sessionID string) (*Job, error)

	// UpsertJob creates or replaces a session's job description.
	UpsertJob(ctx context.Context, job *Job) error

	// SaveTranscript appends one finalized utterance.
	SaveTranscript(ctx context.Context, tr *Transcript) error

	// Transcripts returns a session's saved utterances oldest first,
	// up to limit (<= 0 means all).
	Transcripts(ctx context.Context, sessionID string, limit int) ([]Transcript, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
