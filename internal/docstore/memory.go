package docstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process [Store] for tests and deployments without a
// database. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	cvs         map[string]CV
	jobs        map[string]Job
	transcripts map[string][]Transcript
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		cvs:         make(map[string]CV),
		jobs:        make(map[string]Job),
		transcripts: make(map[string][]Transcript),
	}
}

// GetCV implements [Store].
func (m *Memory) GetCV(_ context.Context, userID string) (*CV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if userID == "" {
		var latest *CV
		for id := range m.cvs {
			cv := m.cvs[id]
			if latest == nil || cv.UpdatedAt.After(latest.UpdatedAt) {
				latest = &cv
			}
		}
		return latest, nil
	}
	cv, ok := m.cvs[userID]
	if !ok {
		return nil, nil
	}
	return &cv, nil
}

// UpsertCV implements [Store].
func (m *Memory) UpsertCV(_ context.Context, cv *CV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cv.UpdatedAt = time.Now()
	m.cvs[cv.UserID] = *cv
	return nil
}

// GetJob implements [Store].
func (m *Memory) GetJob(_ context.Context, sessionID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[sessionID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

// UpsertJob implements [Store].
func (m *Memory) UpsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now()
	m.jobs[job.SessionID] = *job
	return nil
}

// SaveTranscript implements [Store].
func (m *Memory) SaveTranscript(_ context.Context, tr *Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[tr.SessionID] = append(m.transcripts[tr.SessionID], *tr)
	return nil
}

// Transcripts implements [Store].
func (m *Memory) Transcripts(_ context.Context, sessionID string, limit int) ([]Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.transcripts[sessionID]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Transcript, n)
	copy(out, all[:n])
	return out, nil
}

// Ping implements [Store].
func (m *Memory) Ping(context.Context) error { return nil }
