package session

import (
	"sync"
)

// Registry tracks live sessions keyed by (sid, source). It is the single
// authority for session lookup across the gateway, the agent surfaces and
// the stats endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config

	// clearHistoryOnReset controls whether a reconnect wipes the dialogue
	// history of a reused session.
	clearHistoryOnReset bool
}

// RegistryOption is a functional option for configuring a Registry.
type RegistryOption func(*Registry)

// WithClearHistoryOnReset sets the reconnect policy for dialogue history.
// Default is true: a fresh connection starts with an empty history.
func WithClearHistoryOnReset(clear bool) RegistryOption {
	return func(r *Registry) { r.clearHistoryOnReset = clear }
}

// NewRegistry returns an empty Registry creating sessions with cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		sessions:            make(map[string]*Session),
		cfg:                 cfg,
		clearHistoryOnReset: true,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func key(sid string, source Source) string {
	return sid + "/" + string(source)
}

// Acquire returns the session for (sid, source), creating it on first use
// and resetting it when a previous connection left state behind.
func (r *Registry) Acquire(sid string, source Source) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(sid, source)
	if s, ok := r.sessions[k]; ok {
		s.Reset(r.clearHistoryOnReset)
		return s
	}
	s := New(sid, source, r.cfg)
	// Both sources of an interview share one dialogue history, so the
	// agent sees interviewer questions and candidate answers interleaved.
	for _, other := range []Source{SourceMic, SourceSys} {
		if o, ok := r.sessions[key(sid, other)]; ok {
			s.History = o.History
			break
		}
	}
	r.sessions[k] = s
	return s
}

// Get returns the session for (sid, source), if live.
func (r *Registry) Get(sid string, source Source) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key(sid, source)]
	return s, ok
}

// BySID returns all live sessions sharing the session id, keyed by source.
func (r *Registry) BySID(sid string) map[Source]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[Source]*Session)
	for _, src := range []Source{SourceMic, SourceSys} {
		if s, ok := r.sessions[key(sid, src)]; ok {
			out[src] = s
		}
	}
	return out
}

// Remove drops the session for (sid, source).
func (r *Registry) Remove(sid string, source Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key(sid, source))
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
