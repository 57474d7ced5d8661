// Package session holds the per-connection state of the interview assistant:
// the bounded audio queue feeding the recognition pipeline, the per-session
// decoder cache, the bounded dialogue history shared with the answer agent,
// and running statistics. A Session exists per (session id, source) pair.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/candor-ai/candor/pkg/asr"
)

// Source identifies which capture path a session transcribes.
type Source string

const (
	// SourceMic is the local microphone, i.e. the candidate speaking.
	SourceMic Source = "mic"
	// SourceSys is the system loopback, i.e. the interviewer speaking.
	SourceSys Source = "sys"
)

// IsValid reports whether s is a recognized capture source.
func (s Source) IsValid() bool {
	return s == SourceMic || s == SourceSys
}

// Speaker returns the transcript speaker label fixed by the source.
func (s Source) Speaker() string {
	if s == SourceSys {
		return "interviewer"
	}
	return "candidate"
}

// Config carries the tunables a new Session needs.
type Config struct {
	// SampleRate of the inbound PCM in Hz. Defaults to 16000.
	SampleRate int
	// QueueCap bounds the audio frame queue. Defaults to 12.
	QueueCap int
	// HistoryMax bounds the dialogue history. Defaults to 50.
	HistoryMax int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.QueueCap <= 0 {
		c.QueueCap = 12
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = 50
	}
}

// Session is the per-(sid, source) state record. The audio queue, decoder
// cache and statistics are internally synchronized; documents and metadata
// are guarded by a session mutex.
type Session struct {
	SID    string
	Source Source
	SR     int

	// AudioQ feeds PCM frames from the gateway receiver to the pipeline
	// consumer with drop-oldest backpressure.
	AudioQ *Queue

	// Cache holds the streaming decoder state for this session.
	Cache *asr.Cache

	// History is the bounded dialogue memory shared by transcript finals and
	// agent answers.
	History *History

	seq   atomic.Uint64
	stats Stats

	mu     sync.Mutex
	cvText string
	jdText string
	meta   map[string]any
}

// New creates a Session for the given id and source.
func New(sid string, source Source, cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		SID:     sid,
		Source:  source,
		SR:      cfg.SampleRate,
		AudioQ:  NewQueue(cfg.QueueCap),
		Cache:   asr.NewCache(),
		History: NewHistory(cfg.HistoryMax),
		meta:    make(map[string]any),
	}
	s.stats.start()
	return s
}

// NextSeq returns the next event sequence number for this session, starting
// at 1. Sequence 0 is reserved for the connect acknowledgement.
func (s *Session) NextSeq() uint64 {
	return s.seq.Add(1)
}

// Stats exposes the session counters.
func (s *Session) Stats() *Stats { return &s.stats }

// SetDocuments stores the grounding CV and JD texts for the answer agent.
func (s *Session) SetDocuments(cv, jd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cvText = cv
	s.jdText = jd
}

// Documents returns the stored CV and JD texts.
func (s *Session) Documents() (cv, jd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cvText, s.jdText
}

// SetMeta stores an arbitrary metadata value (model preferences, language).
func (s *Session) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
}

// Meta returns the metadata value for key, if present.
func (s *Session) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meta[key]
	return v, ok
}

// Reset restores the session to its initial state for reconnect reuse: the
// queue is drained, the decoder cache and counters are cleared, and, when
// clearHistory is set, the dialogue history and documents are dropped.
func (s *Session) Reset(clearHistory bool) {
	s.AudioQ.Drain()
	s.Cache.Reset()
	s.seq.Store(0)
	s.stats.reset()

	s.mu.Lock()
	s.meta = make(map[string]any)
	if clearHistory {
		s.cvText = ""
		s.jdText = ""
	}
	s.mu.Unlock()

	if clearHistory {
		s.History.Clear()
	}
}

// String implements fmt.Stringer for log output.
func (s *Session) String() string {
	return fmt.Sprintf("session %s/%s seq=%d queue=%d", s.SID, s.Source, s.seq.Load(), s.AudioQ.Len())
}

// StatsSnapshot is a point-in-time view of the session counters.
type StatsSnapshot struct {
	StartTime             time.Time `json:"start_time"`
	DurationSeconds       float64   `json:"duration_seconds"`
	AudioChunksReceived   int64     `json:"audio_chunks_received"`
	SegmentsProcessed     int64     `json:"segments_processed"`
	TranscriptsGenerated  int64     `json:"transcripts_generated"`
	TotalDurationMillis   int64     `json:"total_duration_ms"`
	QueueSize             int       `json:"queue_size"`
	ChatHistorySize       int       `json:"chat_history_size"`
}

// Stats tracks session counters with atomic increments.
type Stats struct {
	startUnixNano        atomic.Int64
	audioChunksReceived  atomic.Int64
	segmentsProcessed    atomic.Int64
	transcriptsGenerated atomic.Int64
	totalDurationMillis  atomic.Int64
}

func (st *Stats) start() { st.startUnixNano.Store(time.Now().UnixNano()) }

func (st *Stats) reset() {
	st.start()
	st.audioChunksReceived.Store(0)
	st.segmentsProcessed.Store(0)
	st.transcriptsGenerated.Store(0)
	st.totalDurationMillis.Store(0)
}

// AddChunk counts one received audio frame.
func (st *Stats) AddChunk() { st.audioChunksReceived.Add(1) }

// AddSegment counts one processed speech segment of the given duration.
func (st *Stats) AddSegment(d time.Duration) {
	st.segmentsProcessed.Add(1)
	st.totalDurationMillis.Add(d.Milliseconds())
}

// AddTranscript counts one emitted final transcript.
func (st *Stats) AddTranscript() { st.transcriptsGenerated.Add(1) }

// Snapshot returns the current counters together with queue and history
// occupancy taken from the owning session.
func (s *Session) Snapshot() StatsSnapshot {
	start := time.Unix(0, s.stats.startUnixNano.Load())
	return StatsSnapshot{
		StartTime:            start,
		DurationSeconds:      time.Since(start).Seconds(),
		AudioChunksReceived:  s.stats.audioChunksReceived.Load(),
		SegmentsProcessed:    s.stats.segmentsProcessed.Load(),
		TranscriptsGenerated: s.stats.transcriptsGenerated.Load(),
		TotalDurationMillis:  s.stats.totalDurationMillis.Load(),
		QueueSize:            s.AudioQ.Len(),
		ChatHistorySize:      s.History.Len(),
	}
}
