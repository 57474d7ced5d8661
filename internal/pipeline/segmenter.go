// Package pipeline turns the per-session stream of PCM frames into partial
// and final transcript events. The Segmenter runs a three-phase endpoint
// state machine (pre-roll, active speech, end silence) over an adaptive
// energy gate, drives the streaming recognizer with the session's decoder
// cache, and post-processes and deduplicates finals. The Consumer drains the
// session's bounded audio queue and feeds the Segmenter.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/postprocess"
	"github.com/candor-ai/candor/internal/session"
	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/audio"
)

// Config carries the endpointing and emission tunables.
type Config struct {
	// PreSpeechPadding is how much audio before speech onset is kept.
	PreSpeechPadding time.Duration
	// EndSilence is the trailing-silence duration that closes a segment.
	EndSilence time.Duration
	// MaxSegment force-splits a segment that has run this long.
	MaxSegment time.Duration
	// PartialInterval is the minimum spacing between partial emissions.
	PartialInterval time.Duration
	// PartialTimeout bounds a single partial recognition.
	PartialTimeout time.Duration

	// NoiseDecay is the EMA coefficient for the noise-floor estimate.
	NoiseDecay float64
	// NoiseInit seeds the noise floor (float-domain RMS).
	NoiseInit float64
	// EnergyMultiplier scales the noise floor into the voice threshold.
	EnergyMultiplier float64
	// MinThreshold is the floor of the voice threshold.
	MinThreshold float64

	// DuplicateWindow is how long a final suppresses near-duplicate finals.
	DuplicateWindow time.Duration

	// Denoise enables the spectral denoiser on inbound frames.
	Denoise bool
}

// Defaults returns the production tuning.
func Defaults() Config {
	return Config{
		PreSpeechPadding: 150 * time.Millisecond,
		EndSilence:       1200 * time.Millisecond,
		MaxSegment:       10 * time.Second,
		PartialInterval:  400 * time.Millisecond,
		PartialTimeout:   1500 * time.Millisecond,
		NoiseDecay:       0.997,
		NoiseInit:        0.0006,
		EnergyMultiplier: 2.5,
		MinThreshold:     0.008,
		DuplicateWindow:  2 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := Defaults()
	if c.PreSpeechPadding <= 0 {
		c.PreSpeechPadding = d.PreSpeechPadding
	}
	if c.EndSilence <= 0 {
		c.EndSilence = d.EndSilence
	}
	if c.MaxSegment <= 0 {
		c.MaxSegment = d.MaxSegment
	}
	if c.PartialInterval <= 0 {
		c.PartialInterval = d.PartialInterval
	}
	if c.PartialTimeout <= 0 {
		c.PartialTimeout = d.PartialTimeout
	}
	if c.NoiseDecay <= 0 {
		c.NoiseDecay = d.NoiseDecay
	}
	if c.NoiseInit <= 0 {
		c.NoiseInit = d.NoiseInit
	}
	if c.EnergyMultiplier <= 0 {
		c.EnergyMultiplier = d.EnergyMultiplier
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
}

// Callbacks receive transcript events. Either may be nil.
type Callbacks struct {
	// OnPartial delivers an interim transcript for the open segment.
	OnPartial func(text string, ts time.Time)
	// OnFinal delivers a post-processed final transcript with the segment's
	// wall-clock bounds.
	OnFinal func(text string, start, end time.Time)
}

// Segmenter is the per-session endpointing state machine. It is driven by a
// single goroutine (the session's Consumer); none of its state is shared.
type Segmenter struct {
	cfg    Config
	engine asr.Engine
	post   *postprocess.Processor
	sess   *session.Session
	log    *slog.Logger
	now    func() time.Time

	metrics  *observe.Metrics
	denoiser *audio.Denoiser

	// endpoint state
	inSpeech    bool
	noise       float64
	lastActive  time.Time
	speechStart time.Time
	segmentBuf  [][]int16
	speechBuf   [][]int16

	// emission state
	lastPartial     string
	lastPartialTime time.Time
	dedup           dedupState
}

// Option is a functional option for configuring a Segmenter.
type Option func(*Segmenter)

// WithClock replaces the wall clock, for deterministic endpoint tests.
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// WithMetrics wires recognition latency and transcript counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default with session fields.
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) { s.log = l }
}

// NewSegmenter builds a Segmenter for one session.
func NewSegmenter(sess *session.Session, engine asr.Engine, post *postprocess.Processor, cfg Config, opts ...Option) *Segmenter {
	cfg.applyDefaults()
	s := &Segmenter{
		cfg:    cfg,
		engine: engine,
		post:   post,
		sess:   sess,
		now:    time.Now,
		noise:  cfg.NoiseInit,
	}
	if cfg.Denoise {
		s.denoiser = audio.NewDenoiser()
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default().With("session_id", sess.SID, "source", string(sess.Source))
	}
	s.lastActive = s.now()
	return s
}

// ProcessFrame advances the state machine by one PCM frame.
func (s *Segmenter) ProcessFrame(ctx context.Context, frame []int16, cb Callbacks) {
	s.sess.Stats().AddChunk()

	if s.denoiser != nil {
		if clean, err := s.denoiser.Process(frame); err == nil {
			frame = clean
		}
	}

	rms := audio.RMS(frame)
	s.noise = s.cfg.NoiseDecay*s.noise + (1-s.cfg.NoiseDecay)*rms

	threshold := s.noise * s.cfg.EnergyMultiplier
	if threshold < s.cfg.MinThreshold {
		threshold = s.cfg.MinThreshold
	}
	// Hysteresis: once in speech, a lower bar avoids truncating soft tails.
	voiced := rms > threshold
	if s.inSpeech {
		voiced = rms > 0.7*threshold
	}

	now := s.now()

	if voiced {
		s.lastActive = now
		if !s.inSpeech {
			s.inSpeech = true
			s.speechStart = now.Add(-s.cfg.PreSpeechPadding)
			s.speechBuf = s.segmentBuf
			s.segmentBuf = nil
		}
		s.segmentBuf = append(s.segmentBuf, frame)

		if now.Sub(s.speechStart) >= s.cfg.MaxSegment {
			s.log.Warn("segment reached max length, forcing split", "max", s.cfg.MaxSegment)
			s.closeSegment(ctx, cb, true)
			return
		}
		if cb.OnPartial != nil && now.Sub(s.lastPartialTime) >= s.cfg.PartialInterval {
			s.emitPartial(ctx, cb)
			s.lastPartialTime = now
		}
		return
	}

	// Unvoiced frame. It belongs to the open segment either way: as part
	// of the end-silence tail when the segment closes now, or as a pause
	// the speaker may resume over.
	if s.inSpeech {
		s.segmentBuf = append(s.segmentBuf, frame)
		if now.Sub(s.lastActive) >= s.cfg.EndSilence {
			s.closeSegment(ctx, cb, true)
		}
		return
	}

	// Idle: keep a rolling pre-roll of at most PreSpeechPadding audio.
	s.segmentBuf = append(s.segmentBuf, frame)
	for s.bufferDuration(s.segmentBuf) > s.cfg.PreSpeechPadding && len(s.segmentBuf) > 1 {
		s.segmentBuf = s.segmentBuf[1:]
	}
}

// Flush closes any open segment, emitting its final. Called on shutdown.
func (s *Segmenter) Flush(ctx context.Context, cb Callbacks) {
	if s.inSpeech && len(s.segmentBuf) > 0 {
		s.closeSegment(ctx, cb, false)
	}
}

// Reset returns the state machine to idle, dropping buffered audio.
func (s *Segmenter) Reset() {
	s.inSpeech = false
	s.segmentBuf = nil
	s.speechBuf = nil
	s.noise = s.cfg.NoiseInit
	s.lastActive = s.now()
	s.lastPartial = ""
	s.lastPartialTime = time.Time{}
	s.sess.Cache.Reset()
}

// emitPartial recognizes the open segment with streaming cache continuity and
// emits the cleaned text if it changed. Best effort: failures are logged and
// the session continues.
func (s *Segmenter) emitPartial(ctx context.Context, cb Callbacks) {
	if len(s.segmentBuf) == 0 {
		return
	}
	segment := concat(s.segmentBuf)

	rctx, cancel := context.WithTimeout(ctx, s.cfg.PartialTimeout)
	defer cancel()

	started := time.Now()
	raw, err := s.engine.Recognize(rctx, segment, s.sess.SR, s.sess.Cache)
	if s.metrics != nil {
		s.metrics.RecordASR(ctx, time.Since(started).Seconds(), "partial")
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordASRError(ctx, "partial")
		}
		s.log.Debug("partial recognition failed", "error", err)
		return
	}

	text := s.post.CleanPartial(raw)
	if text == "" || text == s.lastPartial {
		return
	}
	s.lastPartial = text
	if s.metrics != nil {
		s.metrics.RecordTranscript(ctx, "partial")
	}
	cb.OnPartial(text, s.now())
}

// closeSegment runs the final recognition over pre-roll plus segment audio,
// post-processes, deduplicates, emits, and resets the endpoint state.
func (s *Segmenter) closeSegment(ctx context.Context, cb Callbacks, trailingSilence bool) {
	all := append(append([][]int16{}, s.speechBuf...), s.segmentBuf...)
	segment := concat(all)

	start := s.speechStart
	end := s.now()
	if start.IsZero() {
		start = end
	}

	// Reset endpoint state before the (slow) recognition so the next frame
	// stream is judged fresh.
	s.inSpeech = false
	s.segmentBuf = nil
	s.speechBuf = nil
	s.speechStart = time.Time{}
	s.lastActive = end
	s.lastPartial = ""

	if len(segment) == 0 {
		return
	}

	duration := time.Duration(len(segment)) * time.Second / time.Duration(s.sess.SR)
	s.sess.Stats().AddSegment(duration)

	// New utterance: the decoder starts from scratch on the full segment.
	s.sess.Cache.Reset()

	timeout := 2 * duration
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if timeout > 6*time.Second {
		timeout = 6 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	raw, err := s.engine.Recognize(rctx, segment, s.sess.SR, s.sess.Cache)
	if s.metrics != nil {
		s.metrics.RecordASR(ctx, time.Since(started).Seconds(), "final")
	}
	if err != nil {
		// Timed-out or failed segments are dropped, not retried.
		if s.metrics != nil {
			s.metrics.RecordASRError(ctx, "final")
		}
		s.log.Error("final recognition failed, dropping segment",
			"error", err, "segment_duration", duration)
		return
	}

	text := s.post.Process(raw, trailingSilence)
	if text == "" {
		return
	}
	if s.dedup.isDuplicate(text, end, s.cfg.DuplicateWindow) {
		s.log.Debug("suppressed duplicate final", "text", text)
		return
	}
	s.dedup.record(text, end)

	s.sess.Stats().AddTranscript()
	if s.metrics != nil {
		s.metrics.RecordTranscript(ctx, "final")
	}
	if cb.OnFinal != nil {
		cb.OnFinal(text, start, end)
	}
}

// bufferDuration sums the audio duration of buffered frames.
func (s *Segmenter) bufferDuration(frames [][]int16) time.Duration {
	var samples int
	for _, f := range frames {
		samples += len(f)
	}
	return time.Duration(samples) * time.Second / time.Duration(s.sess.SR)
}

func concat(frames [][]int16) []int16 {
	var n int
	for _, f := range frames {
		n += len(f)
	}
	out := make([]int16, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
