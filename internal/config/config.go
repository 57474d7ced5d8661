// Package config provides the configuration schema and loader for the
// candor server.
package config

import (
	"time"

	"github.com/candor-ai/candor/internal/pipeline"
	"github.com/candor-ai/candor/internal/session"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the speech recognition engine.
type Backend string

const (
	// BackendFunASR recognises through a FunASR HTTP endpoint.
	BackendFunASR Backend = "funasr"

	// BackendWhisperCpp recognises in-process through whisper.cpp.
	BackendWhisperCpp Backend = "whispercpp"

	// BackendMock replays scripted transcripts; for development only.
	BackendMock Backend = "mock"
)

// IsValid reports whether b is a recognised recognition backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendFunASR, BackendWhisperCpp, BackendMock:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from
// a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	ASR         ASRConfig         `yaml:"asr"`
	VAD         VADConfig         `yaml:"vad"`
	Session     SessionConfig     `yaml:"session"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	LLM         LLMConfig         `yaml:"llm"`
	Agent       AgentConfig       `yaml:"agent"`
	Docstore    DocstoreConfig    `yaml:"docstore"`
	Breaker     BreakerConfig     `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ASRConfig selects and configures the recognition engine.
type ASRConfig struct {
	// Backend picks the engine implementation.
	Backend Backend `yaml:"backend"`

	// PoolWorkers bounds concurrent recognitions across all sessions.
	// Zero means the pool default.
	PoolWorkers int64 `yaml:"pool_workers"`

	FunASR     FunASRConfig     `yaml:"funasr"`
	WhisperCpp WhisperCppConfig `yaml:"whispercpp"`
}

// FunASRConfig points at a FunASR runtime endpoint.
type FunASRConfig struct {
	// ServerURL is the base URL of the FunASR HTTP service.
	ServerURL string `yaml:"server_url"`

	// Language hints the recognition language (e.g., "zh").
	Language string `yaml:"language"`
}

// WhisperCppConfig configures the in-process whisper.cpp engine.
type WhisperCppConfig struct {
	// ModelPath is the GGML model file to load.
	ModelPath string `yaml:"model_path"`

	// Language hints the recognition language (e.g., "zh").
	Language string `yaml:"language"`
}

// VADConfig tunes endpoint detection. Durations are milliseconds; zero
// values fall back to the pipeline defaults.
type VADConfig struct {
	PreSpeechPaddingMs int `yaml:"pre_speech_padding_ms"`
	EndSilenceMs       int `yaml:"end_silence_ms"`
	MaxSegmentMs       int `yaml:"max_segment_ms"`
	PartialIntervalMs  int `yaml:"partial_interval_ms"`
	PartialTimeoutMs   int `yaml:"partial_timeout_ms"`

	NoiseDecay       float64 `yaml:"noise_decay"`
	NoiseInit        float64 `yaml:"noise_init"`
	EnergyMultiplier float64 `yaml:"energy_multiplier"`
	MinThreshold     float64 `yaml:"min_threshold"`

	DuplicateWindowMs int  `yaml:"duplicate_window_ms"`
	Denoise           bool `yaml:"denoise"`

	// InputGainDB applies a fixed gain to inbound PCM before endpoint
	// detection, for quiet capture devices. Zero leaves the signal
	// untouched.
	InputGainDB float64 `yaml:"input_gain_db"`
}

// Pipeline converts the YAML tuning into the pipeline configuration.
func (v VADConfig) Pipeline() pipeline.Config {
	cfg := pipeline.Defaults()
	if v.PreSpeechPaddingMs > 0 {
		cfg.PreSpeechPadding = time.Duration(v.PreSpeechPaddingMs) * time.Millisecond
	}
	if v.EndSilenceMs > 0 {
		cfg.EndSilence = time.Duration(v.EndSilenceMs) * time.Millisecond
	}
	if v.MaxSegmentMs > 0 {
		cfg.MaxSegment = time.Duration(v.MaxSegmentMs) * time.Millisecond
	}
	if v.PartialIntervalMs > 0 {
		cfg.PartialInterval = time.Duration(v.PartialIntervalMs) * time.Millisecond
	}
	if v.PartialTimeoutMs > 0 {
		cfg.PartialTimeout = time.Duration(v.PartialTimeoutMs) * time.Millisecond
	}
	if v.NoiseDecay > 0 {
		cfg.NoiseDecay = v.NoiseDecay
	}
	if v.NoiseInit > 0 {
		cfg.NoiseInit = v.NoiseInit
	}
	if v.EnergyMultiplier > 0 {
		cfg.EnergyMultiplier = v.EnergyMultiplier
	}
	if v.MinThreshold > 0 {
		cfg.MinThreshold = v.MinThreshold
	}
	if v.DuplicateWindowMs > 0 {
		cfg.DuplicateWindow = time.Duration(v.DuplicateWindowMs) * time.Millisecond
	}
	cfg.Denoise = v.Denoise
	return cfg
}

// SessionConfig tunes per-session state.
type SessionConfig struct {
	// SampleRate of the inbound PCM in Hz.
	SampleRate int `yaml:"sample_rate"`

	// QueueCap bounds the per-session audio frame queue.
	QueueCap int `yaml:"queue_cap"`

	// HistoryMax bounds the dialogue history.
	HistoryMax int `yaml:"history_max"`

	// ClearHistoryOnReset wipes dialogue history when a session
	// reconnects. Defaults to true when unset.
	ClearHistoryOnReset *bool `yaml:"clear_history_on_reset"`
}

// Session converts the YAML block into session tunables.
func (s SessionConfig) Session() session.Config {
	return session.Config{
		SampleRate: s.SampleRate,
		QueueCap:   s.QueueCap,
		HistoryMax: s.HistoryMax,
	}
}

// ClearOnReset resolves the reconnect policy.
func (s SessionConfig) ClearOnReset() bool {
	if s.ClearHistoryOnReset == nil {
		return true
	}
	return *s.ClearHistoryOnReset
}

// PostprocessConfig toggles the transcript cleanup stages. Nil pointers
// mean enabled.
type PostprocessConfig struct {
	OralCleaning          *bool `yaml:"oral_cleaning"`
	NumberNormalization   *bool `yaml:"number_normalization"`
	RepeatRemoval         *bool `yaml:"repeat_removal"`
	PunctuationCorrection *bool `yaml:"punctuation_correction"`

	// MinSentenceLen drops finals shorter than this many runes. Zero
	// keeps the processor default.
	MinSentenceLen int `yaml:"min_sentence_len"`
}

// Enabled resolves a stage toggle, defaulting to on.
func enabled(p *bool) bool { return p == nil || *p }

// OralCleaningOn reports whether filler-word removal is active.
func (p PostprocessConfig) OralCleaningOn() bool { return enabled(p.OralCleaning) }

// NumberNormalizationOn reports whether digit normalization is active.
func (p PostprocessConfig) NumberNormalizationOn() bool { return enabled(p.NumberNormalization) }

// RepeatRemovalOn reports whether stutter collapse is active.
func (p PostprocessConfig) RepeatRemovalOn() bool { return enabled(p.RepeatRemoval) }

// PunctuationCorrectionOn reports whether punctuation repair is active.
func (p PostprocessConfig) PunctuationCorrectionOn() bool { return enabled(p.PunctuationCorrection) }

// LLMConfig configures the completion endpoint used by the answer agent.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API root.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key"`

	// Model is the default model id.
	Model string `yaml:"model"`

	// ModelBrief and ModelFull override the model per answer mode.
	// Empty values fall back to Model.
	ModelBrief string `yaml:"model_brief"`
	ModelFull  string `yaml:"model_full"`

	// Temperature for sampling. Zero keeps the client default; some
	// model families ignore it entirely.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens is the initial completion budget. Zero keeps the client
	// default.
	MaxTokens int `yaml:"max_tokens"`

	// Concurrency bounds in-flight completions. Zero keeps the client
	// default.
	Concurrency int64 `yaml:"concurrency"`
}

// AgentConfig tunes answer generation.
type AgentConfig struct {
	// TimeoutSeconds bounds one answer generation end to end. Zero keeps
	// the agent default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout resolves the configured generation deadline.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DocstoreConfig configures transcript and document persistence. An empty
// PostgresDSN runs the server with the in-memory store.
type DocstoreConfig struct {
	// PostgresDSN is the pgx connection string.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Redis enables the read-through cache in front of Postgres.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig points at the cache instance.
type RedisConfig struct {
	// Addr is host:port; empty disables the cache.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTLMinutes bounds cache entry lifetime. Zero keeps the cache
	// default.
	TTLMinutes int `yaml:"ttl_minutes"`
}

// TTL resolves the configured cache lifetime.
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLMinutes) * time.Minute
}

// BreakerConfig tunes the circuit breaker guarding the LLM endpoint.
// Zero values keep the breaker defaults.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
	ProbeBudget      int `yaml:"probe_budget"`
}

// Cooldown resolves the configured open-state duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}
