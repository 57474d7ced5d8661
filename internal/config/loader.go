package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Recognition backend
	if cfg.ASR.Backend != "" && !cfg.ASR.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("asr.backend %q is invalid; valid values: funasr, whispercpp, mock", cfg.ASR.Backend))
	}
	switch cfg.ASR.Backend {
	case BackendFunASR:
		if cfg.ASR.FunASR.ServerURL == "" {
			errs = append(errs, errors.New("asr.funasr.server_url is required when asr.backend is funasr"))
		}
	case BackendWhisperCpp:
		if cfg.ASR.WhisperCpp.ModelPath == "" {
			errs = append(errs, errors.New("asr.whispercpp.model_path is required when asr.backend is whispercpp"))
		}
	case BackendMock:
		slog.Warn("asr.backend is mock; transcripts will be scripted, not recognised")
	}
	if cfg.ASR.PoolWorkers < 0 {
		errs = append(errs, fmt.Errorf("asr.pool_workers %d must not be negative", cfg.ASR.PoolWorkers))
	}

	// Endpoint detection
	if cfg.VAD.NoiseDecay < 0 || cfg.VAD.NoiseDecay >= 1 {
		errs = append(errs, fmt.Errorf("vad.noise_decay %.3f is out of range [0, 1)", cfg.VAD.NoiseDecay))
	}
	if cfg.VAD.EnergyMultiplier < 0 {
		errs = append(errs, fmt.Errorf("vad.energy_multiplier %.2f must not be negative", cfg.VAD.EnergyMultiplier))
	}
	if cfg.VAD.EndSilenceMs < 0 || cfg.VAD.MaxSegmentMs < 0 || cfg.VAD.PartialIntervalMs < 0 {
		errs = append(errs, errors.New("vad durations must not be negative"))
	}

	// LLM endpoint
	if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required"))
	}
	if cfg.LLM.Model == "" && cfg.LLM.ModelBrief == "" && cfg.LLM.ModelFull == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.APIKey == "" {
		slog.Warn("llm.api_key is empty; the completion endpoint may reject requests")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("llm.concurrency %d must not be negative", cfg.LLM.Concurrency))
	}

	// Persistence
	if cfg.Docstore.PostgresDSN == "" {
		slog.Warn("docstore.postgres_dsn is empty; transcripts and documents are kept in memory only")
		if cfg.Docstore.Redis.Addr != "" {
			slog.Warn("docstore.redis is configured without postgres; the cache has nothing to front and is ignored")
		}
	}
	if cfg.Docstore.Redis.TTLMinutes < 0 {
		errs = append(errs, fmt.Errorf("docstore.redis.ttl_minutes %d must not be negative", cfg.Docstore.Redis.TTLMinutes))
	}

	// Breaker
	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.CooldownSeconds < 0 || cfg.Breaker.ProbeBudget < 0 {
		errs = append(errs, errors.New("breaker values must not be negative"))
	}

	return errors.Join(errs...)
}
