// Package app wires all candor subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithEngine, WithChatter). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/candor-ai/candor/internal/agent"
	"github.com/candor-ai/candor/internal/api"
	"github.com/candor-ai/candor/internal/config"
	"github.com/candor-ai/candor/internal/docstore"
	"github.com/candor-ai/candor/internal/gateway"
	"github.com/candor-ai/candor/internal/health"
	"github.com/candor-ai/candor/internal/llm"
	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/pipeline"
	"github.com/candor-ai/candor/internal/postprocess"
	"github.com/candor-ai/candor/internal/resilience"
	"github.com/candor-ai/candor/internal/session"
	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/asr/funasr"
	asrmock "github.com/candor-ai/candor/pkg/asr/mock"
	"github.com/candor-ai/candor/pkg/asr/whispercpp"
)

// App owns all subsystem lifetimes and serves the HTTP surface.
type App struct {
	cfg *config.Config

	registry *session.Registry
	store    docstore.Store
	engine   asr.Engine
	chatter  llm.Chatter
	breaker  *resilience.Breaker
	agent    *agent.Agent
	metrics  *observe.Metrics

	srv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a document store instead of creating one from config.
func WithStore(s docstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEngine injects a recognition engine instead of creating one from config.
func WithEngine(e asr.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithChatter injects a completion client instead of creating one from config.
func WithChatter(c llm.Chatter) Option {
	return func(a *App) { a.chatter = c }
}

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Document store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init docstore: %w", err)
	}

	// ── 3. Recognition engine ────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init asr: %w", err)
	}

	// ── 4. Completion client + agent ─────────────────────────────────────
	if err := a.initAgent(); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	// ── 5. Sessions ──────────────────────────────────────────────────────
	a.registry = session.NewRegistry(cfg.Session.Session(),
		session.WithClearHistoryOnReset(cfg.Session.ClearOnReset()))

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTelemetry sets up the OTel meter provider and the metric instruments.
func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "candor"})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})

	m, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// initStore connects Postgres and the optional Redis cache, falling back
// to the in-memory store when no DSN is configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Docstore.PostgresDSN
	if dsn == "" {
		slog.Warn("running with in-memory document store; transcripts do not survive restarts")
		a.store = docstore.NewMemory()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	pg := docstore.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	a.store = pg
	slog.Info("document store connected", "backend", "postgres")

	if addr := a.cfg.Docstore.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.cfg.Docstore.Redis.Password,
			DB:       a.cfg.Docstore.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)

		var cacheOpts []docstore.CacheOption
		if ttl := a.cfg.Docstore.Redis.TTL(); ttl > 0 {
			cacheOpts = append(cacheOpts, docstore.WithTTL(ttl))
		}
		a.store = docstore.NewRedisCache(pg, rdb, cacheOpts...)
		slog.Info("document cache enabled", "addr", addr)
	}
	return nil
}

// initEngine builds the configured recognition backend behind a worker
// pool that bounds concurrent recognitions across all sessions.
func (a *App) initEngine() error {
	if a.engine == nil {
		var (
			eng asr.Engine
			err error
		)
		switch a.cfg.ASR.Backend {
		case config.BackendWhisperCpp:
			eng, err = whispercpp.New(a.cfg.ASR.WhisperCpp.ModelPath,
				whisperOptions(a.cfg.ASR.WhisperCpp)...)
		case config.BackendMock:
			eng = &asrmock.Engine{}
		default:
			eng, err = funasr.New(a.cfg.ASR.FunASR.ServerURL,
				funasrOptions(a.cfg.ASR.FunASR)...)
		}
		if err != nil {
			return err
		}
		a.engine = eng
		slog.Info("recognition engine ready", "backend", a.cfg.ASR.Backend)
	}

	pool := asr.NewPool(a.engine, a.cfg.ASR.PoolWorkers)
	a.closers = append(a.closers, pool.Close)
	a.engine = pool
	return nil
}

func funasrOptions(cfg config.FunASRConfig) []funasr.Option {
	var opts []funasr.Option
	if cfg.Language != "" {
		opts = append(opts, funasr.WithLanguage(cfg.Language))
	}
	return opts
}

func whisperOptions(cfg config.WhisperCppConfig) []whispercpp.Option {
	var opts []whispercpp.Option
	if cfg.Language != "" {
		opts = append(opts, whispercpp.WithLanguage(cfg.Language))
	}
	return opts
}

// initAgent builds the completion client, wraps it in the circuit
// breaker, and constructs the answer agent on top.
func (a *App) initAgent() error {
	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "llm",
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		Cooldown:         a.cfg.Breaker.Cooldown(),
		ProbeBudget:      a.cfg.Breaker.ProbeBudget,
	})

	if a.chatter == nil {
		var opts []llm.Option
		if a.cfg.LLM.Temperature > 0 {
			opts = append(opts, llm.WithTemperature(a.cfg.LLM.Temperature))
		}
		if a.cfg.LLM.MaxTokens > 0 {
			opts = append(opts, llm.WithMaxTokens(a.cfg.LLM.MaxTokens))
		}
		if a.cfg.LLM.Concurrency > 0 {
			opts = append(opts, llm.WithConcurrency(int(a.cfg.LLM.Concurrency)))
		}
		opts = append(opts, llm.WithMetrics(a.metrics))
		a.chatter = llm.New(a.cfg.LLM.BaseURL, a.cfg.LLM.APIKey, a.cfg.LLM.Model, opts...)
	}
	a.chatter = resilience.NewGuardedChatter(a.chatter, a.breaker)

	agentOpts := []agent.Option{
		agent.WithModels(a.cfg.LLM.ModelBrief, a.cfg.LLM.ModelFull),
		agent.WithStore(a.store),
		agent.WithMetrics(a.metrics),
	}
	if d := a.cfg.Agent.Timeout(); d > 0 {
		agentOpts = append(agentOpts, agent.WithTimeout(d))
	}
	a.agent = agent.New(a.chatter, agentOpts...)
	return nil
}

// newPostprocessor maps the config block onto the transcript cleaner.
func newPostprocessor(cfg config.PostprocessConfig) *postprocess.Processor {
	opts := []postprocess.Option{
		postprocess.WithOralCleaning(cfg.OralCleaningOn()),
		postprocess.WithNumberNormalization(cfg.NumberNormalizationOn()),
		postprocess.WithRepeatRemoval(cfg.RepeatRemovalOn()),
		postprocess.WithPunctuationCorrection(cfg.PunctuationCorrectionOn()),
	}
	if cfg.MinSentenceLen > 0 {
		opts = append(opts, postprocess.WithMinSentenceLen(cfg.MinSentenceLen))
	}
	return postprocess.New(opts...)
}

// initHTTP assembles the route table and the server.
func (a *App) initHTTP() {
	post := newPostprocessor(a.cfg.Postprocess)

	audioCfg := gateway.AudioConfig{
		Pipeline: a.cfg.VAD.Pipeline(),
		Consumer: pipeline.ConsumerConfig{},
		GainDB:   a.cfg.VAD.InputGainDB,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws/audio/{sid}/{src}", gateway.NewAudioHandler(
		a.registry, a.engine, post, a.store, audioCfg, a.metrics))
	mux.Handle("GET /ws/agent/{sid}", gateway.NewAgentHandler(a.registry, a.agent, a.metrics))
	api.New(a.registry, a.agent, a.store).Register(mux)

	health.New(
		health.Probe{Name: "docstore", Check: a.store.Ping},
		health.Probe{Name: "llm", Check: a.probeLLM},
	).Register(mux)

	// The OTel Prometheus exporter feeds the default registry.
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8000"
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// probeLLM reports the circuit breaker state as endpoint readiness.
func (a *App) probeLLM(context.Context) error {
	if st := a.breaker.State(); st == resilience.Open {
		return fmt.Errorf("completion endpoint circuit is %s", st)
	}
	return nil
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the HTTP server and closes all subsystems in order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Handler exposes the assembled route table for tests.
func (a *App) Handler() http.Handler { return a.srv.Handler }
