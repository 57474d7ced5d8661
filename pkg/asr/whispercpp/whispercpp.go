// Package whispercpp implements the asr.Engine interface with the
// whisper.cpp CGO bindings, removing server round-trips entirely. The
// whisper.cpp static library (libwhisper.a) and headers must be available at
// link time via LIBRARY_PATH and C_INCLUDE_PATH.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/audio"
)

// Compile-time assertion that Engine satisfies asr.Engine.
var _ asr.Engine = (*Engine)(nil)

const defaultLanguage = "zh"

// silenceFloorDB is the full-scale RMS level below which a segment is
// treated as silent and not decoded.
const silenceFloorDB = -60.0

// Engine runs whisper.cpp inference in-process. The model is loaded once and
// shared by all sessions; each session's Cache holds its own whisper context,
// since contexts are not safe for concurrent use while the model is.
type Engine struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the BCP-47 language code for transcription. Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// New loads the whisper.cpp model from modelPath. The caller must Close the
// engine when done.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w", modelPath, err)
	}
	e := &Engine{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Recognize decodes the segment with a per-session whisper context. The
// context is kept in cache across partial recognitions and recreated after a
// cache reset. Whisper decodes the full segment each call, so streaming
// continuity comes from the pipeline re-sending the accumulated segment, not
// from incremental decoder state.
func (e *Engine) Recognize(ctx context.Context, pcm []int16, sampleRate int, cache *asr.Cache) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.model == nil {
		return "", asr.ErrEngineClosed
	}
	if len(pcm) == 0 {
		return "", nil
	}

	wctx, err := e.contextFor(cache)
	if err != nil {
		return "", err
	}

	// whisper.cpp expects 16 kHz float32 mono.
	if sampleRate != whisperlib.SampleRate {
		pcm = audio.ResampleMono(pcm, sampleRate, whisperlib.SampleRate)
	}
	samples := audio.Int16ToFloat32(pcm)

	// Whisper hallucinates text on empty audio; skip segments with no
	// usable signal instead of decoding them.
	if audio.DB(audio.RMSFloat(samples)) < silenceFloorDB {
		return "", nil
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// contextFor returns the session's whisper context, creating one when the
// cache is fresh.
func (e *Engine) contextFor(cache *asr.Cache) (whisperlib.Context, error) {
	if cache != nil {
		if wctx, ok := cache.Load().(whisperlib.Context); ok {
			return wctx, nil
		}
	}
	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whispercpp: failed to set language, using default", "language", e.language, "error", err)
	}
	if cache != nil {
		cache.Store(wctx)
	}
	return wctx, nil
}

// Close releases the whisper model.
func (e *Engine) Close() error {
	if e.model != nil {
		err := e.model.Close()
		e.model = nil
		return err
	}
	return nil
}
