// Package funasr implements the asr.Engine interface against a FunASR
// runtime server over HTTP. Audio is uploaded as a WAV attachment together
// with the serialized decoder cache; the server returns the recognized text
// and the updated cache blob, which is stored back into the session cache to
// keep streaming recognition continuous.
package funasr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/audio"
)

// Compile-time assertion that Engine satisfies asr.Engine.
var _ asr.Engine = (*Engine)(nil)

const (
	defaultLanguage = "zh"
	defaultTimeout  = 8 * time.Second

	bitsPerSample = 16
)

// Engine talks to a FunASR runtime server. Safe for concurrent use; each
// Recognize call is an independent HTTP request.
type Engine struct {
	serverURL string
	language  string
	client    *http.Client
	closed    chan struct{}
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the recognition language code. Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithHTTPClient replaces the HTTP client, e.g. to adjust timeouts or inject
// a test transport.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// New creates an Engine pointed at the FunASR runtime base URL, e.g.
// "http://localhost:10095".
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("funasr: serverURL must not be empty")
	}
	e := &Engine{
		serverURL: serverURL,
		language:  defaultLanguage,
		client:    &http.Client{Timeout: defaultTimeout},
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// recognizeResponse is the JSON body returned by the runtime.
type recognizeResponse struct {
	Text  string          `json:"text"`
	Cache json.RawMessage `json:"cache,omitempty"`
}

// Recognize uploads the PCM segment and the current decoder cache, returning
// the recognized text. The updated cache returned by the server replaces the
// session's cache state.
func (e *Engine) Recognize(ctx context.Context, pcm []int16, sampleRate int, cache *asr.Cache) (string, error) {
	select {
	case <-e.closed:
		return "", asr.ErrEngineClosed
	default:
	}
	if len(pcm) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("audio", "segment.wav")
	if err != nil {
		return "", fmt.Errorf("funasr: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(audio.Int16ToBytes(pcm), sampleRate, 1)); err != nil {
		return "", fmt.Errorf("funasr: write audio: %w", err)
	}
	if err := mw.WriteField("language", e.language); err != nil {
		return "", fmt.Errorf("funasr: write language field: %w", err)
	}
	if cache != nil {
		if raw, ok := cache.Load().(json.RawMessage); ok && len(raw) > 0 {
			if err := mw.WriteField("cache", string(raw)); err != nil {
				return "", fmt.Errorf("funasr: write cache field: %w", err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("funasr: close multipart writer: %w", err)
	}

	endpoint := e.serverURL + "/api/v1/asr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("funasr: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("funasr: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("funasr: server returned %d: %s", resp.StatusCode, snippet)
	}

	var result recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("funasr: decode response: %w", err)
	}

	if cache != nil && len(result.Cache) > 0 {
		cache.Store(result.Cache)
	}
	return result.Text, nil
}

// Close marks the engine closed. Subsequent Recognize calls fail with
// [asr.ErrEngineClosed].
func (e *Engine) Close() error {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
	return nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
