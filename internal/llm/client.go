package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/candor-ai/candor/internal/observe"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 800
	defaultConcurrency = 8
	defaultTimeout     = 120 * time.Second
	maxRetries         = 3

	// usageAlpha weights the exponential moving average of completion
	// tokens per model.
	usageAlpha = 0.3

	// simulatedWordPacing spaces out words when a non-streaming fallback
	// response is replayed as a stream.
	simulatedWordPacing = 20 * time.Millisecond
)

// Client talks to an OpenAI-compatible chat-completions endpoint. One
// Client is shared by all sessions; a semaphore bounds in-flight calls
// and the underlying http.Client keeps a connection pool.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int

	httpc   *http.Client
	sem     *semaphore.Weighted
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	usageEMA map[string]float64
}

var _ Chatter = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithConcurrency bounds the number of in-flight completions.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMetrics attaches call metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for the given endpoint. baseURL is the API root,
// e.g. "https://api.openai.com/v1"; the chat-completions path is
// appended. model is the default model id, overridable per request.
func New(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		httpc:       &http.Client{Timeout: defaultTimeout},
		sem:         semaphore.NewWeighted(defaultConcurrency),
		log:         slog.Default().With("component", "llm"),
		usageEMA:    make(map[string]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompletionEMA returns the moving average of completion tokens for
// model, or 0 when no completion has been observed yet.
func (c *Client) CompletionEMA(model string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usageEMA[model]
}

func (c *Client) recordUsage(model string, completionTokens int) {
	if completionTokens <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.usageEMA[model]
	if !ok {
		c.usageEMA[model] = float64(completionTokens)
		return
	}
	c.usageEMA[model] = usageAlpha*float64(completionTokens) + (1-usageAlpha)*prev
}

// attempt carries the mutable negotiation state across retries of one
// call.
type attempt struct {
	model       string
	messages    []Message
	stream      bool
	temperature *float64
	maxTokens   int

	useCompletionTokens bool
	omitTemperature     bool
}

// Chat sends req and returns a channel that emits chunks as they arrive.
// The channel is closed after the Done chunk. The initial error is
// non-nil only when the call cannot start (context cancelled while
// waiting for a slot).
func (c *Client) Chat(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("llm: acquire slot: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	att := &attempt{
		model:               model,
		messages:            req.Messages,
		stream:              req.Stream,
		maxTokens:           req.MaxTokens,
		useCompletionTokens: needsMaxCompletionTokens(model, c.baseURL),
		omitTemperature:     omitsTemperature(model),
	}
	if att.maxTokens <= 0 {
		att.maxTokens = c.predictedTokens(model)
	}
	if req.Temperature != nil {
		att.temperature = req.Temperature
	} else {
		t := c.temperature
		att.temperature = &t
	}

	out := make(chan Chunk, 16)
	go func() {
		defer c.sem.Release(1)
		defer close(out)
		c.run(ctx, att, out)
	}()
	return out, nil
}

// predictedTokens derives a token limit from observed usage, falling
// back to the configured default.
func (c *Client) predictedTokens(model string) int {
	ema := c.CompletionEMA(model)
	if ema <= 0 {
		return c.maxTokens
	}
	n := int(ema * 2)
	if n < c.maxTokens {
		return c.maxTokens
	}
	if n > 8192 {
		return 8192
	}
	return n
}

// run executes one completion with up to maxRetries adjusted reattempts.
// Retrying is only safe before any content reached the caller; after a
// partial stream an error is surfaced instead.
func (c *Client) run(ctx context.Context, att *attempt, out chan<- Chunk) {
	start := time.Now()
	var lastErr error

	for try := 0; try <= maxRetries; try++ {
		emitted, err := c.attemptOnce(ctx, att, out)
		if err == nil {
			if c.metrics != nil {
				c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
					metric.WithAttributes(attribute.String("model", att.model)))
			}
			return
		}
		lastErr = err
		if emitted || ctx.Err() != nil || try == maxRetries {
			break
		}

		class := classifyAttemptError(err)
		if class == retryNone {
			break
		}
		c.log.Warn("llm call failed, retrying", "reason", string(class),
			"attempt", try+1, "model", att.model, "error", err)
		if c.metrics != nil {
			c.metrics.RecordLLMRetry(ctx, string(class))
		}

		switch class {
		case retryStreamUnsupported:
			att.stream = false
		case retryTempUnsupported:
			att.omitTemperature = true
		case retryMaxTokensParam:
			att.useCompletionTokens = true
		case retryLengthLimit:
			var le *lengthLimitError
			reasoning := false
			if asLengthLimit(err, &le) {
				reasoning = le.reasoningHeavy
			}
			att.maxTokens = grownTokenLimit(att.maxTokens, reasoning)
		case retryNetwork:
			backoff := time.Duration(1<<uint(try)) * time.Second
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}

	msg := "生成回答时出现错误，请重试。"
	if lastErr != nil {
		c.log.Error("llm call failed", "model", att.model, "error", lastErr)
	}
	out <- Chunk{Content: msg, Done: true, Err: lastErr}
}

// attemptOnce performs a single HTTP call. It reports whether any
// content chunk was delivered before the error, which makes the failure
// non-retryable.
func (c *Client) attemptOnce(ctx context.Context, att *attempt, out chan<- Chunk) (emitted bool, err error) {
	body, err := json.Marshal(att.payload())
	if err != nil {
		return false, fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return false, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return false, &apiError{status: resp.StatusCode, message: extractErrorMessage(raw)}
	}

	if att.stream {
		return c.consumeStream(ctx, att, resp.Body, out)
	}
	return c.consumeComplete(ctx, att, resp.Body, out)
}

// payload builds the wire request for the current negotiation state.
func (a *attempt) payload() map[string]any {
	p := map[string]any{
		"model":    a.model,
		"messages": a.messages,
		"stream":   a.stream,
	}
	if !a.omitTemperature && a.temperature != nil {
		p["temperature"] = *a.temperature
	}
	if a.useCompletionTokens {
		p["max_completion_tokens"] = a.maxTokens
	} else {
		p["max_tokens"] = a.maxTokens
	}
	return p
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// consumeStream relays SSE deltas until the provider signals completion.
func (c *Client) consumeStream(ctx context.Context, att *attempt, body io.Reader, out chan<- Chunk) (bool, error) {
	emitted := false
	finishReason := ""
	var usage *Usage
	callStart := time.Now()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var delta streamDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			continue
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content == "" {
			continue
		}
		if !emitted {
			emitted = true
			if c.metrics != nil {
				c.metrics.LLMFirstToken.Record(ctx, time.Since(callStart).Seconds(),
					metric.WithAttributes(attribute.String("model", att.model)))
			}
		}
		select {
		case out <- Chunk{Content: choice.Delta.Content}:
		case <-ctx.Done():
			return emitted, ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return emitted, &transportError{err: err}
	}

	if !emitted {
		if finishReason == "length" {
			return false, &lengthLimitError{limit: att.maxTokens, reasoningHeavy: usageIsReasoningHeavy(usage)}
		}
		return false, ErrNoChoices
	}
	if usage != nil {
		c.recordUsage(att.model, usage.CompletionTokens)
	}
	out <- Chunk{Done: true, Usage: usage}
	return true, nil
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// consumeComplete handles the non-streaming fallback: the full answer is
// replayed word by word so downstream adapters keep their streaming UX.
func (c *Client) consumeComplete(ctx context.Context, att *attempt, body io.Reader, out chan<- Chunk) (bool, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		return false, &transportError{err: err}
	}
	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return false, ErrNoChoices
	}
	choice := resp.Choices[0]
	if choice.Message.Content == "" {
		if choice.FinishReason == "length" {
			return false, &lengthLimitError{limit: att.maxTokens, reasoningHeavy: usageIsReasoningHeavy(resp.Usage)}
		}
		return false, ErrNoChoices
	}

	if c.metrics != nil {
		c.metrics.LLMFirstToken.Record(ctx, 0,
			metric.WithAttributes(attribute.String("model", att.model)))
	}
	emitted := false
	for _, word := range splitForPacing(choice.Message.Content) {
		select {
		case out <- Chunk{Content: word}:
			emitted = true
		case <-ctx.Done():
			return emitted, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case <-time.After(simulatedWordPacing):
		}
	}
	if resp.Usage != nil {
		c.recordUsage(att.model, resp.Usage.CompletionTokens)
	}
	out <- Chunk{Done: true, Usage: resp.Usage}
	return true, nil
}

// usageIsReasoningHeavy reports whether the completion burned most of its
// tokens without producing visible text, which o-series models do when
// the limit is too tight for their reasoning phase.
func usageIsReasoningHeavy(u *Usage) bool {
	return u != nil && u.CompletionTokens > 0
}

// splitForPacing breaks text into pieces for the simulated stream. Latin
// text splits on spaces; CJK text, which has none, goes out in short rune
// runs.
func splitForPacing(text string) []string {
	if strings.ContainsRune(text, ' ') {
		fields := strings.SplitAfter(text, " ")
		return fields
	}
	const runLen = 4
	runes := []rune(text)
	var parts []string
	for i := 0; i < len(runes); i += runLen {
		end := i + runLen
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

// extractErrorMessage pulls the human-readable message out of an error
// body, tolerating both {"error":{"message":…}} and bare-string shapes.
func extractErrorMessage(raw []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	var flat struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && flat.Message != "" {
		return flat.Message
	}
	return strings.TrimSpace(string(raw))
}
