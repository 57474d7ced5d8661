package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/candor-ai/candor/internal/docstore"
	"github.com/candor-ai/candor/internal/observe"
	"github.com/candor-ai/candor/internal/pipeline"
	"github.com/candor-ai/candor/internal/postprocess"
	"github.com/candor-ai/candor/internal/session"
	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/audio"
)

// saveTimeout bounds the best-effort transcript persistence per final.
const saveTimeout = 3 * time.Second

// AudioConfig carries the pipeline tuning for audio connections.
type AudioConfig struct {
	Pipeline pipeline.Config
	Consumer pipeline.ConsumerConfig

	// GainDB is a fixed gain applied to inbound PCM before it enters the
	// pipeline. Zero applies no gain.
	GainDB float64
}

// AudioHandler serves /ws/audio/{sid}/{src}. Each connection owns one
// session: a receiver loop pushes decoded frames into the session queue
// and a consumer goroutine drains it through the segmenter, emitting
// partial and final transcript events back over the socket.
type AudioHandler struct {
	registry *session.Registry
	engine   asr.Engine
	post     *postprocess.Processor
	store    docstore.Store
	cfg      AudioConfig
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewAudioHandler builds the audio socket handler. store may be nil to
// disable transcript persistence.
func NewAudioHandler(registry *session.Registry, engine asr.Engine, post *postprocess.Processor, store docstore.Store, cfg AudioConfig, metrics *observe.Metrics) *AudioHandler {
	return &AudioHandler{
		registry: registry,
		engine:   engine,
		post:     post,
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		log:      slog.Default().With("component", "gateway.audio"),
	}
}

// wsWriter serializes writes to one socket. The consumer goroutine and
// the receiver loop both emit events.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeJSON(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, raw)
}

// ServeHTTP upgrades the connection and runs the receive loop until the
// client disconnects or sends a stop control.
func (h *AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	src := session.Source(r.PathValue("src"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	if sid == "" || !src.IsValid() {
		conn.Close(websocket.StatusPolicyViolation, "invalid session id or source")
		return
	}

	log := h.log.With("session_id", sid, "source", string(src))
	sess := h.registry.Acquire(sid, src)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Writes survive read-loop cancellation so the flush final emitted
	// during shutdown still reaches a live client.
	wctx := context.WithoutCancel(ctx)

	if h.metrics != nil {
		h.metrics.ActiveSessions.Add(ctx, 1)
		defer h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	writer := &wsWriter{conn: conn}
	if err := writer.writeJSON(wctx, newInfo(0, "connected")); err != nil {
		log.Warn("connect ack failed", "error", err)
		conn.Close(websocket.StatusInternalError, "write failed")
		return
	}

	seg := pipeline.NewSegmenter(sess, h.engine, h.post, h.cfg.Pipeline,
		pipeline.WithMetrics(h.metrics))
	consumer := pipeline.NewConsumer(sess, seg, h.cfg.Consumer, h.metrics)

	cb := pipeline.Callbacks{
		OnPartial: func(text string, ts time.Time) {
			ev := newPartial(sess.NextSeq(), text, ts)
			if err := writer.writeJSON(wctx, ev); err != nil {
				log.Debug("partial write failed", "error", err)
			}
		},
		OnFinal: func(text string, start, end time.Time) {
			h.handleFinal(wctx, writer, sess, text, start, end, log)
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(ctx, cb); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("consumer stopped", "error", err)
		}
	}()

	log.Info("audio session connected")
	closeStatus := h.receive(ctx, wctx, conn, writer, sess, log)

	// Stop the consumer; Run flushes any open segment before returning,
	// and the flush final still goes out if the socket survives.
	cancel()
	wg.Wait()
	conn.Close(closeStatus, "")
	h.registry.Remove(sess.SID, sess.Source)
	log.Info("audio session closed")
}

// receive runs the read loop. Reads are bound to ctx; event writes use
// wctx. The returned status is used to close the socket.
func (h *AudioHandler) receive(ctx, wctx context.Context, conn *websocket.Conn, writer *wsWriter, sess *session.Session, log *slog.Logger) websocket.StatusCode {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return websocket.StatusNormalClosure
			}
			log.Debug("read ended", "error", err)
			return websocket.StatusNormalClosure
		}

		switch typ {
		case websocket.MessageBinary:
			h.ingest(ctx, sess, data, log)
		case websocket.MessageText:
			var c control
			if err := json.Unmarshal(data, &c); err != nil {
				writer.writeJSON(wctx, newError(sess.NextSeq(), "malformed control message"))
				continue
			}
			switch c.Type {
			case controlStartSystemAudio:
				sess.SetMeta("system_audio", true)
				writer.writeJSON(wctx, newInfo(sess.NextSeq(), "system audio started"))
			case controlStopSystemAudio:
				sess.SetMeta("system_audio", false)
				writer.writeJSON(wctx, newInfo(sess.NextSeq(), "system audio stopped"))
			case controlStop:
				return websocket.StatusNormalClosure
			default:
				writer.writeJSON(wctx, newError(sess.NextSeq(), "unknown control: "+c.Type))
			}
		}
	}
}

// ingest decodes one binary chunk and enqueues it, shedding the oldest
// frames when the queue is full.
func (h *AudioHandler) ingest(ctx context.Context, sess *session.Session, data []byte, log *slog.Logger) {
	pcm, header := decodeFrame(data)
	if len(pcm) == 0 {
		return
	}
	pcm = normalizePCM(pcm, header, sess.SR)
	if h.cfg.GainDB != 0 {
		pcm = audio.ApplyGainDB(pcm, h.cfg.GainDB)
	}

	if dropped := sess.AudioQ.Push(pcm); dropped > 0 {
		log.Warn("audio queue full, dropped oldest frames", "dropped", dropped)
		if h.metrics != nil {
			h.metrics.RecordFramesDropped(ctx, int64(dropped), "enqueue")
		}
	}
}

// handleFinal emits the final event, records the utterance in dialogue
// history and persists it best-effort.
func (h *AudioHandler) handleFinal(ctx context.Context, writer *wsWriter, sess *session.Session, text string, start, end time.Time, log *slog.Logger) {
	speaker := sess.Source.Speaker()
	ev := newFinal(sess.NextSeq(), text, speaker, start, end)
	if err := writer.writeJSON(ctx, ev); err != nil {
		log.Debug("final write failed", "error", err)
	}

	sess.History.Append(session.Entry{Content: text, Speaker: speaker})

	if h.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	err := h.store.SaveTranscript(sctx, &docstore.Transcript{
		SessionID: sess.SID,
		Source:    string(sess.Source),
		Speaker:   speaker,
		Content:   text,
		StartAt:   start,
		EndAt:     end,
	})
	if err != nil {
		log.Warn("transcript persistence failed", "error", err)
	}
}
