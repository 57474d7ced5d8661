package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/candor-ai/candor/internal/docstore"
	"github.com/candor-ai/candor/internal/pipeline"
	"github.com/candor-ai/candor/internal/postprocess"
	"github.com/candor-ai/candor/internal/session"
	"github.com/candor-ai/candor/pkg/asr/mock"
	"github.com/candor-ai/candor/pkg/audio"
)

const wsTestSR = 16000

// fastPipeline returns pipeline tuning with short wall-clock timings so
// endpoint detection completes quickly under test.
func fastPipeline() AudioConfig {
	cfg := pipeline.Defaults()
	cfg.EndSilence = 120 * time.Millisecond
	cfg.PartialInterval = time.Hour // finals only
	return AudioConfig{
		Pipeline: cfg,
		Consumer: pipeline.ConsumerConfig{Poll: 10 * time.Millisecond},
	}
}

type audioTestServer struct {
	srv      *httptest.Server
	registry *session.Registry
	store    *docstore.Memory
}

func newAudioTestServer(t *testing.T, engine *mock.Engine) *audioTestServer {
	t.Helper()
	registry := session.NewRegistry(session.Config{SampleRate: wsTestSR})
	store := docstore.NewMemory()
	h := NewAudioHandler(registry, engine, postprocess.New(), store, fastPipeline(), nil)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/audio/{sid}/{src}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &audioTestServer{srv: srv, registry: registry, store: store}
}

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

// readEvent decodes the next text frame into a loosely-typed map.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	return ev
}

func loudChunk() []byte {
	pcm := make([]int16, wsTestSR/10)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 6000
		} else {
			pcm[i] = -6000
		}
	}
	return audio.Int16ToBytes(pcm)
}

func quietChunk() []byte {
	return audio.Int16ToBytes(make([]int16, wsTestSR/10))
}

func TestAudioWS_ConnectAckAndFinal(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"面试官您好我叫李明"}}
	ts := newAudioTestServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts.srv.URL+"/ws/audio/s1/mic")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ack := readEvent(t, ctx, conn)
	if ack["type"] != "info" || ack["seq"].(float64) != 0 || ack["text"] != "connected" {
		t.Fatalf("ack = %v, want info seq 0 connected", ack)
	}

	// Speak, then go quiet long enough for endpoint detection.
	for range 4 {
		if err := conn.Write(ctx, websocket.MessageBinary, loudChunk()); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	deadline := time.Now().Add(5 * time.Second)
	var final map[string]any
	for final == nil && time.Now().Before(deadline) {
		if err := conn.Write(ctx, websocket.MessageBinary, quietChunk()); err != nil {
			t.Fatalf("write: %v", err)
		}
		rctx, rcancel := context.WithTimeout(ctx, 100*time.Millisecond)
		typ, data, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			continue
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev["type"] == "final" {
			final = ev
		}
	}
	if final == nil {
		t.Fatal("no final event received")
	}
	if final["text"] != "面试官您好我叫李明。" {
		t.Errorf("final text = %v", final["text"])
	}
	if final["speaker"] != "candidate" {
		t.Errorf("speaker = %v, want candidate for mic source", final["speaker"])
	}
	if final["seq"].(float64) <= 0 {
		t.Errorf("seq = %v, want positive", final["seq"])
	}

	// The final also landed in history and the transcript store.
	sess, ok := ts.registry.Get("s1", session.SourceMic)
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.History.Len() == 0 {
		t.Error("final not appended to dialogue history")
	}
	saved, err := ts.store.Transcripts(context.Background(), "s1", 0)
	if err != nil || len(saved) == 0 {
		t.Errorf("transcripts = (%d, %v), want the final persisted", len(saved), err)
	}
}

func TestAudioIngest_AppliesConfiguredGain(t *testing.T) {
	t.Parallel()

	cfg := fastPipeline()
	cfg.GainDB = 6
	registry := session.NewRegistry(session.Config{SampleRate: wsTestSR})
	h := NewAudioHandler(registry, &mock.Engine{}, postprocess.New(), nil, cfg, nil)
	sess := registry.Acquire("g1", session.SourceMic)

	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = 1000
	}
	h.ingest(context.Background(), sess, audio.Int16ToBytes(pcm), h.log)

	frame, ok := sess.AudioQ.TryPop()
	if !ok {
		t.Fatal("frame not enqueued")
	}
	// +6 dB roughly doubles the amplitude.
	if frame[0] < 1900 || frame[0] > 2100 {
		t.Errorf("sample after gain = %d, want ~2000", frame[0])
	}
}

func TestAudioIngest_ZeroGainLeavesSamples(t *testing.T) {
	t.Parallel()

	registry := session.NewRegistry(session.Config{SampleRate: wsTestSR})
	h := NewAudioHandler(registry, &mock.Engine{}, postprocess.New(), nil, fastPipeline(), nil)
	sess := registry.Acquire("g2", session.SourceMic)

	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = 1000
	}
	h.ingest(context.Background(), sess, audio.Int16ToBytes(pcm), h.log)

	frame, ok := sess.AudioQ.TryPop()
	if !ok {
		t.Fatal("frame not enqueued")
	}
	if frame[0] != 1000 {
		t.Errorf("sample = %d, want untouched 1000", frame[0])
	}
}

func TestAudioWS_InvalidSourceRejected(t *testing.T) {
	t.Parallel()

	ts := newAudioTestServer(t, &mock.Engine{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts.srv.URL+"/ws/audio/s1/speaker")
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("connection with invalid source should be closed")
	}
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", got)
	}
}

func TestAudioWS_SystemAudioControls(t *testing.T) {
	t.Parallel()

	ts := newAudioTestServer(t, &mock.Engine{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts.srv.URL+"/ws/audio/s1/sys")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEvent(t, ctx, conn) // ack

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"start_system_audio"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	ev := readEvent(t, ctx, conn)
	if ev["type"] != "info" || ev["text"] != "system audio started" {
		t.Errorf("event = %v", ev)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop_system_audio"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	ev = readEvent(t, ctx, conn)
	if ev["type"] != "info" || ev["text"] != "system audio stopped" {
		t.Errorf("event = %v", ev)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	ev = readEvent(t, ctx, conn)
	if ev["type"] != "error" {
		t.Errorf("event = %v, want error for unknown control", ev)
	}
}

func TestAudioWS_StopFlushesOpenSegment(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"话还没说完就停了"}}
	ts := newAudioTestServer(t, eng)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, ts.srv.URL+"/ws/audio/s2/mic")
	defer conn.Close(websocket.StatusNormalClosure, "")
	readEvent(t, ctx, conn) // ack

	for range 4 {
		if err := conn.Write(ctx, websocket.MessageBinary, loudChunk()); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Give the consumer time to ingest the voiced frames, then stop.
	time.Sleep(100 * time.Millisecond)
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	var sawFinal bool
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break // server closed after flushing
		}
		if typ != websocket.MessageText {
			continue
		}
		var ev map[string]any
		if json.Unmarshal(data, &ev) == nil && ev["type"] == "final" {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Error("open segment was not flushed as a final on stop")
	}

	// The session record is dropped once the socket is closed.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := ts.registry.Get("s2", session.SourceMic); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Error("session not removed from registry after close")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}
