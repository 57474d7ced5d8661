package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/candor-ai/candor/internal/agent"
	"github.com/candor-ai/candor/internal/llm"
	llmmock "github.com/candor-ai/candor/internal/llm/mock"
	"github.com/candor-ai/candor/internal/session"
)

func newAgentTestServer(t *testing.T, chatter llm.Chatter) (*httptest.Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(session.Config{})
	h := NewAgentHandler(registry, agent.New(chatter), nil)

	mux := http.NewServeMux()
	mux.Handle("GET /ws/agent/{sid}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, registry
}

func TestAgentWS_StreamsAnswer(t *testing.T) {
	t.Parallel()

	chatter := &llmmock.Chatter{
		Chunks: []llm.Chunk{{Content: "我有五年"}, {Content: "后端经验。"}, {Done: true}},
	}
	srv, registry := newAgentTestServer(t, chatter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, srv.URL+"/ws/agent/s1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	err := conn.Write(ctx, websocket.MessageText,
		[]byte(`{"type":"answer","mode":"brief","text":"你最大的优势是什么"}`))
	if err != nil {
		t.Fatalf("write request: %v", err)
	}

	var deltas string
	for {
		ev := readEvent(t, ctx, conn)
		switch ev["type"] {
		case "stream":
			if ev["role"] != "assistant" {
				t.Errorf("stream role = %v", ev["role"])
			}
			deltas += ev["delta"].(string)
			continue
		case "final":
			if ev["done"] != true {
				t.Errorf("final event = %v", ev)
			}
		default:
			t.Fatalf("unexpected event %v", ev)
		}
		break
	}
	if deltas != "我有五年后端经验。" {
		t.Errorf("streamed answer = %q", deltas)
	}

	// The answer was recorded as an assistant turn.
	sess, ok := registry.Get("s1", session.SourceMic)
	if !ok {
		t.Fatal("agent surface should anchor a mic-side session")
	}
	hist := sess.History.Snapshot(0)
	if len(hist) == 0 || hist[len(hist)-1].Speaker != agent.SpeakerAssistant {
		t.Errorf("history = %+v, want trailing assistant entry", hist)
	}
}

func TestAgentWS_EmptyQuestionRejected(t *testing.T) {
	t.Parallel()

	srv, _ := newAgentTestServer(t, &llmmock.Chatter{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, srv.URL+"/ws/agent/s1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"answer","mode":"full","text":""}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readEvent(t, ctx, conn)
	if ev["type"] != "error" {
		t.Errorf("event = %v, want error for empty question", ev)
	}

	// The connection stays usable afterwards.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"other"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readEvent(t, ctx, conn)
	if ev["type"] != "error" {
		t.Errorf("event = %v, want error for non-answer request", ev)
	}
}

func TestAgentWS_UpstreamFailureEmitsError(t *testing.T) {
	t.Parallel()

	chatter := &llmmock.Chatter{
		Chunks: []llm.Chunk{{Content: "出错了", Done: true, Err: context.DeadlineExceeded}},
	}
	srv, _ := newAgentTestServer(t, chatter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, srv.URL+"/ws/agent/s1")
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"answer","mode":"full","text":"问题"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		ev := readEvent(t, ctx, conn)
		if ev["type"] == "stream" {
			continue
		}
		if ev["type"] != "error" {
			t.Errorf("event = %v, want terminal error event", ev)
		}
		break
	}
}
