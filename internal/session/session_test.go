package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/candor-ai/candor/internal/session"
)

func TestSource(t *testing.T) {
	t.Parallel()

	if !session.SourceMic.IsValid() || !session.SourceSys.IsValid() {
		t.Fatal("mic and sys must be valid sources")
	}
	if session.Source("screen").IsValid() {
		t.Fatal("unknown source must be invalid")
	}
	if got := session.SourceMic.Speaker(); got != "candidate" {
		t.Errorf("mic speaker = %q, want candidate", got)
	}
	if got := session.SourceSys.Speaker(); got != "interviewer" {
		t.Errorf("sys speaker = %q, want interviewer", got)
	}
}

func TestSession_NextSeqMonotonic(t *testing.T) {
	t.Parallel()

	s := session.New("s1", session.SourceMic, session.Config{})
	for want := uint64(1); want <= 5; want++ {
		if got := s.NextSeq(); got != want {
			t.Fatalf("NextSeq = %d, want %d", got, want)
		}
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	s := session.New("s1", session.SourceMic, session.Config{QueueCap: 4, HistoryMax: 10})
	s.AudioQ.Push([]int16{1})
	s.Cache.Store("decoder")
	s.NextSeq()
	s.History.Append(session.Entry{Content: "hello", Speaker: "candidate"})
	s.SetDocuments("cv", "jd")

	s.Reset(true)

	if s.AudioQ.Len() != 0 {
		t.Error("queue not drained")
	}
	if s.Cache.Load() != nil {
		t.Error("cache not reset")
	}
	if got := s.NextSeq(); got != 1 {
		t.Errorf("seq after reset = %d, want 1", got)
	}
	if s.History.Len() != 0 {
		t.Error("history not cleared")
	}
	if cv, jd := s.Documents(); cv != "" || jd != "" {
		t.Error("documents not cleared")
	}
}

func TestSession_ResetKeepsHistoryWhenConfigured(t *testing.T) {
	t.Parallel()

	s := session.New("s1", session.SourceMic, session.Config{})
	s.History.Append(session.Entry{Content: "hello", Speaker: "candidate"})
	s.Reset(false)
	if s.History.Len() != 1 {
		t.Error("history should survive reset with clearHistory=false")
	}
}

func TestQueue_DropOldest(t *testing.T) {
	t.Parallel()

	q := session.NewQueue(3)
	for i := range 3 {
		if d := q.Push([]int16{int16(i)}); d != 0 {
			t.Fatalf("unexpected drop on push %d", i)
		}
	}
	if d := q.Push([]int16{3}); d != 1 {
		t.Fatalf("dropped = %d, want 1", d)
	}

	// Oldest frame (0) must be gone; 1, 2, 3 remain in order.
	for _, want := range []int16{1, 2, 3} {
		f, ok := q.TryPop()
		if !ok {
			t.Fatal("queue empty early")
		}
		if f[0] != want {
			t.Errorf("frame = %d, want %d", f[0], want)
		}
	}
}

func TestQueue_PopTimeout(t *testing.T) {
	t.Parallel()

	q := session.NewQueue(2)
	start := time.Now()
	_, ok := q.Pop(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Pop returned before the poll deadline")
	}
}

func TestQueue_PopCancelled(t *testing.T) {
	t.Parallel()

	q := session.NewQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Pop(ctx, time.Second); ok {
		t.Fatal("expected cancellation")
	}
}

func TestQueue_DropTo(t *testing.T) {
	t.Parallel()

	q := session.NewQueue(10)
	for i := range 10 {
		q.Push([]int16{int16(i)})
	}
	dropped := q.DropTo(5)
	if dropped != 5 {
		t.Errorf("dropped = %d, want 5", dropped)
	}
	if q.Len() != 5 {
		t.Errorf("len = %d, want 5", q.Len())
	}
	// Remaining frames are the newest ones.
	f, _ := q.TryPop()
	if f[0] != 5 {
		t.Errorf("head = %d, want 5", f[0])
	}
}

func TestHistory_Bounded(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(3)
	for i := range 5 {
		h.Append(session.Entry{Content: string(rune('a' + i)), Speaker: "candidate"})
	}
	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}
	snap := h.Snapshot(0)
	if snap[0].Content != "c" || snap[2].Content != "e" {
		t.Errorf("snapshot = %v, want oldest c .. newest e", snap)
	}
}

func TestHistory_SnapshotLimit(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(10)
	for i := range 5 {
		h.Append(session.Entry{Content: string(rune('a' + i)), Speaker: "candidate"})
	}
	snap := h.Snapshot(2)
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].Content != "d" || snap[1].Content != "e" {
		t.Errorf("snapshot = %v, want [d e]", snap)
	}
}

func TestHistory_IgnoresBlank(t *testing.T) {
	t.Parallel()

	h := session.NewHistory(5)
	h.Append(session.Entry{Content: "   ", Speaker: "candidate"})
	if h.Len() != 0 {
		t.Error("blank content should be ignored")
	}
}

func TestRegistry_AcquireResets(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(session.Config{QueueCap: 4})
	s1 := r.Acquire("s1", session.SourceMic)
	s1.History.Append(session.Entry{Content: "hello", Speaker: "candidate"})
	s1.NextSeq()

	s2 := r.Acquire("s1", session.SourceMic)
	if s1 != s2 {
		t.Fatal("Acquire should reuse the existing session record")
	}
	if s2.History.Len() != 0 {
		t.Error("default policy should clear history on reconnect")
	}
}

func TestRegistry_KeepHistoryPolicy(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(session.Config{}, session.WithClearHistoryOnReset(false))
	s1 := r.Acquire("s1", session.SourceMic)
	s1.History.Append(session.Entry{Content: "hello", Speaker: "candidate"})

	s2 := r.Acquire("s1", session.SourceMic)
	if s2.History.Len() != 1 {
		t.Error("history should survive reconnect with clear disabled")
	}
}

func TestRegistry_SharedHistoryAcrossSources(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(session.Config{})
	mic := r.Acquire("s1", session.SourceMic)
	sys := r.Acquire("s1", session.SourceSys)

	mic.History.Append(session.Entry{Content: "我叫李明", Speaker: "candidate"})
	sys.History.Append(session.Entry{Content: "介绍一下你自己", Speaker: "interviewer"})

	if mic.History != sys.History {
		t.Fatal("both sources of a session should share one dialogue history")
	}
	if got := mic.History.Len(); got != 2 {
		t.Errorf("history entries = %d, want turns from both sources", got)
	}
}

func TestRegistry_BySID(t *testing.T) {
	t.Parallel()

	r := session.NewRegistry(session.Config{})
	r.Acquire("s1", session.SourceMic)
	r.Acquire("s1", session.SourceSys)
	r.Acquire("s2", session.SourceMic)

	got := r.BySID("s1")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if _, ok := got[session.SourceMic]; !ok {
		t.Error("missing mic session")
	}

	r.Remove("s1", session.SourceMic)
	if _, ok := r.Get("s1", session.SourceMic); ok {
		t.Error("session not removed")
	}
	if r.Len() != 2 {
		t.Errorf("len = %d, want 2", r.Len())
	}
}
