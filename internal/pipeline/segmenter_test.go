package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/candor-ai/candor/internal/postprocess"
	"github.com/candor-ai/candor/internal/session"
	"github.com/candor-ai/candor/pkg/asr"
	"github.com/candor-ai/candor/pkg/asr/mock"
)

// fakeClock is an advanceable wall clock for deterministic endpoint tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

const testSR = 16000

// voicedFrame returns 100ms of audio well above the energy gate.
func voicedFrame() []int16 {
	f := make([]int16, testSR/10)
	for i := range f {
		if i%2 == 0 {
			f[i] = 5000
		} else {
			f[i] = -5000
		}
	}
	return f
}

// silentFrame returns 100ms of silence.
func silentFrame() []int16 {
	return make([]int16, testSR/10)
}

type testHarness struct {
	clock    *fakeClock
	engine   *mock.Engine
	seg      *Segmenter
	partials []string
	finals   []string
	starts   []time.Time
	ends     []time.Time
}

func newHarness(t *testing.T, engine *mock.Engine, mutate func(*Config)) *testHarness {
	t.Helper()
	h := &testHarness{clock: newFakeClock(), engine: engine}

	cfg := Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	sess := session.New("s1", session.SourceMic, session.Config{SampleRate: testSR})
	h.seg = NewSegmenter(sess, engine, postprocess.New(), cfg, WithClock(h.clock.Now))
	return h
}

func (h *testHarness) callbacks(withPartials bool) Callbacks {
	cb := Callbacks{
		OnFinal: func(text string, start, end time.Time) {
			h.finals = append(h.finals, text)
			h.starts = append(h.starts, start)
			h.ends = append(h.ends, end)
		},
	}
	if withPartials {
		cb.OnPartial = func(text string, ts time.Time) {
			h.partials = append(h.partials, text)
		}
	}
	return cb
}

// feed advances the clock by 100ms and processes one frame.
func (h *testHarness) feed(frame []int16, cb Callbacks) {
	h.clock.Advance(100 * time.Millisecond)
	h.seg.ProcessFrame(context.Background(), frame, cb)
}

func TestSegmenter_FinalAfterEndSilence(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"面试官您好我叫李明"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	speechOnset := h.clock.Now().Add(100 * time.Millisecond)
	for range 5 {
		h.feed(voicedFrame(), cb)
	}
	lastVoiced := h.clock.Now()
	for range 13 {
		h.feed(silentFrame(), cb)
	}

	if len(h.finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(h.finals))
	}
	if h.finals[0] != "面试官您好我叫李明。" {
		t.Errorf("final = %q, want trailing-silence period appended", h.finals[0])
	}

	// Segment start covers speech onset minus the pre-roll.
	wantStart := speechOnset.Add(-150 * time.Millisecond)
	if !h.starts[0].Equal(wantStart) {
		t.Errorf("start = %v, want %v", h.starts[0], wantStart)
	}
	// Segment end is at the silence trigger, >= END_SILENCE past last voice.
	if h.ends[0].Sub(lastVoiced) < 1200*time.Millisecond {
		t.Errorf("end = %v, less than END_SILENCE after last voiced frame", h.ends[0])
	}

	// The decoder cache was reset for the final pass.
	if len(eng.RecognizeCalls) != 1 {
		t.Fatalf("recognize calls = %d, want 1", len(eng.RecognizeCalls))
	}
}

func TestSegmenter_PartialCadence(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"我叫", "我叫李明", "我叫李明来自", "我叫李明来自杭州"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(true)

	// 1s of continuous speech at 100ms frames: partial checks pass at t=0,
	// +400ms, +800ms relative to the first voiced frame.
	for range 10 {
		h.feed(voicedFrame(), cb)
	}

	if len(h.partials) != 3 {
		t.Fatalf("partials = %d (%v), want 3", len(h.partials), h.partials)
	}
	for i := 1; i < len(h.partials); i++ {
		if h.partials[i] == h.partials[i-1] {
			t.Errorf("consecutive identical partials: %q", h.partials[i])
		}
	}
}

func TestSegmenter_UnchangedPartialSuppressed(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"同一句话"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(true)

	for range 10 {
		h.feed(voicedFrame(), cb)
	}

	if len(h.partials) != 1 {
		t.Fatalf("partials = %d, want 1 (identical texts suppressed)", len(h.partials))
	}
}

func TestSegmenter_MaxSegmentForcesSplit(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"这一段话说得特别长需要强制切分"}}
	h := newHarness(t, eng, func(c *Config) { c.MaxSegment = time.Second })
	cb := h.callbacks(false)

	// Continuous speech far past MaxSegment.
	for range 15 {
		h.feed(voicedFrame(), cb)
	}

	if len(h.finals) == 0 {
		t.Fatal("no final despite exceeding max segment length")
	}
	if h.ends[0].Sub(h.starts[0]) > 1500*time.Millisecond {
		t.Errorf("segment span %v exceeds max segment bound", h.ends[0].Sub(h.starts[0]))
	}
}

func TestSegmenter_DuplicateFinalSuppressed(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"好的我明白了谢谢", "好的我明白了谢谢"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	speakThenPause := func() {
		for range 5 {
			h.feed(voicedFrame(), cb)
		}
		for range 13 {
			h.feed(silentFrame(), cb)
		}
	}
	speakThenPause()
	// Second identical utterance starts within the duplicate window.
	speakThenPause()

	if len(h.finals) != 1 {
		t.Fatalf("finals = %d (%v), want 1 (duplicate suppressed)", len(h.finals), h.finals)
	}
}

func TestSegmenter_EndSilenceTailKeptInSegment(t *testing.T) {
	t.Parallel()

	var segmentSamples int
	eng := &mock.Engine{
		RecognizeFunc: func(_ context.Context, pcm []int16, _ int, _ *asr.Cache) (string, error) {
			segmentSamples = len(pcm)
			return "这一句后面带着完整的静音尾巴", nil
		},
	}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	for range 5 {
		h.feed(voicedFrame(), cb)
	}
	for range 13 {
		h.feed(silentFrame(), cb)
	}

	if len(h.finals) != 1 {
		t.Fatalf("finals = %d, want 1", len(h.finals))
	}
	// 500ms of speech plus the full 1200ms end-silence tail, closing
	// frame included.
	if want := testSR * 1700 / 1000; segmentSamples < want {
		t.Errorf("segment samples = %d, want at least %d", segmentSamples, want)
	}
}

func TestSegmenter_FinalIndependentOfChunking(t *testing.T) {
	t.Parallel()

	// The recognizer derives its text purely from the voiced samples it
	// receives, so two chunkings of the same audio must agree on the
	// final exactly when they agree on the segment boundaries.
	run := func(frameMs int) string {
		eng := &mock.Engine{
			RecognizeFunc: func(_ context.Context, pcm []int16, _ int, _ *asr.Cache) (string, error) {
				voiced := 0
				for _, s := range pcm {
					if s != 0 {
						voiced++
					}
				}
				return fmt.Sprintf("这一段话折合出%d份有效采样", voiced), nil
			},
		}
		clock := newFakeClock()
		sess := session.New("s1", session.SourceMic, session.Config{SampleRate: testSR})
		seg := NewSegmenter(sess, eng, postprocess.New(), Defaults(), WithClock(clock.Now))

		var finals []string
		cb := Callbacks{OnFinal: func(text string, _, _ time.Time) {
			finals = append(finals, text)
		}}

		samplesPerFrame := testSR * frameMs / 1000
		frame := func(voiced bool) []int16 {
			f := make([]int16, samplesPerFrame)
			if voiced {
				for i := range f {
					if i%2 == 0 {
						f[i] = 5000
					} else {
						f[i] = -5000
					}
				}
			}
			return f
		}
		feed := func(voiced bool, totalMs int) {
			for fed := 0; fed < totalMs; fed += frameMs {
				clock.Advance(time.Duration(frameMs) * time.Millisecond)
				seg.ProcessFrame(context.Background(), frame(voiced), cb)
			}
		}

		feed(false, 300)
		feed(true, 1000)
		feed(false, 1500)

		if len(finals) != 1 {
			t.Fatalf("frame=%dms: finals = %v, want 1", frameMs, finals)
		}
		return finals[0]
	}

	if a, b := run(100), run(50); a != b {
		t.Errorf("final differs by chunking: 100ms=%q 50ms=%q", a, b)
	}
}

func TestSegmenter_RecognitionErrorDropsSegment(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{RecognizeErr: errors.New("backend down")}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	for range 5 {
		h.feed(voicedFrame(), cb)
	}
	for range 13 {
		h.feed(silentFrame(), cb)
	}

	if len(h.finals) != 0 {
		t.Fatalf("finals = %d, want 0 on recognition failure", len(h.finals))
	}

	// The segmenter must be reusable after the failure.
	eng.RecognizeErr = nil
	eng.Script = []string{"恢复之后的一句完整回答"}
	for range 5 {
		h.feed(voicedFrame(), cb)
	}
	for range 13 {
		h.feed(silentFrame(), cb)
	}
	if len(h.finals) != 1 {
		t.Fatalf("finals after recovery = %d, want 1", len(h.finals))
	}
}

func TestSegmenter_FlushEmitsOpenSegment(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"话还没有说完就断开了"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	for range 5 {
		h.feed(voicedFrame(), cb)
	}
	h.seg.Flush(context.Background(), cb)

	if len(h.finals) != 1 {
		t.Fatalf("finals = %d, want 1 from flush", len(h.finals))
	}
	// Flush is not a trailing-silence close: no period is appended.
	if h.finals[0] != "话还没有说完就断开了" {
		t.Errorf("final = %q, want raw text without appended period", h.finals[0])
	}
}

func TestSegmenter_ShortFragmentFiltered(t *testing.T) {
	t.Parallel()

	eng := &mock.Engine{Script: []string{"呃这"}}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(false)

	for range 3 {
		h.feed(voicedFrame(), cb)
	}
	for range 13 {
		h.feed(silentFrame(), cb)
	}

	if len(h.finals) != 0 {
		t.Fatalf("finals = %v, want fragment filtered out", h.finals)
	}
}

func TestSegmenter_CachePassedThrough(t *testing.T) {
	t.Parallel()

	var caches []*asr.Cache
	eng := &mock.Engine{
		RecognizeFunc: func(ctx context.Context, pcm []int16, sr int, cache *asr.Cache) (string, error) {
			caches = append(caches, cache)
			return "每次识别都要带上会话缓存", nil
		},
	}
	h := newHarness(t, eng, nil)
	cb := h.callbacks(true)

	for range 10 {
		h.feed(voicedFrame(), cb)
	}
	for range 13 {
		h.feed(silentFrame(), cb)
	}

	if len(caches) < 2 {
		t.Fatalf("recognize calls = %d, want partials plus final", len(caches))
	}
	for i, c := range caches {
		if c != h.seg.sess.Cache {
			t.Errorf("call %d used a different cache", i)
		}
	}
}
