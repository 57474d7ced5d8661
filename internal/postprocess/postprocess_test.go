package postprocess_test

import (
	"testing"

	"github.com/candor-ai/candor/internal/postprocess"
)

func TestProcess_MinLengthFilter(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace", "   ", ""},
		{"punctuation only", "。。，！", ""},
		{"too short", "不知", ""},
		{"short acknowledgement passes", "好的", "好的"},
		{"long enough", "我之前负责支付系统的架构设计", "我之前负责支付系统的架构设计"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Process(tt.in, false); got != tt.want {
				t.Errorf("Process(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcess_TrailingSilencePunctuation(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	tests := []struct {
		name     string
		in       string
		silence  bool
		want     string
	}{
		{"adds period on silence", "我做过三年后端开发", true, "我做过三年后端开发。"},
		{"strips dangling comma first", "我做过三年后端开发，", true, "我做过三年后端开发。"},
		{"no silence no period", "我做过三年后端开发", false, "我做过三年后端开发"},
		{"existing terminal kept", "你能介绍一下自己吗？", true, "你能介绍一下自己吗？"},
		{"collapses terminal runs", "这就是我的经历。。。", true, "这就是我的经历。"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Process(tt.in, tt.silence); got != tt.want {
				t.Errorf("Process(%q, %v) = %q, want %q", tt.in, tt.silence, got, tt.want)
			}
		})
	}
}

func TestProcess_RepeatCollapse(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"filler repeated twice collapses", "这个这个项目用了微服务架构", "这个项目用了微服务架构"},
		{"triple repeat collapses", "我我我觉得这套方案比较稳妥", "我觉得这套方案比较稳妥"},
		{"double non-filler kept", "谢谢面试官给我这次机会", "谢谢面试官给我这次机会"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Process(tt.in, false); got != tt.want {
				t.Errorf("Process(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcess_NumberNormalization(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	got := p.Process("项目周期大概三到五个月", false)
	want := "项目周期大概3到5个月"
	if got != want {
		t.Errorf("Process = %q, want %q", got, want)
	}
}

func TestProcess_FillerStripping(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	// Isolated filler between punctuation boundaries is stripped; the same
	// characters inside a word are kept.
	got := p.Process("嗯，我负责整个支付链路的稳定性", false)
	want := "，我负责整个支付链路的稳定性"
	if got != want {
		t.Errorf("Process = %q, want %q", got, want)
	}
}

func TestProcess_DisabledStages(t *testing.T) {
	t.Parallel()
	p := postprocess.New(
		postprocess.WithOralCleaning(false),
		postprocess.WithPunctuationCorrection(false),
	)

	in := "这个这个方案周期是三个月"
	if got := p.Process(in, true); got != in {
		t.Errorf("Process = %q, want input unchanged %q", got, in)
	}
}

func TestCleanPartial(t *testing.T) {
	t.Parallel()
	p := postprocess.New()

	// Partials skip punctuation fix-up and the length filter.
	if got := p.CleanPartial("我是"); got != "我是" {
		t.Errorf("short partial: got %q, want kept", got)
	}
	if got := p.CleanPartial("这个这个我在上家公司"); got != "这个我在上家公司" {
		t.Errorf("partial cleanup: got %q", got)
	}
}

func TestWithMinSentenceLen(t *testing.T) {
	t.Parallel()
	p := postprocess.New(postprocess.WithMinSentenceLen(2))

	if got := p.Process("不知道", false); got != "不知道" {
		t.Errorf("Process = %q, want kept with lowered threshold", got)
	}
}
