package agent

import (
	"strings"

	"github.com/candor-ai/candor/internal/session"
)

const (
	// cvMaxRunes bounds the CV block so a long resume cannot crowd the
	// question out of the context window.
	cvMaxRunes = 2000
	// jdMaxRunes bounds the job-description block.
	jdMaxRunes = 300
	// historyLimit is how many recent dialogue entries ground the answer.
	historyLimit = 10

	emptyBlock = "（无）"
)

// truncateRunes cuts s to at most n runes, appending an ellipsis when
// something was dropped.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// speakerLabel maps a history speaker onto the first-person framing the
// prompt uses: the interviewer is named, everything the candidate or the
// assistant said reads as "me".
func speakerLabel(speaker string) string {
	if speaker == "interviewer" {
		return "面试官"
	}
	return "我"
}

// formatDialogue renders recent history as one line per turn.
func formatDialogue(entries []session.Entry) string {
	var lines []string
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		lines = append(lines, speakerLabel(e.Speaker)+"："+e.Content)
	}
	return strings.Join(lines, "\n")
}

// orBlank substitutes the placeholder for empty blocks so the model sees
// an explicit "nothing here" instead of a dangling header.
func orBlank(s string) string {
	if strings.TrimSpace(s) == "" {
		return emptyBlock
	}
	return s
}

// buildPrompt assembles the grounded answer prompt: instruction header,
// the question, CV and JD blocks, retrieved snippets when present,
// recent dialogue, then the mode-specific closing instruction.
func buildPrompt(question, cvText, jdText string, snippets []string, history []session.Entry, mode Mode) string {
	var b strings.Builder

	if mode == ModeBrief {
		b.WriteString("你是一位专业的面试助手，帮助面试者回答问题。\n")
	} else {
		b.WriteString("你是一位专业的面试助手，帮助面试者优化回答。\n")
	}

	b.WriteString("\n【当前问题】\n")
	b.WriteString(question)

	b.WriteString("\n\n【简历信息】\n")
	b.WriteString(orBlank(truncateRunes(cvText, cvMaxRunes)))

	b.WriteString("\n\n【岗位信息】\n")
	b.WriteString(orBlank(truncateRunes(jdText, jdMaxRunes)))

	if len(snippets) > 0 {
		b.WriteString("\n\n【参考资料】\n")
		b.WriteString(strings.Join(snippets, "\n"))
	}

	b.WriteString("\n\n【最近对话】\n")
	b.WriteString(orBlank(formatDialogue(history)))

	if mode == ModeBrief {
		b.WriteString("\n\n请基于以上内容，用一句话简短回答这个问题。以第一人称表述。")
	} else {
		b.WriteString("\n\n请基于以上内容，生成一个详细、结构化的回答建议。回答要：\n")
		b.WriteString("- 自然、自信，以第一人称表述\n")
		b.WriteString("- 结合简历中的相关经验\n")
		b.WriteString("- 与岗位要求对齐\n")
		b.WriteString("- 长度控制在6-12句话\n")
		b.WriteString("\n如果某些信息缺失，可以简要说明假设。")
	}
	return b.String()
}
