// Package gateway serves the two WebSocket surfaces: the audio ingest
// socket that feeds the recognition pipeline, and the agent socket that
// streams answer suggestions back to the client.
package gateway

import "time"

// Server→client events on the audio socket. seq is monotonically
// increasing per session; seq 0 is reserved for the connect
// acknowledgment.

type infoEvent struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

func newInfo(seq uint64, text string) infoEvent {
	return infoEvent{Type: "info", Seq: seq, Text: text}
}

type partialEvent struct {
	Type      string  `json:"type"`
	Seq       uint64  `json:"seq"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

func newPartial(seq uint64, text string, ts time.Time) partialEvent {
	return partialEvent{
		Type:      "partial",
		Seq:       seq,
		Text:      text,
		Timestamp: unixSeconds(ts),
	}
}

type finalEvent struct {
	Type      string  `json:"type"`
	Seq       uint64  `json:"seq"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Timestamp string  `json:"timestamp"`
}

func newFinal(seq uint64, text, speaker string, start, end time.Time) finalEvent {
	return finalEvent{
		Type:      "final",
		Seq:       seq,
		Text:      text,
		Speaker:   speaker,
		StartTime: unixSeconds(start),
		EndTime:   unixSeconds(end),
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

type errorEvent struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

func newError(seq uint64, text string) errorEvent {
	return errorEvent{Type: "error", Seq: seq, Text: text}
}

// control is the client→server text frame on the audio socket.
type control struct {
	Type string `json:"type"`
}

const (
	controlStartSystemAudio = "start_system_audio"
	controlStopSystemAudio  = "stop_system_audio"
	controlStop             = "stop"
)

// Agent socket messages.

type agentRequest struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
	Text string `json:"text"`
}

type agentStreamEvent struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Delta string `json:"delta"`
}

type agentFinalEvent struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Done bool   `json:"done"`
}

type agentErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
