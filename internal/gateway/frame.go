package gateway

import (
	"encoding/binary"
	"math"

	"github.com/candor-ai/candor/pkg/audio"
)

// Binary audio frames optionally carry a 32-byte header in front of the
// PCM payload: 25 little-endian payload bytes and 7 bytes of padding.
//
//	offset 0  seq        uint32
//	offset 4  t0         float64  capture timestamp, unix seconds
//	offset 12 sampleRate uint32
//	offset 16 channels   uint8
//	offset 17 frameCount uint32
//	offset 21 rms        float32
//
// Clients that cannot produce the header send bare PCM instead.
const frameHeaderSize = 32

// frameHeader is the decoded per-chunk metadata.
type frameHeader struct {
	Seq        uint32
	T0         float64
	SampleRate int
	Channels   int
	FrameCount int
	RMS        float32
}

// plausibleRate bounds accepted header sample rates. Anything outside is
// taken as evidence the bytes are PCM, not a header.
func plausibleRate(sr uint32) bool {
	return sr >= 8000 && sr <= 48000
}

// decodeFrame splits a binary message into PCM samples and, when
// present, the frame header. Detection is structural: the header is
// accepted only when its fields are self-consistent with the message
// length, so bare PCM that happens to start with plausible bytes is not
// misread.
func decodeFrame(data []byte) ([]int16, *frameHeader) {
	if len(data) >= frameHeaderSize {
		sr := binary.LittleEndian.Uint32(data[12:16])
		ch := data[16]
		frames := binary.LittleEndian.Uint32(data[17:21])
		pcmBytes := len(data) - frameHeaderSize
		if plausibleRate(sr) && (ch == 1 || ch == 2) &&
			int(frames)*int(ch)*2 == pcmBytes-pcmBytes%2 {
			h := &frameHeader{
				Seq:        binary.LittleEndian.Uint32(data[0:4]),
				T0:         math.Float64frombits(binary.LittleEndian.Uint64(data[4:12])),
				SampleRate: int(sr),
				Channels:   int(ch),
				FrameCount: int(frames),
				RMS:        math.Float32frombits(binary.LittleEndian.Uint32(data[21:25])),
			}
			return audio.BytesToInt16(data[frameHeaderSize:]), h
		}
	}
	return audio.BytesToInt16(data), nil
}

// normalizePCM converts a decoded chunk to the session's mono sample
// rate using the header metadata. Headerless frames are assumed to
// already match the session format.
func normalizePCM(pcm []int16, h *frameHeader, targetRate int) []int16 {
	if h == nil {
		return pcm
	}
	if h.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if h.SampleRate != targetRate {
		pcm = audio.ResampleMono(pcm, h.SampleRate, targetRate)
	}
	return pcm
}
