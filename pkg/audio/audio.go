// Package audio provides PCM utilities shared by the ingest gateway and the
// recognition pipeline: sample format conversion, float-domain RMS energy,
// linear resampling and channel down-mixing. All functions operate on
// little-endian 16-bit PCM unless stated otherwise.
package audio

import "math"

// BytesToInt16 decodes little-endian 16-bit PCM bytes into samples.
// An odd trailing byte is trimmed.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// Int16ToBytes encodes samples as little-endian 16-bit PCM bytes.
func Int16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16ToFloat32 converts samples to float32 in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float samples in [-1, 1] back to int16, clamping
// out-of-range values.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// RMS computes the root-mean-square energy of int16 PCM in the float domain,
// i.e. the result is in [0, 1]. Returns 0 for empty input.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// RMSFloat computes the root-mean-square energy of float samples.
func RMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DB converts a float-domain RMS value to decibels relative to full scale.
// Returns -Inf for zero energy.
func DB(rms float64) float64 {
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// ApplyGainDB scales samples by gainDB decibels, clamping to the int16 range.
// A gain of 0 returns the input unchanged.
func ApplyGainDB(pcm []int16, gainDB float64) []int16 {
	if gainDB == 0 {
		return pcm
	}
	gain := math.Pow(10, gainDB/20)
	out := make([]int16, len(pcm))
	for i, s := range pcm {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// ResampleMono resamples mono int16 PCM from srcRate to dstRate using linear
// interpolation. If the rates match (or are invalid) the input is returned
// unchanged.
func ResampleMono(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm)
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// StereoToMono averages interleaved L+R sample pairs into mono output.
// Uses int32 arithmetic to prevent overflow.
func StereoToMono(pcm []int16) []int16 {
	frames := len(pcm) / 2
	out := make([]int16, frames)
	for i := range frames {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}
