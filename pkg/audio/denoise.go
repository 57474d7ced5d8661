package audio

import (
	"errors"
	"math"
	"math/cmplx"
)

// ErrFrameTooShort is returned by [Denoiser.Process] when the input chunk is
// shorter than one analysis frame. Callers should fall back to the raw frame.
var ErrFrameTooShort = errors.New("audio: frame shorter than denoise analysis window")

const (
	denoiseFrameSize = 256 // power of two, ~16 ms at 16 kHz
	denoiseHop       = denoiseFrameSize / 2

	// Spectral floor: residual fraction of the original magnitude kept after
	// subtraction, avoids musical-noise artifacts from zeroed bins.
	spectralFloor = 0.02

	// Over-subtraction factor applied to the noise magnitude estimate.
	overSubtract = 1.5

	noiseEMADecay   = 0.95
	noiseInitFrames = 10
)

// Denoiser attenuates stationary background noise in mono int16 PCM using a
// first-order high-pass pre-filter followed by magnitude spectral subtraction.
// The per-bin noise spectrum is estimated with an exponential moving average
// seeded from the first frames and updated on low-energy frames.
//
// A Denoiser carries filter and noise state across calls; create one per
// audio stream. Not safe for concurrent use.
type Denoiser struct {
	noiseMag   []float64
	frameCount int

	// high-pass filter state
	hpPrevIn  float64
	hpPrevOut float64

	window []float64
}

// NewDenoiser returns a Denoiser ready to process a stream.
func NewDenoiser() *Denoiser {
	win := make([]float64, denoiseFrameSize)
	for i := range win {
		win[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(denoiseFrameSize-1))
	}
	return &Denoiser{
		noiseMag: make([]float64, denoiseFrameSize/2+1),
		window:   win,
	}
}

// Process returns a denoised copy of pcm. The input is never modified.
// Returns [ErrFrameTooShort] when pcm is shorter than the analysis window;
// the caller should then use the raw frame unchanged.
func (d *Denoiser) Process(pcm []int16) ([]int16, error) {
	if len(pcm) < denoiseFrameSize {
		return nil, ErrFrameTooShort
	}

	samples := make([]float64, len(pcm))
	for i, s := range pcm {
		samples[i] = float64(s) / 32768.0
	}
	d.highPass(samples)

	out := make([]float64, len(samples))
	norm := make([]float64, len(samples))

	for start := 0; start+denoiseFrameSize <= len(samples); start += denoiseHop {
		frame := make([]complex128, denoiseFrameSize)
		for i := range denoiseFrameSize {
			frame[i] = complex(samples[start+i]*d.window[i], 0)
		}
		fft(frame, false)

		d.updateNoise(frame)

		// Subtract the noise magnitude per bin, keeping the original phase.
		for i := range frame {
			bin := i
			if bin > denoiseFrameSize/2 {
				bin = denoiseFrameSize - bin
			}
			mag := cmplx.Abs(frame[i])
			clean := mag - overSubtract*d.noiseMag[bin]
			if floor := spectralFloor * mag; clean < floor {
				clean = floor
			}
			if mag > 0 {
				frame[i] *= complex(clean/mag, 0)
			}
		}

		fft(frame, true)
		for i := range denoiseFrameSize {
			out[start+i] += real(frame[i]) * d.window[i]
			norm[start+i] += d.window[i] * d.window[i]
		}
	}

	result := make([]int16, len(pcm))
	for i := range result {
		v := samples[i]
		if norm[i] > 1e-9 {
			v = out[i] / norm[i]
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		result[i] = int16(v * 32767)
	}
	return result, nil
}

// highPass applies a first-order high-pass filter (cutoff ~80 Hz at 16 kHz)
// in place, removing DC offset and low-frequency rumble.
func (d *Denoiser) highPass(samples []float64) {
	const alpha = 0.97
	for i, x := range samples {
		y := alpha * (d.hpPrevOut + x - d.hpPrevIn)
		d.hpPrevIn = x
		d.hpPrevOut = y
		samples[i] = y
	}
}

// updateNoise refreshes the per-bin noise magnitude estimate from the current
// frame. The first frames always contribute; afterwards only frames whose
// mean magnitude stays near the current estimate do, so speech frames do not
// inflate the noise floor.
func (d *Denoiser) updateNoise(frame []complex128) {
	half := denoiseFrameSize / 2
	var frameMean, noiseMean float64
	for i := 0; i <= half; i++ {
		frameMean += cmplx.Abs(frame[i])
		noiseMean += d.noiseMag[i]
	}
	frameMean /= float64(half + 1)
	noiseMean /= float64(half + 1)

	d.frameCount++
	seeding := d.frameCount <= noiseInitFrames
	if !seeding && frameMean > 2*noiseMean {
		return
	}

	decay := noiseEMADecay
	if seeding {
		// Faster convergence while the estimate is cold.
		decay = 1 - 1/float64(d.frameCount)
	}
	for i := 0; i <= half; i++ {
		d.noiseMag[i] = decay*d.noiseMag[i] + (1-decay)*cmplx.Abs(frame[i])
	}
}

// fft computes an in-place iterative radix-2 FFT. The inverse transform
// includes the 1/N scaling. len(x) must be a power of two.
func fft(x []complex128, inverse bool) {
	n := len(x)
	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j |= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := 2 * math.Pi / float64(length)
		if !inverse {
			angle = -angle
		}
		wl := cmplx.Exp(complex(0, angle))
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := range length / 2 {
				u := x[i+j]
				v := x[i+j+length/2] * w
				x[i+j] = u + v
				x[i+j+length/2] = u - v
				w *= wl
			}
		}
	}

	if inverse {
		for i := range x {
			x[i] /= complex(float64(n), 0)
		}
	}
}
