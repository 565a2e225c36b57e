package audioutil

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FbankConfig configures a kaldi style log mel filterbank.
type FbankConfig struct {
	SampleRate     int
	FrameLength    int // samples per frame
	FrameShift     int // samples between frames
	NumMelBins     int
	LowFreq        float64
	PreEmphasis    float64
	RemoveDCOffset bool
}

// DefaultFbankConfig is 25ms frames every 10ms at 16kHz with 128 mel bins.
func DefaultFbankConfig() FbankConfig {
	return FbankConfig{
		SampleRate:     16000,
		FrameLength:    400,
		FrameShift:     160,
		NumMelBins:     128,
		LowFreq:        20,
		PreEmphasis:    0.97,
		RemoveDCOffset: true,
	}
}

func melScale(freq float64) float64 {
	return 1127.0 * math.Log(1.0+freq/700.0)
}

// Fbank computes log mel filterbank energies, shaped [frames][mel bins].
type Fbank struct {
	config   FbankConfig
	fftSize  int
	fft      *fourier.FFT
	window   []float64
	melBanks [][]float64
}

func NewFbank(config FbankConfig) *Fbank {
	fftSize := 1
	for fftSize < config.FrameLength {
		fftSize <<= 1
	}
	window := make([]float64, config.FrameLength)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(config.FrameLength-1))
	}
	return &Fbank{
		config:   config,
		fftSize:  fftSize,
		fft:      fourier.NewFFT(fftSize),
		window:   window,
		melBanks: melBanks(config, fftSize),
	}
}

func melBanks(config FbankConfig, fftSize int) [][]float64 {
	numBins := fftSize/2 + 1
	nyquist := float64(config.SampleRate) / 2
	melLow := melScale(config.LowFreq)
	melHigh := melScale(nyquist)
	melDelta := (melHigh - melLow) / float64(config.NumMelBins+1)
	binWidth := float64(config.SampleRate) / float64(fftSize)

	banks := make([][]float64, config.NumMelBins)
	for m := range banks {
		left := melLow + float64(m)*melDelta
		center := left + melDelta
		right := center + melDelta
		weights := make([]float64, numBins)
		for k := 0; k < numBins; k++ {
			mel := melScale(binWidth * float64(k))
			switch {
			case mel > left && mel <= center:
				weights[k] = (mel - left) / (center - left)
			case mel > center && mel < right:
				weights[k] = (right - mel) / (right - center)
			}
		}
		banks[m] = weights
	}
	return banks
}

// Compute returns one row of NumMelBins log energies per frame. Signals shorter than one frame
// produce no rows.
func (f *Fbank) Compute(signal []float64) [][]float32 {
	c := f.config
	if len(signal) < c.FrameLength {
		return nil
	}
	numFrames := 1 + (len(signal)-c.FrameLength)/c.FrameShift
	out := make([][]float32, numFrames)
	frame := make([]float64, f.fftSize)
	var coefficients []complex128
	power := make([]float64, f.fftSize/2+1)

	for i := 0; i < numFrames; i++ {
		clear(frame)
		copy(frame, signal[i*c.FrameShift:i*c.FrameShift+c.FrameLength])
		if c.RemoveDCOffset {
			mean := 0.0
			for _, v := range frame[:c.FrameLength] {
				mean += v
			}
			mean /= float64(c.FrameLength)
			for j := 0; j < c.FrameLength; j++ {
				frame[j] -= mean
			}
		}
		if c.PreEmphasis > 0 {
			for j := c.FrameLength - 1; j > 0; j-- {
				frame[j] -= c.PreEmphasis * frame[j-1]
			}
			frame[0] -= c.PreEmphasis * frame[0]
		}
		for j := 0; j < c.FrameLength; j++ {
			frame[j] *= f.window[j]
		}

		coefficients = f.fft.Coefficients(coefficients, frame)
		for k, v := range coefficients {
			power[k] = real(v)*real(v) + imag(v)*imag(v)
		}

		row := make([]float32, c.NumMelBins)
		for m, weights := range f.melBanks {
			energy := 0.0
			for k, w := range weights {
				if w != 0 {
					energy += w * power[k]
				}
			}
			row[m] = float32(math.Log(math.Max(energy, math.SmallestNonzeroFloat32)))
		}
		out[i] = row
	}
	return out
}
