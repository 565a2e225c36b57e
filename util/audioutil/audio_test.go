package audioutil

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, seconds float64, rate int) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

func TestWAVRoundTrip(t *testing.T) {
	samples := sine(440, 0.1, 8000)
	w, err := DecodeWAV(EncodeWAV16(samples, 8000))
	require.NoError(t, err)
	assert.Equal(t, 8000, w.SampleRate)
	require.Len(t, w.Samples, len(samples))
	for i := range samples {
		assert.InDelta(t, samples[i], w.Samples[i], 1e-3)
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	_, err := DecodeWAV([]byte("RIFX0000WAVE"))
	assert.Error(t, err)
	_, err = DecodeWAV([]byte("short"))
	assert.Error(t, err)

	b := EncodeWAV16([]float64{0.1, 0.2}, 16000)
	b[20] = 2 // ADPCM
	_, err = DecodeWAV(b)
	assert.ErrorContains(t, err, "unsupported wav encoding")
}

func TestResample(t *testing.T) {
	w := Waveform{Samples: sine(100, 1, 8000), SampleRate: 8000}
	r := Resample(w, 16000)
	assert.Equal(t, 16000, r.SampleRate)
	assert.Len(t, r.Samples, 16000)
	assert.InDelta(t, w.Duration(), r.Duration(), 1e-3)
}

func TestClipStarts(t *testing.T) {
	assert.Equal(t, []float64{0, 0, 0}, ClipStarts(1, 2, 3))
	assert.Equal(t, []float64{0, 4, 8}, ClipStarts(10, 2, 3))
}

func TestFbankPeaksAtToneFrequency(t *testing.T) {
	config := DefaultFbankConfig()
	fbank := NewFbank(config)
	low := fbank.Compute(sine(300, 0.5, 16000))
	high := fbank.Compute(sine(4000, 0.5, 16000))
	require.NotEmpty(t, low)
	require.Len(t, low[0], config.NumMelBins)

	argmax := func(row []float32) int {
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		return best
	}
	assert.Less(t, argmax(low[10]), argmax(high[10]))
	assert.Nil(t, fbank.Compute(make([]float64, 10)))
}

func TestMelClipsShape(t *testing.T) {
	config := DefaultClipConfig()
	out := MelClips(Waveform{Samples: sine(440, 3, 44100), SampleRate: 44100}, config)
	assert.Len(t, out, config.NumClips*config.Fbank.NumMelBins*config.TargetFrames)

	// padded frames of a short clip hold the normalized zero value
	short := MelClips(Waveform{Samples: sine(440, 0.5, 16000), SampleRate: 16000}, config)
	padded := (0 - config.Mean) / config.Std
	assert.InDelta(t, padded, short[config.TargetFrames-1], 1e-6)
}
