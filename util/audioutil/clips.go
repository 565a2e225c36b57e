package audioutil

import "math"

// ClipConfig controls how a waveform is cut into fixed length clips and turned into normalized
// mel spectrograms.
type ClipConfig struct {
	Fbank        FbankConfig
	ClipDuration float64 // seconds
	NumClips     int
	TargetFrames int
	Mean         float32
	Std          float32
}

func DefaultClipConfig() ClipConfig {
	return ClipConfig{
		Fbank:        DefaultFbankConfig(),
		ClipDuration: 2,
		NumClips:     3,
		TargetFrames: 204,
		Mean:         -4.268,
		Std:          9.138,
	}
}

// ClipStarts spaces numClips windows of clipDuration evenly over duration. When the audio is
// shorter than one clip every window starts at zero.
func ClipStarts(duration, clipDuration float64, numClips int) []float64 {
	starts := make([]float64, numClips)
	if numClips <= 1 || duration <= clipDuration {
		return starts
	}
	step := (duration - clipDuration) / float64(numClips-1)
	for i := range starts {
		starts[i] = float64(i) * step
	}
	return starts
}

// MelClips resamples the waveform, cuts it into clips and returns them flattened as
// [NumClips, 1, NumMelBins, TargetFrames].
func MelClips(w Waveform, config ClipConfig) []float32 {
	w = Resample(w, config.Fbank.SampleRate)
	fbank := NewFbank(config.Fbank)
	mel := config.Fbank.NumMelBins
	clipSize := mel * config.TargetFrames
	out := make([]float32, config.NumClips*clipSize)

	clipSamples := int(math.Round(config.ClipDuration * float64(w.SampleRate)))
	for c, start := range ClipStarts(w.Duration(), config.ClipDuration, config.NumClips) {
		from := int(math.Round(start * float64(w.SampleRate)))
		to := min(from+clipSamples, len(w.Samples))
		clip := make([]float64, to-from)
		copy(clip, w.Samples[from:to])
		mean := 0.0
		for _, v := range clip {
			mean += v
		}
		if len(clip) > 0 {
			mean /= float64(len(clip))
		}
		for i := range clip {
			clip[i] -= mean
		}

		frames := fbank.Compute(clip)
		dst := out[c*clipSize : (c+1)*clipSize]
		for t := 0; t < config.TargetFrames; t++ {
			for m := 0; m < mel; m++ {
				var v float32
				if t < len(frames) {
					v = frames[t][m]
				}
				dst[m*config.TargetFrames+t] = (v - config.Mean) / config.Std
			}
		}
	}
	return out
}
