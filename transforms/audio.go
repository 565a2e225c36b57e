package transforms

import (
	"context"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/util/audioutil"
)

// AudioTransform decodes a wav file into normalised log mel clips of shape
// [clips, 1, melBins, targetLength].
func AudioTransform(clips int, clipSeconds float64, melBins, targetLength int) TransformFunc {
	config := audioutil.DefaultClipConfig()
	config.NumClips = clips
	config.ClipDuration = clipSeconds
	config.Fbank.NumMelBins = melBins
	config.TargetFrames = targetLength

	return func(_ context.Context, reference string) (*tensor.Dense, error) {
		b, err := readReference(modality.Audio, reference)
		if err != nil {
			return nil, err
		}
		waveform, err := audioutil.DecodeWAV(b)
		if err != nil {
			if ext := extension(reference); ext != ".wav" && ext != ".wave" {
				return nil, unsupportedCodec(reference)
			}
			return nil, err
		}
		out := audioutil.MelClips(waveform, config)
		return backends.NewFloat32Tensor(out, clips, 1, melBins, targetLength), nil
	}
}
