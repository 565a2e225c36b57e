package transforms

import (
	"context"
	"errors"
	"image"
	"math"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/util/audioutil"
	"github.com/knights-analytics/galvatron/util/fileutil"
	"github.com/knights-analytics/galvatron/util/imageutil"
)

// VideoTransform samples clips of frames from an animated gif or a folder of frame images into
// float32 pixels of shape [clips, 3, framesPerClip, size, size].
func VideoTransform(size, clips, framesPerClip int) TransformFunc {
	return func(_ context.Context, reference string) (*tensor.Dense, error) {
		frames, err := loadFrames(reference)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, errors.New("video has no frames")
		}

		plane := size * size
		clipSize := 3 * framesPerClip * plane
		out := make([]float32, clips*clipSize)
		frame := make([]float32, 3*plane)
		for c, indices := range sampleFrames(len(frames), clips, framesPerClip) {
			for t, idx := range indices {
				if err = preprocessInto(frames[idx], size, frame); err != nil {
					return nil, err
				}
				for ch := 0; ch < 3; ch++ {
					dst := c*clipSize + (ch*framesPerClip+t)*plane
					copy(out[dst:dst+plane], frame[ch*plane:(ch+1)*plane])
				}
			}
		}
		return backends.NewFloat32Tensor(out, clips, 3, framesPerClip, size, size), nil
	}
}

func loadFrames(reference string) ([]image.Image, error) {
	if reference == "" {
		return nil, &errs.ResourceNotFoundError{Modality: modality.Video.String(), Reference: reference, Cause: errors.New("empty reference")}
	}
	if info, statErr := fileutil.FileStats(reference); statErr == nil && info.IsDir() {
		paths, err := fileutil.ListFiles(reference)
		if err != nil {
			return nil, &errs.ResourceNotFoundError{Modality: modality.Video.String(), Reference: reference, Cause: err}
		}
		return imageutil.LoadImagesFromPaths(paths)
	}
	b, err := readReference(modality.Video, reference)
	if err != nil {
		return nil, err
	}
	if extension(reference) != ".gif" {
		return nil, unsupportedCodec(reference)
	}
	return imageutil.DecodeGIFFrames(b)
}

// sampleFrames picks framesPerClip evenly spaced frame indices inside each of clips evenly spaced
// windows over numFrames frames.
func sampleFrames(numFrames, clips, framesPerClip int) [][]int {
	clipLength := max(1, numFrames/clips)
	starts := audioutil.ClipStarts(float64(numFrames), float64(clipLength), clips)
	out := make([][]int, clips)
	for c, start := range starts {
		indices := make([]int, framesPerClip)
		for t := range indices {
			offset := 0.0
			if framesPerClip > 1 {
				offset = float64(t) * float64(clipLength-1) / float64(framesPerClip-1)
			}
			indices[t] = min(numFrames-1, int(math.Round(start+offset)))
		}
		out[c] = indices
	}
	return out
}
