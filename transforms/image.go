package transforms

import (
	"context"
	"image"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/util/imageutil"
)

func visionSteps(size int) []imageutil.PreprocessStep {
	return []imageutil.PreprocessStep{imageutil.ResizeStep(size), imageutil.CenterCropStep(size, size)}
}

func visionNormalization() []imageutil.NormalizationStep {
	return []imageutil.NormalizationStep{imageutil.RescaleStep(), imageutil.CLIPPixelNormalizationStep()}
}

// ImageTransform decodes an image file into float32 pixels of shape [1, 3, size, size].
func ImageTransform(size int) TransformFunc {
	return func(_ context.Context, reference string) (*tensor.Dense, error) {
		b, err := readReference(modality.Image, reference)
		if err != nil {
			return nil, err
		}
		img, err := imageutil.DecodeImage(b)
		if err != nil {
			return nil, err
		}
		out := make([]float32, 3*size*size)
		if err = preprocessInto(img, size, out); err != nil {
			return nil, err
		}
		return backends.NewFloat32Tensor(out, 1, 3, size, size), nil
	}
}

func preprocessInto(img image.Image, size int, out []float32) error {
	processed, err := imageutil.Preprocess(img, visionSteps(size))
	if err != nil {
		return err
	}
	return imageutil.ToCHW(processed, visionNormalization(), out)
}
