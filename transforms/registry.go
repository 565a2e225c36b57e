// Package transforms turns raw modality references into model ready tensors.
package transforms

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

// TransformFunc converts one reference into a tensor. Errors other than ResourceNotFoundError
// are reported as TransformError by the Registry.
type TransformFunc func(ctx context.Context, reference string) (*tensor.Dense, error)

// TextTokenizer is what the text transform needs from a tokenizer.
type TextTokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]uint32, error)
}

// Registry maps each modality to its transform.
type Registry struct {
	transforms map[modality.Kind]TransformFunc
}

func NewRegistry() *Registry {
	return &Registry{transforms: map[modality.Kind]TransformFunc{}}
}

// Default registers the built in transforms for every kind accepted by supported, shaped by config.
// A nil supported accepts every kind.
func Default(config backends.EmbedderConfig, tk TextTokenizer, supported func(modality.Kind) bool) *Registry {
	r := NewRegistry()
	add := func(kind modality.Kind, fn TransformFunc) {
		if supported == nil || supported(kind) {
			r.Register(kind, fn)
		}
	}
	if tk != nil {
		add(modality.Text, TextTransform(tk, config.TextContextLength))
	}
	add(modality.Image, ImageTransform(config.ImageSize))
	add(modality.Video, VideoTransform(config.ImageSize, config.VideoClips, config.VideoFramesPerClip))
	add(modality.Audio, AudioTransform(config.AudioClips, config.AudioClipSeconds, config.AudioMelBins, config.AudioTargetLength))
	add(modality.PointCloud, PointCloudTransform(config.PointCount))
	return r
}

// Register sets the transform for kind, replacing any previous one.
func (r *Registry) Register(kind modality.Kind, fn TransformFunc) {
	r.transforms[kind] = fn
}

func (r *Registry) Has(kind modality.Kind) bool {
	_, ok := r.transforms[kind]
	return ok
}

// Transform runs the transform registered for kind on reference and places the result on device.
func (r *Registry) Transform(ctx context.Context, kind modality.Kind, reference string, device options.Device) (modality.Tensor, error) {
	fn, ok := r.transforms[kind]
	if !ok {
		return modality.Tensor{}, &errs.UnsupportedModalityError{Modality: kind.String()}
	}
	value, err := fn(ctx, reference)
	if err != nil {
		var notFound *errs.ResourceNotFoundError
		var transformErr *errs.TransformError
		if errors.As(err, &notFound) || errors.As(err, &transformErr) {
			return modality.Tensor{}, err
		}
		return modality.Tensor{}, &errs.TransformError{Modality: kind.String(), Reference: reference, Cause: err}
	}
	return modality.Tensor{Kind: kind, Value: value, Device: device, Weight: 1}, nil
}

// readReference loads the bytes behind a file path or afs url.
func readReference(kind modality.Kind, reference string) ([]byte, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, &errs.ResourceNotFoundError{Modality: kind.String(), Reference: reference, Cause: errors.New("empty reference")}
	}
	exists, err := fileutil.FileExists(reference)
	if err != nil {
		return nil, &errs.ResourceNotFoundError{Modality: kind.String(), Reference: reference, Cause: err}
	}
	if !exists {
		return nil, &errs.ResourceNotFoundError{Modality: kind.String(), Reference: reference}
	}
	b, err := fileutil.ReadFileBytes(reference)
	if err != nil {
		return nil, &errs.ResourceNotFoundError{Modality: kind.String(), Reference: reference, Cause: err}
	}
	return b, nil
}

func extension(reference string) string {
	return strings.ToLower(path.Ext(reference))
}

func unsupportedCodec(reference string) error {
	return fmt.Errorf("unsupported codec %q", extension(reference))
}
