package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
	"github.com/knights-analytics/galvatron/util/vectorutil"
)

// Embedder is the multimodal embedding backend: one onnx encoder per supported modality,
// projecting every modality into the same embedding space.
type Embedder struct {
	Tokenizer *Tokenizer
	Timings   *Timings
	encoders  map[modality.Kind]Session
	Path      string
	Config    EmbedderConfig
}

// EncoderFilename is the onnx file expected for a modality, e.g. point_cloud_encoder.onnx.
func EncoderFilename(kind modality.Kind) string {
	return kind.Slug() + "_encoder.onnx"
}

// LoadEmbedder loads every encoder present in the embedder folder. Missing encoders leave their
// modality unsupported.
func LoadEmbedder(path string, o *options.Options) (*Embedder, error) {
	config, err := LoadEmbedderConfig(path)
	if err != nil {
		return nil, err
	}
	if o.TextContextLength > 0 {
		config.TextContextLength = o.TextContextLength
	}
	embedder := &Embedder{
		Path:     path,
		Config:   config,
		Timings:  &Timings{},
		encoders: map[modality.Kind]Session{},
	}

	for _, kind := range modality.Kinds {
		encoderPath := fileutil.PathJoinSafe(path, EncoderFilename(kind))
		exists, existsErr := fileutil.FileExists(encoderPath)
		if existsErr != nil {
			return nil, errors.Join(existsErr, embedder.Destroy())
		}
		if !exists {
			continue
		}
		session, loadErr := LoadSession(encoderPath, o)
		if loadErr != nil {
			return nil, errors.Join(loadErr, embedder.Destroy())
		}
		if len(session.Inputs()) == 0 || len(session.Outputs()) == 0 {
			return nil, errors.Join(fmt.Errorf("%s must declare at least one input and one output", EncoderFilename(kind)), session.Destroy(), embedder.Destroy())
		}
		embedder.encoders[kind] = session
		log.Debug().Str("modality", kind.String()).Str("path", encoderPath).Msg("loaded encoder")
	}
	if len(embedder.encoders) == 0 {
		return nil, fmt.Errorf("no *_encoder.onnx files found at %s", path)
	}

	if _, ok := embedder.encoders[modality.Text]; ok {
		tk, tkErr := LoadTokenizer(path, o)
		if tkErr != nil {
			return nil, errors.Join(tkErr, embedder.Destroy())
		}
		embedder.Tokenizer = tk
	}
	return embedder, nil
}

// Supports reports whether an encoder for kind was loaded.
func (e *Embedder) Supports(kind modality.Kind) bool {
	_, ok := e.encoders[kind]
	return ok
}

// Embed runs every modality in the set through its encoder and returns one embedding per modality.
// Clip embeddings are mean pooled and L2 normalised, then multiplied by the modality's logit scale
// if configured and by the input weight.
func (e *Embedder) Embed(ctx context.Context, set modality.TensorSet) (modality.EmbeddingSet, error) {
	start := time.Now()
	defer e.Timings.Track(start)

	embeddings := modality.EmbeddingSet{}
	for _, kind := range set.Kinds() {
		input := set[kind]
		session, ok := e.encoders[kind]
		if !ok {
			return nil, &errs.UnsupportedModalityError{Modality: kind.String()}
		}
		outputs, err := session.Run(ctx, map[string]*tensor.Dense{session.Inputs()[0].Name: input.Value})
		if err != nil {
			return nil, fmt.Errorf("%s encoder: %w", kind, err)
		}
		out, err := firstOutput(session, outputs)
		if err != nil {
			return nil, fmt.Errorf("%s encoder: %w", kind, err)
		}
		data, err := Float32Data(out)
		if err != nil {
			return nil, fmt.Errorf("%s encoder: %w", kind, err)
		}
		shape := out.Shape()
		if len(shape) == 0 {
			return nil, fmt.Errorf("%s encoder returned a scalar", kind)
		}
		dim := shape[len(shape)-1]
		if dim == 0 || len(data)%dim != 0 {
			return nil, fmt.Errorf("%s encoder returned an output of shape %v", kind, shape)
		}
		embedding := vectorutil.MeanRows(data, dim)
		vectorutil.Normalize(embedding)
		if scale, scaled := e.Config.LogitScales[kind.String()]; scaled {
			vectorutil.Scale(embedding, scale)
		}
		vectorutil.Scale(embedding, input.Weight)
		embeddings[kind] = embedding
	}
	return embeddings, nil
}

func (e *Embedder) Destroy() error {
	var destroyErr error
	for kind, session := range e.encoders {
		destroyErr = errors.Join(destroyErr, session.Destroy())
		delete(e.encoders, kind)
	}
	if e.Tokenizer != nil {
		destroyErr = errors.Join(destroyErr, e.Tokenizer.Destroy())
		e.Tokenizer = nil
	}
	return destroyErr
}
