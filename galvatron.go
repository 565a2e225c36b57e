// Package galvatron generates text from any mix of text, image, video, audio and point cloud inputs.
// Every input is transformed into a tensor, all of them are embedded together by a multimodal
// embedder, and the embeddings are fed as a prefix to a causal language model.
package galvatron

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/pipelines"
	"github.com/knights-analytics/galvatron/transforms"
)

const DefaultMaxNewTokens = 100

// Galvatron routes modality inputs through transforms, one embedding call and one generation call.
type Galvatron struct {
	LanguageModel      *LanguageModel
	Embedding          *pipelines.EmbeddingPipeline
	Generation         *pipelines.GenerationPipeline
	options            *options.Options
	destroy            []func() error
	environmentDestroy func() error
}

// Components are the collaborators of a Galvatron built without loading models from disk.
type Components struct {
	Transforms pipelines.Transformer
	Embedder   pipelines.EmbeddingBackend
	Generator  pipelines.GenerationBackend
	Decoder    pipelines.Decoder
	Device     options.Device
	Timeout    time.Duration
}

// New loads the language model modelID and the multimodal embedder with the pure go backend.
// The embedder is read from options.WithEmbedderPath, or from the language model folder when unset.
func New(modelID string, opts ...options.WithOption) (*Galvatron, error) {
	return newGalvatron("GO", modelID, noRuntime, opts...)
}

func newGalvatron(backend string, modelID string, init runtimeInit, opts ...options.WithOption) (*Galvatron, error) {
	o, err := parseOptions(backend, opts...)
	if err != nil {
		return nil, err
	}
	environmentDestroy, err := init(o)
	if err != nil {
		return nil, err
	}
	fail := func(err error, destroy ...func() error) (*Galvatron, error) {
		errList := []error{err}
		for _, d := range destroy {
			errList = append(errList, d())
		}
		return nil, errors.Join(append(errList, o.Destroy(), environmentDestroy())...)
	}

	lm, err := loadLanguageModel(modelID, o)
	if err != nil {
		return fail(err)
	}

	embedderID := o.EmbedderPath
	if embedderID == "" {
		embedderID = lm.Path
	}
	embedderPath, err := ResolveModel(embedderID, o)
	if err != nil {
		return fail(&errs.ModelLoadError{Model: embedderID, Cause: err}, lm.Model.Destroy)
	}
	embedder, err := backends.LoadEmbedder(embedderPath, o)
	if err != nil {
		return fail(&errs.ModelLoadError{Model: embedderID, Cause: err}, lm.Model.Destroy)
	}

	// a nil *Tokenizer must not become a non nil interface
	var textTokenizer transforms.TextTokenizer
	if embedder.Tokenizer != nil {
		textTokenizer = embedder.Tokenizer
	}
	registry := transforms.Default(embedder.Config, textTokenizer, embedder.Supports)

	g := NewFromComponents(Components{
		Transforms: registry,
		Embedder:   embedder,
		Generator:  lm.Model,
		Decoder:    lm.Model,
		Device:     o.Device,
		Timeout:    o.Timeout,
	})
	g.LanguageModel = lm
	g.options = o
	g.destroy = []func() error{lm.Model.Destroy, embedder.Destroy, o.Destroy}
	g.environmentDestroy = environmentDestroy

	log.Info().
		Str("model", modelID).
		Str("embedder", embedderPath).
		Str("backend", backend).
		Str("device", o.Device.String()).
		Msg("galvatron ready")
	return g, nil
}

// NewFromComponents assembles a Galvatron from already constructed collaborators.
func NewFromComponents(c Components) *Galvatron {
	o := options.Defaults()
	o.Device = c.Device
	o.Timeout = c.Timeout
	return &Galvatron{
		Embedding:  pipelines.NewEmbeddingPipeline(c.Transforms, c.Embedder, c.Device),
		Generation: pipelines.NewGenerationPipeline(c.Generator, c.Decoder),
		options:    o,
		environmentDestroy: func() error {
			return nil
		},
	}
}

// Generate validates modalityData, a map from modality name to reference (or modality.Input),
// embeds every present modality in one call and generates up to maxNewTokens tokens of outputType.
// Only "Text" output is implemented.
func (g *Galvatron) Generate(ctx context.Context, modalityData any, maxNewTokens int, outputType string) (string, error) {
	if err := pipelines.CheckOutputKind(outputType); err != nil {
		return "", err
	}
	if err := pipelines.CheckMaxNewTokens(maxNewTokens); err != nil {
		return "", err
	}
	batch, err := modality.Validate(modalityData)
	if err != nil {
		return "", err
	}
	return g.GenerateBatch(ctx, batch, maxNewTokens, outputType)
}

// GenerateBatch runs an already validated batch.
func (g *Galvatron) GenerateBatch(ctx context.Context, batch modality.Batch, maxNewTokens int, outputType string) (string, error) {
	if err := pipelines.CheckOutputKind(outputType); err != nil {
		return "", err
	}
	if err := pipelines.CheckMaxNewTokens(maxNewTokens); err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	embeddings, err := g.embedBatch(ctx, requestID, batch)
	if err != nil {
		return "", err
	}

	start := time.Now()
	callCtx, cancel := withTimeout(ctx, g.options.Timeout)
	defer cancel()
	text, err := g.Generation.Run(callCtx, embeddings, maxNewTokens, outputType)
	if err != nil {
		return "", err
	}
	log.Debug().Str("request", requestID).Dur("generate", time.Since(start)).Int("max_new_tokens", maxNewTokens).Msg("generated")
	return text, nil
}

// Embed validates modalityData and returns one embedding per present modality.
func (g *Galvatron) Embed(ctx context.Context, modalityData any) (modality.EmbeddingSet, error) {
	batch, err := modality.Validate(modalityData)
	if err != nil {
		return nil, err
	}
	return g.embedBatch(ctx, uuid.NewString(), batch)
}

func (g *Galvatron) embedBatch(ctx context.Context, requestID string, batch modality.Batch) (modality.EmbeddingSet, error) {
	if len(batch) == 0 {
		return nil, &errs.EmptyBatchError{}
	}
	start := time.Now()
	set, err := g.Embedding.Transform(ctx, batch)
	if err != nil {
		return nil, err
	}
	transformed := time.Since(start)

	start = time.Now()
	callCtx, cancel := withTimeout(ctx, g.options.Timeout)
	defer cancel()
	embeddings, err := g.Embedding.Embed(callCtx, set)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("request", requestID).
		Strs("modalities", kindNames(batch.Kinds())).
		Dur("transform", transformed).
		Dur("embed", time.Since(start)).
		Msg("embedded")
	return embeddings, nil
}

// GenerateText generates from text alone through the language model, without the embedder.
func (g *Galvatron) GenerateText(ctx context.Context, text string, maxNewTokens int) (string, error) {
	if g.LanguageModel == nil {
		return "", errors.New("no language model loaded, text only generation needs a Galvatron created with New")
	}
	return g.LanguageModel.GenerateText(ctx, text, maxNewTokens)
}

// GenerateWithMedia generates text from a prompt plus optional image and audio files. Empty
// arguments are left out.
func (g *Galvatron) GenerateWithMedia(ctx context.Context, text, imagePath, audioPath string, maxNewTokens int) (string, error) {
	batch := modality.Batch{}
	for kind, reference := range map[modality.Kind]string{modality.Text: text, modality.Image: imagePath, modality.Audio: audioPath} {
		if reference != "" {
			batch[kind] = modality.Input{Reference: reference}
		}
	}
	return g.GenerateBatch(ctx, batch, maxNewTokens, pipelines.TextOutput)
}

// GenerateWeighted generates from the inputs of the selected modalities only. Weights are passed
// to the embedder with each input.
func (g *Galvatron) GenerateWeighted(ctx context.Context, selected []string, inputs map[modality.Kind]modality.Input, maxNewTokens int, outputType string) (string, error) {
	if err := pipelines.CheckOutputKind(outputType); err != nil {
		return "", err
	}
	batch := modality.Batch{}
	for _, name := range selected {
		kind, err := modality.ParseKind(name)
		if err != nil {
			return "", err
		}
		if _, ok := batch[kind]; ok {
			return "", &errs.InvalidRequestShapeError{Reason: "modality " + kind.String() + " selected more than once"}
		}
		if input, ok := inputs[kind]; ok && input.Reference != "" {
			batch[kind] = input
		}
	}
	return g.GenerateBatch(ctx, batch, maxNewTokens, outputType)
}

// GetStats returns the runtime statistics of every stage.
func (g *Galvatron) GetStats() []string {
	var stats []string
	for _, p := range []pipelines.Pipeline{g.Embedding, g.Generation} {
		stats = append(stats, p.GetStats()...)
	}
	if g.LanguageModel != nil {
		stats = append(stats, g.LanguageModel.GetStats()...)
	}
	return stats
}

// Destroy frees the models, the tokenizers and the onnxruntime environment.
func (g *Galvatron) Destroy() error {
	log.Info().Msg("destroying galvatron")
	var destroyErrors []error
	for _, d := range g.destroy {
		destroyErrors = append(destroyErrors, d())
	}
	g.destroy = nil
	destroyErrors = append(destroyErrors, g.environmentDestroy())
	g.environmentDestroy = func() error { return nil }
	return errors.Join(destroyErrors...)
}

func kindNames(kinds []modality.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return names
}
