package pipelines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
)

// EmbeddingPipeline transforms every input of a batch and embeds them together.
type EmbeddingPipeline struct {
	Transforms       Transformer
	Backend          EmbeddingBackend
	Device           options.Device
	PipelineName     string
	TransformTimings *backends.Timings
	EmbedTimings     *backends.Timings
}

func NewEmbeddingPipeline(transforms Transformer, backend EmbeddingBackend, device options.Device) *EmbeddingPipeline {
	return &EmbeddingPipeline{
		Transforms:       transforms,
		Backend:          backend,
		Device:           device,
		PipelineName:     "embedding",
		TransformTimings: &backends.Timings{},
		EmbedTimings:     &backends.Timings{},
	}
}

// Transform runs the registered transform once per present modality, in canonical order, and
// attaches each input's weight. The first failure aborts the batch.
func (p *EmbeddingPipeline) Transform(ctx context.Context, batch modality.Batch) (modality.TensorSet, error) {
	if len(batch) == 0 {
		return nil, &errs.EmptyBatchError{}
	}
	set := make(modality.TensorSet, len(batch))
	for _, kind := range batch.Kinds() {
		start := time.Now()
		input := batch[kind]
		t, err := p.Transforms.Transform(ctx, kind, input.Reference, p.Device)
		p.TransformTimings.Track(start)
		if err != nil {
			return nil, err
		}
		t.Kind = kind
		t.Weight = input.EffectiveWeight()
		set[kind] = t
	}
	return set, nil
}

// Embed hands the whole tensor set to the backend in one call.
func (p *EmbeddingPipeline) Embed(ctx context.Context, set modality.TensorSet) (modality.EmbeddingSet, error) {
	if len(set) == 0 {
		return nil, &errs.EmptyBatchError{}
	}
	start := time.Now()
	embeddings, err := p.Backend.Embed(ctx, set)
	p.EmbedTimings.Track(start)
	if err != nil {
		var backendErr *errs.EmbeddingBackendError
		if errors.As(err, &backendErr) {
			return nil, err
		}
		return nil, &errs.EmbeddingBackendError{Cause: err}
	}
	for _, kind := range set.Kinds() {
		if _, ok := embeddings[kind]; !ok {
			return nil, &errs.EmbeddingBackendError{Cause: fmt.Errorf("backend returned no embedding for %s", kind)}
		}
	}
	return embeddings, nil
}

// Run transforms and embeds a batch.
func (p *EmbeddingPipeline) Run(ctx context.Context, batch modality.Batch) (modality.EmbeddingSet, error) {
	set, err := p.Transform(ctx, batch)
	if err != nil {
		return nil, err
	}
	return p.Embed(ctx, set)
}

// GetStats returns the runtime statistics for the pipeline.
func (p *EmbeddingPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		statLine("Transform", p.TransformTimings),
		statLine("Embed", p.EmbedTimings),
	}
}
