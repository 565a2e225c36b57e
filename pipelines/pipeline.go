// Package pipelines holds the two request stages that sit between the transforms and the models:
// the embedding pipeline, which turns a validated batch into one embedding call, and the
// generation pipeline, which turns embeddings into decoded output.
package pipelines

import (
	"context"
	"fmt"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
)

// Transformer converts one modality reference into a model ready tensor.
type Transformer interface {
	Transform(ctx context.Context, kind modality.Kind, reference string, device options.Device) (modality.Tensor, error)
}

// EmbeddingBackend embeds every present modality in a single call.
type EmbeddingBackend interface {
	Embed(ctx context.Context, set modality.TensorSet) (modality.EmbeddingSet, error)
}

// GenerationBackend produces new token ids conditioned on modality embeddings.
type GenerationBackend interface {
	Generate(ctx context.Context, embeddings modality.EmbeddingSet, maxNewTokens int) ([]uint32, error)
}

// Decoder turns token ids back into text.
type Decoder interface {
	Decode(ids []uint32, skipSpecialTokens bool) (string, error)
}

// Pipeline is implemented by both request stages.
type Pipeline interface {
	GetStats() []string
}

func statLine(name string, t *backends.Timings) string {
	return fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
		name, t.Total(), t.Calls(), t.Average())
}
