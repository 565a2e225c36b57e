package pipelines

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
)

const (
	TextOutput  = "Text"
	ImageOutput = "Image"
)

// CheckOutputKind accepts only the output kinds that can be generated.
func CheckOutputKind(outputKind string) error {
	switch outputKind {
	case TextOutput:
		return nil
	case ImageOutput:
		return &errs.UnsupportedOutputKindError{OutputKind: outputKind}
	default:
		return &errs.InvalidOutputKindError{OutputKind: outputKind}
	}
}

// CheckMaxNewTokens requires a positive token budget.
func CheckMaxNewTokens(maxNewTokens int) error {
	if maxNewTokens <= 0 {
		return &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("max_new_tokens must be positive, got %d", maxNewTokens)}
	}
	return nil
}

// GenerationPipeline runs the generation backend on embeddings and decodes the result.
type GenerationPipeline struct {
	Backend         GenerationBackend
	Decoder         Decoder
	PipelineName    string
	GenerateTimings *backends.Timings
	DecodeTimings   *backends.Timings
}

func NewGenerationPipeline(backend GenerationBackend, decoder Decoder) *GenerationPipeline {
	return &GenerationPipeline{
		Backend:         backend,
		Decoder:         decoder,
		PipelineName:    "generation",
		GenerateTimings: &backends.Timings{},
		DecodeTimings:   &backends.Timings{},
	}
}

// Run generates up to maxNewTokens tokens and returns them as text with special and control
// tokens removed.
func (p *GenerationPipeline) Run(ctx context.Context, embeddings modality.EmbeddingSet, maxNewTokens int, outputKind string) (string, error) {
	if err := CheckOutputKind(outputKind); err != nil {
		return "", err
	}
	if err := CheckMaxNewTokens(maxNewTokens); err != nil {
		return "", err
	}
	if len(embeddings) == 0 {
		return "", &errs.EmptyBatchError{}
	}

	start := time.Now()
	ids, err := p.Backend.Generate(ctx, embeddings, maxNewTokens)
	p.GenerateTimings.Track(start)
	if err != nil {
		return "", asGenerationError(err)
	}
	return p.Decode(ids)
}

// Decode turns generated ids into clean text.
func (p *GenerationPipeline) Decode(ids []uint32) (string, error) {
	start := time.Now()
	text, err := p.Decoder.Decode(ids, true)
	p.DecodeTimings.Track(start)
	if err != nil {
		return "", asGenerationError(err)
	}
	return backends.StripControl(text), nil
}

func asGenerationError(err error) error {
	var generationErr *errs.GenerationError
	if errors.As(err, &generationErr) {
		return err
	}
	return &errs.GenerationError{Cause: err}
}

// GetStats returns the runtime statistics for the pipeline.
func (p *GenerationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		statLine("Generate", p.GenerateTimings),
		statLine("Decode", p.DecodeTimings),
	}
}
