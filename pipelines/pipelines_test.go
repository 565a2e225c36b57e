package pipelines

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
)

type stubTransforms struct {
	calls map[modality.Kind]int
	fail  map[modality.Kind]error
}

func (s *stubTransforms) Transform(_ context.Context, kind modality.Kind, _ string, device options.Device) (modality.Tensor, error) {
	if s.calls == nil {
		s.calls = map[modality.Kind]int{}
	}
	s.calls[kind]++
	if err := s.fail[kind]; err != nil {
		return modality.Tensor{}, err
	}
	return modality.Tensor{Value: backends.NewFloat32Tensor([]float32{1, 2}, 1, 2), Device: device, Weight: 1}, nil
}

type stubEmbedder struct {
	calls int
	seen  modality.TensorSet
	err   error
}

func (s *stubEmbedder) Embed(_ context.Context, set modality.TensorSet) (modality.EmbeddingSet, error) {
	s.calls++
	s.seen = set
	if s.err != nil {
		return nil, s.err
	}
	out := modality.EmbeddingSet{}
	for kind := range set {
		out[kind] = []float32{1, 0}
	}
	return out, nil
}

type stubGenerator struct {
	calls int
	ids   []uint32
	err   error
}

func (s *stubGenerator) Generate(_ context.Context, _ modality.EmbeddingSet, _ int) ([]uint32, error) {
	s.calls++
	return s.ids, s.err
}

type stubDecoder struct {
	text string
	skip bool
}

func (s *stubDecoder) Decode(_ []uint32, skipSpecialTokens bool) (string, error) {
	s.skip = skipSpecialTokens
	return s.text, nil
}

func TestEmbeddingPipelineSingleCall(t *testing.T) {
	transforms := &stubTransforms{}
	embedder := &stubEmbedder{}
	p := NewEmbeddingPipeline(transforms, embedder, options.CPU())

	batch := modality.Batch{
		modality.Text:  {Reference: "describe"},
		modality.Image: modality.WithWeight("/img.jpg", 0.25),
	}
	out, err := p.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, map[modality.Kind]int{modality.Text: 1, modality.Image: 1}, transforms.calls)
	assert.Equal(t, []modality.Kind{modality.Text, modality.Image}, out.Kinds())
	assert.Equal(t, float32(0.25), embedder.seen[modality.Image].Weight)
	assert.Equal(t, float32(1), embedder.seen[modality.Text].Weight)
	assert.Equal(t, modality.Image, embedder.seen[modality.Image].Kind)
}

func TestEmbeddingPipelineErrors(t *testing.T) {
	notFound := &errs.ResourceNotFoundError{Modality: "Image", Reference: "/missing.jpg"}
	transforms := &stubTransforms{fail: map[modality.Kind]error{modality.Image: notFound}}
	embedder := &stubEmbedder{}
	p := NewEmbeddingPipeline(transforms, embedder, options.CPU())

	_, err := p.Run(context.Background(), modality.Batch{})
	var empty *errs.EmptyBatchError
	assert.ErrorAs(t, err, &empty)

	_, err = p.Run(context.Background(), modality.Batch{modality.Image: {Reference: "/missing.jpg"}})
	assert.ErrorIs(t, err, notFound)
	assert.Equal(t, 0, embedder.calls)

	embedder.err = errors.New("out of memory")
	_, err = p.Run(context.Background(), modality.Batch{modality.Text: {Reference: "hi"}})
	var backendErr *errs.EmbeddingBackendError
	require.ErrorAs(t, err, &backendErr)
	assert.EqualError(t, backendErr.Cause, "out of memory")
}

func TestGenerationPipeline(t *testing.T) {
	generator := &stubGenerator{ids: []uint32{5, 6}}
	decoder := &stubDecoder{text: "a cat\x00 on a mat "}
	p := NewGenerationPipeline(generator, decoder)
	embeddings := modality.EmbeddingSet{modality.Text: {1}}

	out, err := p.Run(context.Background(), embeddings, 10, TextOutput)
	require.NoError(t, err)
	assert.Equal(t, "a cat on a mat", out)
	assert.True(t, decoder.skip)
	assert.Equal(t, 1, generator.calls)
}

func TestGenerationPipelineErrors(t *testing.T) {
	generator := &stubGenerator{}
	p := NewGenerationPipeline(generator, &stubDecoder{})
	embeddings := modality.EmbeddingSet{modality.Text: {1}}

	_, err := p.Run(context.Background(), embeddings, 10, ImageOutput)
	var unsupported *errs.UnsupportedOutputKindError
	assert.ErrorAs(t, err, &unsupported)

	_, err = p.Run(context.Background(), embeddings, 10, "Audio")
	var invalid *errs.InvalidOutputKindError
	assert.ErrorAs(t, err, &invalid)

	_, err = p.Run(context.Background(), embeddings, 0, TextOutput)
	var shape *errs.InvalidRequestShapeError
	assert.ErrorAs(t, err, &shape)
	assert.Equal(t, 0, generator.calls)

	generator.err = errors.New("decoder exploded")
	_, err = p.Run(context.Background(), embeddings, 10, TextOutput)
	var generationErr *errs.GenerationError
	assert.ErrorAs(t, err, &generationErr)
}

func TestGetStats(t *testing.T) {
	p := NewEmbeddingPipeline(&stubTransforms{}, &stubEmbedder{}, options.CPU())
	_, err := p.Run(context.Background(), modality.Batch{modality.Text: {Reference: "hi"}})
	require.NoError(t, err)
	stats := p.GetStats()
	require.Len(t, stats, 3)
	assert.Contains(t, stats[2], "Execution count=1")
}
