package backends

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
)

type fakeSession struct {
	run       func(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error)
	inputs    []InputOutputInfo
	outputs   []InputOutputInfo
	calls     int
	destroyed bool
}

func (f *fakeSession) Run(_ context.Context, inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	f.calls++
	if err := requireInputs(inputs, f.inputs); err != nil {
		return nil, err
	}
	return f.run(inputs)
}

func (f *fakeSession) Inputs() []InputOutputInfo  { return f.inputs }
func (f *fakeSession) Outputs() []InputOutputInfo { return f.outputs }
func (f *fakeSession) Destroy() error {
	f.destroyed = true
	return nil
}

func ioInfo(names ...string) []InputOutputInfo {
	info := make([]InputOutputInfo, len(names))
	for i, n := range names {
		info[i] = InputOutputInfo{Name: n}
	}
	return info
}

const (
	testHidden = 2
	testVocab  = 4
	testEos    = 3
)

// embeds token id i as [i, 1]
func fakeEmbedTokens() *fakeSession {
	return &fakeSession{
		inputs:  ioInfo(inputIDsName),
		outputs: ioInfo(inputsEmbedsName),
		run: func(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
			ids := inputs[inputIDsName].Data().([]int64)
			out := make([]float32, 0, len(ids)*testHidden)
			for _, id := range ids {
				out = append(out, float32(id), 1)
			}
			return map[string]*tensor.Dense{inputsEmbedsName: NewFloat32Tensor(out, 1, len(ids), testHidden)}, nil
		},
	}
}

// predicts token id n for a sequence of length n, so generation counts up until the eos id
func fakeDecoder(extraInputs ...string) *fakeSession {
	return &fakeSession{
		inputs:  ioInfo(append([]string{inputsEmbedsName, attentionMaskName}, extraInputs...)...),
		outputs: ioInfo(logitsName),
		run: func(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
			n := inputs[inputsEmbedsName].Shape()[1]
			logits := make([]float32, n*testVocab)
			logits[(n-1)*testVocab+min(n, testVocab-1)] = 1
			return map[string]*tensor.Dense{logitsName: NewFloat32Tensor(logits, 1, n, testVocab)}, nil
		},
	}
}

func testCausalLM() *CausalLM {
	return &CausalLM{
		Config:      &ModelConfig{HiddenSize: testHidden, EosTokenIDs: map[int64]bool{testEos: true}},
		Timings:     &Timings{},
		embedTokens: fakeEmbedTokens(),
		decoder:     fakeDecoder(),
		DecoderFile: "decoder_model.onnx",
	}
}

func TestGreedyStopsAtEos(t *testing.T) {
	m := testCausalLM()
	ids, err := m.Generate(context.Background(), modality.EmbeddingSet{modality.Text: {0.5, 0.5}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids)

	ids, err = m.Generate(context.Background(), modality.EmbeddingSet{modality.Text: {0.5, 0.5}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ids)
	assert.Equal(t, uint64(2), m.Timings.Calls())
}

func TestGreedyPrependsBos(t *testing.T) {
	m := testCausalLM()
	bos := int64(0)
	m.Config.BosTokenID = &bos
	ids, err := m.Generate(context.Background(), modality.EmbeddingSet{modality.Image: {1, 0}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, ids, "bos and one modality row make a prefix of two")
}

func TestGreedyChecksVocabSize(t *testing.T) {
	m := testCausalLM()
	m.Config.VocabSize = testVocab
	_, err := m.Generate(context.Background(), modality.EmbeddingSet{modality.Text: {0.5, 0.5}}, 2)
	require.NoError(t, err)

	m.Config.VocabSize = 32
	_, err = m.Generate(context.Background(), modality.EmbeddingSet{modality.Text: {0.5, 0.5}}, 2)
	assert.ErrorContains(t, err, "vocab_size of 32")
}

func TestCheckQuantization(t *testing.T) {
	nf4 := options.DefaultQuantization()
	fp4 := options.QuantizationConfig{LoadIn4Bit: true, QuantType: options.QuantTypeFP4}

	config := &ModelConfig{}
	assert.NoError(t, config.checkQuantization(&fp4), "undeclared exports accept any variant")

	config.QuantizationConfig = &nf4
	assert.NoError(t, config.checkQuantization(nil))
	assert.NoError(t, config.checkQuantization(&nf4))
	assert.ErrorContains(t, config.checkQuantization(&fp4), "declares 4bit nf4")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 8, "quantization_config":
		{"load_in_4bit": true, "bnb_4bit_quant_type": "nf4", "bnb_4bit_compute_dtype": "bfloat16"}}`), 0o600))
	o := options.Defaults()
	o.Backend = "GO"
	o.UseQuantization = true
	o.Quantization = &fp4
	_, err := LoadCausalLM(dir, o)
	assert.ErrorContains(t, err, "but 4bit fp4")
}

func TestGreedyRespectsContext(t *testing.T) {
	m := testCausalLM()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Generate(ctx, modality.EmbeddingSet{modality.Text: {1, 1}}, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProject(t *testing.T) {
	m := testCausalLM()
	_, err := m.Project(context.Background(), modality.EmbeddingSet{modality.Audio: {1, 2, 3}})
	assert.ErrorContains(t, err, "hidden size")

	projector := &fakeSession{
		inputs:  ioInfo("embeddings"),
		outputs: ioInfo("projected"),
		run: func(inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
			in := inputs["embeddings"]
			rows := in.Shape()[0]
			data := in.Data().([]float32)
			out := make([]float32, 0, rows*testHidden)
			for r := 0; r < rows; r++ {
				out = append(out, data[r*3], data[r*3+1]+data[r*3+2])
			}
			return map[string]*tensor.Dense{"projected": NewFloat32Tensor(out, rows, testHidden)}, nil
		},
	}
	m.projector = projector
	rows, err := m.Project(context.Background(), modality.EmbeddingSet{
		modality.Audio: {7, 1, 1},
		modality.Text:  {1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 5}, {7, 2}}, rows, "rows follow canonical modality order")
	assert.Equal(t, 1, projector.calls)
}

func TestCheckDecoderInputs(t *testing.T) {
	m := testCausalLM()
	m.decoder = fakeDecoder(positionIDsName)
	require.NoError(t, m.checkDecoderInputs())
	assert.True(t, m.usePositionIDs)

	m.decoder = fakeDecoder("past_key_values.0.key")
	assert.ErrorContains(t, m.checkDecoderInputs(), "key value cache")

	m.decoder = &fakeSession{inputs: ioInfo(inputIDsName)}
	assert.Error(t, m.checkDecoderInputs())
}

func TestCausalLMDestroy(t *testing.T) {
	m := testCausalLM()
	embed, decoder := m.embedTokens.(*fakeSession), m.decoder.(*fakeSession)
	require.NoError(t, m.Destroy())
	assert.True(t, embed.destroyed)
	assert.True(t, decoder.destroyed)
}

func TestDecoderFilename(t *testing.T) {
	assert.Equal(t, "decoder_model.onnx", DecoderFilename(nil))
	q := options.DefaultQuantization()
	assert.Equal(t, "decoder_model_bnb4.onnx", DecoderFilename(&q))
}

func fakeEncoder(rows [][]float32) *fakeSession {
	return &fakeSession{
		inputs:  ioInfo("input"),
		outputs: ioInfo("embeddings"),
		run: func(_ map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
			var data []float32
			for _, r := range rows {
				data = append(data, r...)
			}
			return map[string]*tensor.Dense{"embeddings": NewFloat32Tensor(data, len(rows), len(rows[0]))}, nil
		},
	}
}

func TestEmbedderPoolsAndNormalises(t *testing.T) {
	audio := fakeEncoder([][]float32{{1, 0}, {3, 0}})
	image := fakeEncoder([][]float32{{0, 4}})
	e := &Embedder{
		Config:   DefaultEmbedderConfig(),
		Timings:  &Timings{},
		encoders: map[modality.Kind]Session{modality.Audio: audio, modality.Image: image},
	}
	e.Config.LogitScales["Audio"] = 20

	input := NewFloat32Tensor([]float32{0}, 1)
	out, err := e.Embed(context.Background(), modality.TensorSet{
		modality.Audio: {Kind: modality.Audio, Value: input, Weight: 1},
		modality.Image: {Kind: modality.Image, Value: input, Weight: 0.5},
	})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{20, 0}, out[modality.Audio], 1e-5)
	assert.InDeltaSlice(t, []float32{0, 0.5}, out[modality.Image], 1e-5)
	assert.Equal(t, 1, audio.calls)
	assert.Equal(t, uint64(1), e.Timings.Calls())

	_, err = e.Embed(context.Background(), modality.TensorSet{modality.Video: {Kind: modality.Video, Value: input, Weight: 1}})
	var unsupported *errs.UnsupportedModalityError
	assert.ErrorAs(t, err, &unsupported)
	assert.True(t, e.Supports(modality.Audio))
	assert.False(t, e.Supports(modality.Video))
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadModelConfig(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"hidden_size": 8, "vocab_size": 32, "eos_token_id": [2, 7], "bos_token_id": 1}`), 0o600))
	config, err := LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, config.HiddenSize)
	assert.Equal(t, map[int64]bool{2: true, 7: true}, config.EosTokenIDs)
	assert.Equal(t, int64(1), *config.BosTokenID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 8, "eos_token_id": 5}`), 0o600))
	config, err = LoadModelConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{5: true}, config.EosTokenIDs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 8, "eos_token_id": "x"}`), 0o600))
	_, err = LoadModelConfig(dir)
	assert.Error(t, err)
}

func TestLoadEmbedderConfig(t *testing.T) {
	dir := t.TempDir()
	config, err := LoadEmbedderConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultEmbedderConfig(), config)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "embedder_config.json"),
		[]byte(`{"image_size": 32, "logit_scales": {"Audio": 20}}`), 0o600))
	config, err = LoadEmbedderConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 32, config.ImageSize)
	assert.Equal(t, 77, config.TextContextLength)
	assert.Equal(t, float32(20), config.LogitScales["Audio"])
}

func TestLoadEmbedderWithoutEncoders(t *testing.T) {
	o := options.Defaults()
	o.Backend = "GO"
	_, err := LoadEmbedder(t.TempDir(), o)
	assert.ErrorContains(t, err, "no *_encoder.onnx files")
}

func TestRunWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	_, err := runWithContext(ctx, func() (map[string]*tensor.Dense, error) {
		<-release
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	boom := errors.New("boom")
	_, err = runWithContext(context.Background(), func() (map[string]*tensor.Dense, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRunOwnedReleasesAbandonedInputs(t *testing.T) {
	acquired, released := 0, make(chan []int, 1)
	acquire := func() ([]int, error) {
		acquired++
		return []int{1, 2}, nil
	}
	release := func(values []int) error {
		released <- values
		return nil
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runOwned(cancelled, acquire, release, func([]int) (map[string]*tensor.Dense, error) { return nil, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, acquired, "nothing is allocated for a run that never starts")

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelTimeout()
	finish := make(chan struct{})
	_, err = runOwned(ctx, acquire, release, func([]int) (map[string]*tensor.Dense, error) {
		<-finish
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, released, "inputs stay alive while the abandoned run uses them")
	close(finish)
	select {
	case values := <-released:
		assert.Equal(t, []int{1, 2}, values)
	case <-time.After(time.Second):
		t.Fatal("inputs of the abandoned run were not released")
	}

	boom := errors.New("boom")
	_, err = runOwned(context.Background(), func() ([]int, error) { return []int{1}, boom }, release,
		func([]int) (map[string]*tensor.Dense, error) {
			t.Fatal("run called after a failed acquire")
			return nil, nil
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1}, <-released, "partially acquired inputs are released")
}

func TestStripControl(t *testing.T) {
	assert.Equal(t, "hello\nworld", StripControl(" hello\x00\nworld\x1b "))
}
