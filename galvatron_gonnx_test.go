package galvatron

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/options"
)

// Token ids of the word level vocabulary in tinyTokenizer.
const (
	tinyUnk = iota
	tinyHello
	tinyWorld
	tinyAgain
	tinyEos
	tinyVocab
)

const tinyTokenizer = `{
  "version": "1.0",
  "added_tokens": [],
  "pre_tokenizer": {"type": "WhitespaceSplit"},
  "model": {
    "type": "WordLevel",
    "unk_token": "<unk>",
    "vocab": {"<unk>": 0, "hello": 1, "world": 2, "again": 3, "</s>": 4}
  }
}`

func dim(name string, size int64) *onnx.TensorShapeProto_Dimension {
	if name != "" {
		return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimParam{DimParam: name}}
	}
	return &onnx.TensorShapeProto_Dimension{Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: size}}
}

func valueInfo(name string, elemType onnx.TensorProto_DataType, dims ...*onnx.TensorShapeProto_Dimension) *onnx.ValueInfoProto {
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{Value: &onnx.TypeProto_TensorType{TensorType: &onnx.TypeProto_Tensor{
			ElemType: int32(elemType),
			Shape:    &onnx.TensorShapeProto{Dim: dims},
		}}},
	}
}

func floatInitializer(name string, data []float32, dims ...int64) *onnx.TensorProto {
	return &onnx.TensorProto{Name: name, DataType: int32(onnx.TensorProto_FLOAT), Dims: dims, FloatData: data}
}

func shapeInitializer(name string, shape ...int64) *onnx.TensorProto {
	return &onnx.TensorProto{Name: name, DataType: int32(onnx.TensorProto_INT64), Dims: []int64{int64(len(shape))}, Int64Data: shape}
}

func writeGraph(t *testing.T, path string, graph *onnx.GraphProto) {
	t.Helper()
	model := &onnx.ModelProto{
		IrVersion:   8,
		OpsetImport: []*onnx.OperatorSetIdProto{{Version: 13}},
		Graph:       graph,
	}
	b, err := proto.Marshal(model)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

// transitions maps a token to the token the decoder predicts after it.
var transitions = map[int]int{tinyUnk: tinyEos, tinyHello: tinyWorld, tinyWorld: tinyAgain, tinyAgain: tinyEos, tinyEos: tinyEos}

// writeTinyModel writes a language model and a point cloud embedder into dir. Token embeddings
// are one hot, so the decoder's weight matrix is the table of next tokens. The point cloud encoder
// is dominated by its bias and embeds every cloud close to the "hello" token.
func writeTinyModel(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"hidden_size": 5, "vocab_size": 5, "eos_token_id": 4, "max_position_embeddings": 16}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tinyTokenizer), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "embedder_config.json"), []byte(`{"point_count": 2}`), 0o600))

	identity := make([]float32, tinyVocab*tinyVocab)
	next := make([]float32, tinyVocab*tinyVocab)
	for i := 0; i < tinyVocab; i++ {
		identity[i*tinyVocab+i] = 1
		next[i*tinyVocab+transitions[i]] = 1
	}

	writeGraph(t, filepath.Join(dir, "embed_tokens.onnx"), &onnx.GraphProto{
		Name:        "embed_tokens",
		Node:        []*onnx.NodeProto{{OpType: "Gather", Input: []string{"weight", "input_ids"}, Output: []string{"inputs_embeds"}}},
		Initializer: []*onnx.TensorProto{floatInitializer("weight", identity, tinyVocab, tinyVocab)},
		Input:       []*onnx.ValueInfoProto{valueInfo("input_ids", onnx.TensorProto_INT64, dim("", 1), dim("sequence", 0))},
		Output:      []*onnx.ValueInfoProto{valueInfo("inputs_embeds", onnx.TensorProto_FLOAT, dim("", 1), dim("sequence", 0), dim("", tinyVocab))},
	})

	writeGraph(t, filepath.Join(dir, "decoder_model.onnx"), &onnx.GraphProto{
		Name: "decoder",
		Node: []*onnx.NodeProto{
			{OpType: "Reshape", Input: []string{"inputs_embeds", "rows"}, Output: []string{"flat"}},
			{OpType: "MatMul", Input: []string{"flat", "next"}, Output: []string{"logits"}},
		},
		Initializer: []*onnx.TensorProto{
			floatInitializer("next", next, tinyVocab, tinyVocab),
			shapeInitializer("rows", -1, tinyVocab),
		},
		Input: []*onnx.ValueInfoProto{
			valueInfo("inputs_embeds", onnx.TensorProto_FLOAT, dim("", 1), dim("sequence", 0), dim("", tinyVocab)),
			valueInfo("attention_mask", onnx.TensorProto_INT64, dim("", 1), dim("sequence", 0)),
		},
		Output: []*onnx.ValueInfoProto{valueInfo("logits", onnx.TensorProto_FLOAT, dim("sequence", 0), dim("", tinyVocab))},
	})

	projection := make([]float32, 3*tinyVocab)
	for i := range projection {
		projection[i] = 0.001
	}
	bias := make([]float32, tinyVocab)
	bias[tinyHello] = 10
	writeGraph(t, filepath.Join(dir, "point_cloud_encoder.onnx"), &onnx.GraphProto{
		Name: "point_cloud_encoder",
		Node: []*onnx.NodeProto{
			{OpType: "Reshape", Input: []string{"points", "rows"}, Output: []string{"flat"}},
			{OpType: "MatMul", Input: []string{"flat", "projection"}, Output: []string{"projected"}},
			{OpType: "Add", Input: []string{"projected", "bias"}, Output: []string{"embeddings"}},
		},
		Initializer: []*onnx.TensorProto{
			shapeInitializer("rows", -1, 3),
			floatInitializer("projection", projection, 3, tinyVocab),
			floatInitializer("bias", bias, tinyVocab),
		},
		Input:  []*onnx.ValueInfoProto{valueInfo("points", onnx.TensorProto_FLOAT, dim("", 1), dim("", 2), dim("", 3))},
		Output: []*onnx.ValueInfoProto{valueInfo("embeddings", onnx.TensorProto_FLOAT, dim("", 2), dim("", tinyVocab))},
	})
}

func tinyModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTinyModel(t, dir)
	return dir
}

func TestGoBackendLanguageModel(t *testing.T) {
	dir := tinyModelDir(t)
	lm, err := NewLanguageModel(dir, options.WithoutDownload())
	require.NoError(t, err)
	defer func() { assert.NoError(t, lm.Destroy()) }()

	out, err := lm.GenerateText(context.Background(), "hello", 10)
	require.NoError(t, err)
	assert.Equal(t, "hello world again", out, "the prompt is followed by its continuation up to the eos token")

	out, err = lm.GenerateText(context.Background(), "hello", 1)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = lm.GenerateText(context.Background(), "world", 10)
	require.NoError(t, err)
	assert.Equal(t, "world again", out)
	assert.Equal(t, uint64(3), lm.Model.Timings.Calls())
}

func TestGoBackendMultimodal(t *testing.T) {
	dir := tinyModelDir(t)
	cloud := filepath.Join(t.TempDir(), "scan.xyz")
	require.NoError(t, os.WriteFile(cloud, []byte("0 0 0\n1 2 3\n-1 0 2\n"), 0o600))

	g, err := New(dir, options.WithoutDownload())
	require.NoError(t, err)
	defer func() { assert.NoError(t, g.Destroy()) }()

	embeddings, err := g.Embed(context.Background(), map[string]string{"Point Cloud": cloud})
	require.NoError(t, err)
	require.Len(t, embeddings, 1)
	for _, embedding := range embeddings {
		require.Len(t, embedding, tinyVocab)
		assert.InDelta(t, 1, embedding[tinyHello], 1e-3)
	}

	out, err := g.Generate(context.Background(), map[string]string{"Point Cloud": cloud}, 10, "Text")
	require.NoError(t, err)
	assert.Equal(t, "world again", out)

	_, err = g.Generate(context.Background(), map[string]string{"Image": cloud}, 10, "Text")
	assert.Error(t, err, "the embedder only ships a point cloud encoder")
}

func TestGoBackendConcurrentCalls(t *testing.T) {
	dir := tinyModelDir(t)
	cloud := filepath.Join(t.TempDir(), "scan.xyz")
	require.NoError(t, os.WriteFile(cloud, []byte("0 0 0\n1 2 3\n"), 0o600))

	g, err := New(dir, options.WithoutDownload())
	require.NoError(t, err)
	defer func() { assert.NoError(t, g.Destroy()) }()

	const workers = 8
	outputs := make([]string, workers*2)
	errList := make([]error, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			outputs[i], errList[i] = g.Generate(context.Background(), map[string]string{"Point Cloud": cloud}, 10, "Text")
		}(i)
		go func(i int) {
			defer wg.Done()
			outputs[workers+i], errList[workers+i] = g.GenerateText(context.Background(), "hello", 10)
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, errList[i])
		require.NoError(t, errList[workers+i])
		assert.Equal(t, "world again", outputs[i])
		assert.Equal(t, "hello world again", outputs[workers+i])
	}
}

func TestGoBackendDeclaredQuantization(t *testing.T) {
	dir := tinyModelDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 5, "vocab_size": 5, "eos_token_id": 4,
		"quantization_config": {"load_in_8bit": true}}`), 0o600))

	_, err := backends.LoadCausalLM(dir, func() *options.Options {
		o := options.Defaults()
		o.Backend = "GO"
		o.UseQuantization = true
		return o
	}())
	assert.ErrorContains(t, err, "declares 8bit quantization")

	lm, err := NewLanguageModel(dir, options.WithoutDownload())
	require.NoError(t, err, "unquantized loading ignores the declaration")
	assert.NoError(t, lm.Destroy())
}
