package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
	"github.com/knights-analytics/galvatron/util/safeconv"
	"github.com/knights-analytics/galvatron/util/vectorutil"
)

const (
	embedTokensFilename = "embed_tokens.onnx"
	projectorFilename   = "projector.onnx"

	inputIDsName      = "input_ids"
	inputsEmbedsName  = "inputs_embeds"
	attentionMaskName = "attention_mask"
	positionIDsName   = "position_ids"
	logitsName        = "logits"
)

// CausalLM is an onnx export of a decoder only language model split into a token embedding graph
// and a decoder graph that consumes embeddings, so that modality embeddings can be fed as a prefix.
// Decoding is greedy and recomputes the full sequence at every step.
type CausalLM struct {
	Config         *ModelConfig
	Quantization   *options.QuantizationConfig
	Tokenizer      *Tokenizer
	Timings        *Timings
	embedTokens    Session
	decoder        Session
	projector      Session
	Path           string
	DecoderFile    string
	usePositionIDs bool
}

// DecoderFilename returns the decoder variant selected by a quantization config.
func DecoderFilename(q *options.QuantizationConfig) string {
	return "decoder_model" + q.VariantSuffix() + ".onnx"
}

// LoadCausalLM loads tokenizer, config and graphs from a model folder. The decoder variant is
// chosen by the effective quantization of o.
func LoadCausalLM(path string, o *options.Options) (*CausalLM, error) {
	config, err := LoadModelConfig(path)
	if err != nil {
		return nil, err
	}
	quantization := o.EffectiveQuantization()
	if err = config.checkQuantization(quantization); err != nil {
		return nil, err
	}
	model := &CausalLM{
		Config:       config,
		Quantization: quantization,
		Timings:      &Timings{},
		Path:         path,
		DecoderFile:  DecoderFilename(quantization),
	}

	decoderPath := fileutil.PathJoinSafe(path, model.DecoderFile)
	exists, err := fileutil.FileExists(decoderPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		if quantization != nil {
			return nil, fmt.Errorf("quantized decoder %s (%s) not found at %s", model.DecoderFile, quantization, path)
		}
		return nil, fmt.Errorf("decoder %s not found at %s", model.DecoderFile, path)
	}

	if model.decoder, err = LoadSession(decoderPath, o); err != nil {
		return nil, err
	}
	if err = model.checkDecoderInputs(); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	if model.embedTokens, err = LoadSession(fileutil.PathJoinSafe(path, embedTokensFilename), o); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}

	projectorPath := fileutil.PathJoinSafe(path, projectorFilename)
	if exists, err = fileutil.FileExists(projectorPath); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	if exists {
		if model.projector, err = LoadSession(projectorPath, o); err != nil {
			return nil, errors.Join(err, model.Destroy())
		}
	}

	if model.Tokenizer, err = LoadTokenizer(path, o); err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	log.Info().Str("path", path).Str("decoder", model.DecoderFile).Bool("projector", model.projector != nil).Msg("loaded causal language model")
	return model, nil
}

func (m *CausalLM) checkDecoderInputs() error {
	var hasEmbeds, hasMask bool
	for _, input := range m.decoder.Inputs() {
		switch {
		case input.Name == inputsEmbedsName:
			hasEmbeds = true
		case input.Name == attentionMaskName:
			hasMask = true
		case input.Name == positionIDsName:
			m.usePositionIDs = true
		case strings.HasPrefix(input.Name, "past_key_values"):
			return fmt.Errorf("%s expects a key value cache (%s), export the decoder without past_key_values", m.DecoderFile, input.Name)
		default:
			return fmt.Errorf("%s has unsupported input %s", m.DecoderFile, input.Name)
		}
	}
	if !hasEmbeds || !hasMask {
		return fmt.Errorf("%s must take %s and %s", m.DecoderFile, inputsEmbedsName, attentionMaskName)
	}
	return nil
}

// embedIDs returns one hidden size row per token id.
func (m *CausalLM) embedIDs(ctx context.Context, ids []int64) ([][]float32, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	outputs, err := m.embedTokens.Run(ctx, map[string]*tensor.Dense{
		inputIDsName: NewInt64Tensor(ids, 1, len(ids)),
	})
	if err != nil {
		return nil, err
	}
	out, err := firstOutput(m.embedTokens, outputs)
	if err != nil {
		return nil, err
	}
	data, err := Float32Data(out)
	if err != nil {
		return nil, err
	}
	h := m.Config.HiddenSize
	if len(data) != len(ids)*h {
		return nil, fmt.Errorf("token embeddings have %d values, expected %d tokens of size %d", len(data), len(ids), h)
	}
	rows := make([][]float32, len(ids))
	for i := range rows {
		rows[i] = data[i*h : (i+1)*h]
	}
	return rows, nil
}

// Project maps modality embeddings into the decoder's hidden space, one row per modality in
// canonical order.
func (m *CausalLM) Project(ctx context.Context, embeddings modality.EmbeddingSet) ([][]float32, error) {
	kinds := embeddings.Kinds()
	if len(kinds) == 0 {
		return nil, nil
	}
	h := m.Config.HiddenSize
	if m.projector == nil {
		rows := make([][]float32, len(kinds))
		for i, kind := range kinds {
			if len(embeddings[kind]) != h {
				return nil, fmt.Errorf("%s embedding has size %d but the decoder hidden size is %d and no %s was found", kind, len(embeddings[kind]), h, projectorFilename)
			}
			rows[i] = embeddings[kind]
		}
		return rows, nil
	}

	dim := len(embeddings[kinds[0]])
	stacked := make([]float32, 0, dim*len(kinds))
	for _, kind := range kinds {
		if len(embeddings[kind]) != dim {
			return nil, fmt.Errorf("%s embedding has size %d, expected %d", kind, len(embeddings[kind]), dim)
		}
		stacked = append(stacked, embeddings[kind]...)
	}
	outputs, err := m.projector.Run(ctx, map[string]*tensor.Dense{
		m.projector.Inputs()[0].Name: NewFloat32Tensor(stacked, len(kinds), dim),
	})
	if err != nil {
		return nil, fmt.Errorf("projector: %w", err)
	}
	out, err := firstOutput(m.projector, outputs)
	if err != nil {
		return nil, err
	}
	data, err := Float32Data(out)
	if err != nil {
		return nil, err
	}
	if len(data) != len(kinds)*h {
		return nil, fmt.Errorf("projector returned %d values, expected %d rows of size %d", len(data), len(kinds), h)
	}
	rows := make([][]float32, len(kinds))
	for i := range rows {
		rows[i] = data[i*h : (i+1)*h]
	}
	return rows, nil
}

// Generate decodes up to maxNewTokens tokens conditioned on the modality embeddings.
func (m *CausalLM) Generate(ctx context.Context, embeddings modality.EmbeddingSet, maxNewTokens int) ([]uint32, error) {
	prefix, err := m.Project(ctx, embeddings)
	if err != nil {
		return nil, err
	}
	if m.Config.BosTokenID != nil {
		bos, bosErr := m.embedIDs(ctx, []int64{*m.Config.BosTokenID})
		if bosErr != nil {
			return nil, bosErr
		}
		prefix = append(bos, prefix...)
	}
	return m.greedy(ctx, prefix, maxNewTokens)
}

// GenerateText continues text with up to maxNewTokens tokens. The returned ids are the prompt's
// followed by the generated ones.
func (m *CausalLM) GenerateText(ctx context.Context, text string, maxNewTokens int) ([]uint32, error) {
	ids, err := m.Tokenizer.Encode(text, true)
	if err != nil {
		return nil, err
	}
	prefix, err := m.embedIDs(ctx, safeconv.ToInt64Slice(ids))
	if err != nil {
		return nil, err
	}
	generated, err := m.greedy(ctx, prefix, maxNewTokens)
	if err != nil {
		return nil, err
	}
	return append(ids, generated...), nil
}

// Decode turns generated ids into text, without special tokens.
func (m *CausalLM) Decode(ids []uint32, skipSpecialTokens bool) (string, error) {
	return m.Tokenizer.Decode(ids, skipSpecialTokens)
}

func (m *CausalLM) greedy(ctx context.Context, sequence [][]float32, maxNewTokens int) ([]uint32, error) {
	if len(sequence) == 0 {
		return nil, errors.New("generation needs at least one prefix embedding")
	}
	start := time.Now()
	defer m.Timings.Track(start)

	h := m.Config.HiddenSize
	generated := make([]uint32, 0, maxNewTokens)
	for step := 0; step < maxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if m.Config.MaxPositionEmbeddings > 0 && len(sequence) >= m.Config.MaxPositionEmbeddings {
			break
		}
		n := len(sequence)
		embeds := make([]float32, 0, n*h)
		for _, row := range sequence {
			embeds = append(embeds, row...)
		}
		mask := make([]int64, n)
		positions := make([]int64, n)
		for i := range mask {
			mask[i] = 1
			positions[i] = int64(i)
		}
		inputs := map[string]*tensor.Dense{
			inputsEmbedsName:  NewFloat32Tensor(embeds, 1, n, h),
			attentionMaskName: NewInt64Tensor(mask, 1, n),
		}
		if m.usePositionIDs {
			inputs[positionIDsName] = NewInt64Tensor(positions, 1, n)
		}

		outputs, err := m.decoder.Run(ctx, inputs)
		if err != nil {
			return nil, err
		}
		logits, ok := outputs[logitsName]
		if !ok {
			if logits, err = firstOutput(m.decoder, outputs); err != nil {
				return nil, err
			}
		}
		data, err := Float32Data(logits)
		if err != nil {
			return nil, err
		}
		shape := logits.Shape()
		if len(shape) == 0 {
			return nil, errors.New("decoder returned scalar logits")
		}
		vocab := shape[len(shape)-1]
		if vocab == 0 || len(data) < vocab {
			return nil, fmt.Errorf("decoder returned logits of shape %v", shape)
		}
		if m.Config.VocabSize > 0 && vocab != m.Config.VocabSize {
			return nil, fmt.Errorf("decoder returned logits over %d tokens, config.json declares a vocab_size of %d", vocab, m.Config.VocabSize)
		}
		next := int64(vectorutil.ArgMax(data[len(data)-vocab:]))
		if m.Config.EosTokenIDs[next] {
			break
		}
		generated = append(generated, uint32(next))

		nextEmbedding, err := m.embedIDs(ctx, []int64{next})
		if err != nil {
			return nil, err
		}
		sequence = append(sequence, nextEmbedding[0])
	}
	return generated, nil
}

func (m *CausalLM) Destroy() error {
	var destroyErr error
	for _, session := range []Session{m.embedTokens, m.decoder, m.projector} {
		if session != nil {
			destroyErr = errors.Join(destroyErr, session.Destroy())
		}
	}
	m.embedTokens, m.decoder, m.projector = nil, nil, nil
	if m.Tokenizer != nil {
		destroyErr = errors.Join(destroyErr, m.Tokenizer.Destroy())
		m.Tokenizer = nil
	}
	return destroyErr
}
