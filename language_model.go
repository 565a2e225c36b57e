package galvatron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/galvatron/backends"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/pipelines"
)

// loadCausalLM is swapped out by tests that only inspect the resolved configuration.
var loadCausalLM = backends.LoadCausalLM

// runtimeInit prepares the runtime environment for a backend and returns its teardown.
type runtimeInit func(o *options.Options) (func() error, error)

func noRuntime(_ *options.Options) (func() error, error) {
	return func() error { return nil }, nil
}

// LanguageModel owns a causal language model and its tokenizer. It is loaded once and read only
// afterwards, so it can be shared by concurrent calls when the backend allows it.
type LanguageModel struct {
	Model              *backends.CausalLM
	options            *options.Options
	environmentDestroy func() error
	ModelID            string
	Path               string
}

// NewLanguageModel loads a language model with the pure go backend. modelID is a local path, a
// folder name inside the models folder, or a huggingface repository to download.
func NewLanguageModel(modelID string, opts ...options.WithOption) (*LanguageModel, error) {
	return newLanguageModel("GO", modelID, noRuntime, opts...)
}

func parseOptions(backend string, opts ...options.WithOption) (*options.Options, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	if err := parsedOptions.Validate(); err != nil {
		return nil, err
	}
	return parsedOptions, nil
}

func newLanguageModel(backend string, modelID string, init runtimeInit, opts ...options.WithOption) (*LanguageModel, error) {
	o, err := parseOptions(backend, opts...)
	if err != nil {
		return nil, err
	}
	environmentDestroy, err := init(o)
	if err != nil {
		return nil, err
	}
	lm, err := loadLanguageModel(modelID, o)
	if err != nil {
		return nil, errors.Join(err, o.Destroy(), environmentDestroy())
	}
	lm.environmentDestroy = environmentDestroy
	return lm, nil
}

// loadLanguageModel resolves and loads the model on an already initialised runtime.
func loadLanguageModel(modelID string, o *options.Options) (*LanguageModel, error) {
	path, err := ResolveModel(modelID, o)
	if err != nil {
		return nil, &errs.ModelLoadError{Model: modelID, Cause: err}
	}
	model, err := loadCausalLM(path, o)
	if err != nil {
		return nil, &errs.ModelLoadError{Model: modelID, Cause: err}
	}
	log.Info().
		Str("model", modelID).
		Str("path", path).
		Str("backend", o.Backend).
		Str("device", o.Device.String()).
		Str("quantization", model.Quantization.String()).
		Msg("language model ready")
	return &LanguageModel{
		Model:   model,
		options: o,
		ModelID: modelID,
		Path:    path,
		environmentDestroy: func() error {
			return nil
		},
	}, nil
}

// QuantizationConfig returns the quantization the model was loaded with, nil when unquantized.
func (lm *LanguageModel) QuantizationConfig() *options.QuantizationConfig {
	return lm.Model.Quantization
}

// Device is the device the model was placed on at construction.
func (lm *LanguageModel) Device() options.Device {
	return lm.options.Device
}

// GenerateText continues text with up to maxNewTokens tokens and returns the prompt followed by
// its continuation, without special or control tokens.
func (lm *LanguageModel) GenerateText(ctx context.Context, text string, maxNewTokens int) (string, error) {
	if err := pipelines.CheckMaxNewTokens(maxNewTokens); err != nil {
		return "", err
	}
	if text == "" {
		return "", &errs.InvalidRequestShapeError{Reason: "text must not be empty"}
	}
	ctx, cancel := withTimeout(ctx, lm.options.Timeout)
	defer cancel()

	ids, err := lm.Model.GenerateText(ctx, text, maxNewTokens)
	if err != nil {
		return "", &errs.GenerationError{Cause: err}
	}
	decoded, err := lm.Model.Decode(ids, true)
	if err != nil {
		return "", &errs.GenerationError{Cause: err}
	}
	return backends.StripControl(decoded), nil
}

// GetStats returns the runtime statistics for the model.
func (lm *LanguageModel) GetStats() []string {
	stats := []string{
		fmt.Sprintf("Statistics for language model: %s", lm.ModelID),
		fmt.Sprintf("Decoder: Total time=%s, Execution count=%d, Average query time=%s",
			lm.Model.Timings.Total(), lm.Model.Timings.Calls(), lm.Model.Timings.Average()),
	}
	if tk := lm.Model.Tokenizer; tk != nil && tk.TokenizerTimings != nil {
		stats = append(stats, fmt.Sprintf("Tokenizer: Total time=%s, Execution count=%d, Average query time=%s",
			tk.TokenizerTimings.Total(), tk.TokenizerTimings.Calls(), tk.TokenizerTimings.Average()))
	}
	return stats
}

// Destroy frees the model, its tokenizer and, for standalone models, the runtime environment.
func (lm *LanguageModel) Destroy() error {
	log.Info().Str("model", lm.ModelID).Msg("destroying language model")
	var destroyErr error
	if lm.Model != nil {
		destroyErr = lm.Model.Destroy()
	}
	return errors.Join(destroyErr, lm.options.Destroy(), lm.environmentDestroy())
}

// withTimeout bounds ctx by timeout when one is configured.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
