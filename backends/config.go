package backends

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ModelConfig is the subset of a causal language model's config.json the decoder needs.
type ModelConfig struct {
	// QuantizationConfig is set for exports that only ship quantized weights.
	QuantizationConfig    *options.QuantizationConfig `json:"quantization_config,omitempty"`
	BosTokenID            *int64                      `json:"bos_token_id,omitempty"`
	EosTokenIDRaw         jsoniter.RawMessage         `json:"eos_token_id,omitempty"`
	HiddenSize            int                         `json:"hidden_size"`
	VocabSize             int                         `json:"vocab_size"`
	MaxPositionEmbeddings int                         `json:"max_position_embeddings"`
	EosTokenIDs           map[int64]bool              `json:"-"`
}

// checkQuantization rejects a requested quantization whose weights the export does not ship.
func (c *ModelConfig) checkQuantization(requested *options.QuantizationConfig) error {
	declared := c.QuantizationConfig
	if declared == nil || requested == nil {
		return nil
	}
	if declared.VariantSuffix() != requested.VariantSuffix() {
		return fmt.Errorf("config.json declares %s quantization but %s was requested", declared, requested)
	}
	return nil
}

// LoadModelConfig reads config.json from the model folder.
func LoadModelConfig(path string) (*ModelConfig, error) {
	configPath := fileutil.PathJoinSafe(path, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("config.json not found at %s", path)
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	if err = json.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	if config.HiddenSize <= 0 {
		return nil, errors.New("config.json must declare a positive hidden_size")
	}
	config.EosTokenIDs, err = parseEosTokenIDs(config.EosTokenIDRaw)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func parseEosTokenIDs(raw jsoniter.RawMessage) (map[int64]bool, error) {
	ids := map[int64]bool{}
	if len(raw) == 0 || string(raw) == "null" {
		return ids, nil
	}
	var single int64
	if err := json.Unmarshal(raw, &single); err == nil {
		ids[single] = true
		return ids, nil
	}
	var list []int64
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.New("eos_token_id must be either a number or an array of numbers")
	}
	for _, id := range list {
		ids[id] = true
	}
	return ids, nil
}

// EmbedderConfig describes the shapes the multimodal encoders expect. Zero values take the
// ImageBind defaults.
type EmbedderConfig struct {
	LogitScales        map[string]float32 `json:"logit_scales,omitempty"`
	TextContextLength  int                `json:"text_context_length"`
	ImageSize          int                `json:"image_size"`
	AudioClips         int                `json:"audio_clips"`
	AudioClipSeconds   float64            `json:"audio_clip_seconds"`
	AudioMelBins       int                `json:"audio_mel_bins"`
	AudioTargetLength  int                `json:"audio_target_length"`
	VideoClips         int                `json:"video_clips"`
	VideoFramesPerClip int                `json:"video_frames_per_clip"`
	PointCount         int                `json:"point_count"`
}

func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		TextContextLength:  77,
		ImageSize:          224,
		AudioClips:         3,
		AudioClipSeconds:   2,
		AudioMelBins:       128,
		AudioTargetLength:  204,
		VideoClips:         5,
		VideoFramesPerClip: 2,
		PointCount:         1024,
		LogitScales:        map[string]float32{},
	}
}

func (c *EmbedderConfig) fillDefaults() {
	d := DefaultEmbedderConfig()
	if c.TextContextLength <= 0 {
		c.TextContextLength = d.TextContextLength
	}
	if c.ImageSize <= 0 {
		c.ImageSize = d.ImageSize
	}
	if c.AudioClips <= 0 {
		c.AudioClips = d.AudioClips
	}
	if c.AudioClipSeconds <= 0 {
		c.AudioClipSeconds = d.AudioClipSeconds
	}
	if c.AudioMelBins <= 0 {
		c.AudioMelBins = d.AudioMelBins
	}
	if c.AudioTargetLength <= 0 {
		c.AudioTargetLength = d.AudioTargetLength
	}
	if c.VideoClips <= 0 {
		c.VideoClips = d.VideoClips
	}
	if c.VideoFramesPerClip <= 0 {
		c.VideoFramesPerClip = d.VideoFramesPerClip
	}
	if c.PointCount <= 0 {
		c.PointCount = d.PointCount
	}
	if c.LogitScales == nil {
		c.LogitScales = map[string]float32{}
	}
}

// LoadEmbedderConfig reads the optional embedder_config.json from the embedder folder.
func LoadEmbedderConfig(path string) (EmbedderConfig, error) {
	config := EmbedderConfig{}
	configPath := fileutil.PathJoinSafe(path, "embedder_config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil {
		return config, err
	}
	if exists {
		configBytes, readErr := fileutil.ReadFileBytes(configPath)
		if readErr != nil {
			return config, readErr
		}
		if readErr = json.Unmarshal(configBytes, &config); readErr != nil {
			return config, fmt.Errorf("parsing embedder_config.json: %w", readErr)
		}
	}
	config.fillDefaults()
	return config, nil
}
