package modality

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/options"
)

// Kind is the closed set of input modalities.
type Kind int

const (
	Text Kind = iota
	Image
	Video
	Audio
	PointCloud
)

// Kinds lists every modality in the order transforms and encoders run.
var Kinds = []Kind{Text, Image, Video, Audio, PointCloud}

var kindNames = map[Kind]string{
	Text:       "Text",
	Image:      "Image",
	Video:      "Video",
	Audio:      "Audio",
	PointCloud: "PointCloud",
}

// lookup accepts the display names plus the spaced "Point Cloud" spelling.
var lookup = map[string]Kind{
	"Text":        Text,
	"Image":       Image,
	"Video":       Video,
	"Audio":       Audio,
	"PointCloud":  PointCloud,
	"Point Cloud": PointCloud,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Slug is the lower snake case name used for encoder file names.
func (k Kind) Slug() string {
	if k == PointCloud {
		return "point_cloud"
	}
	return strings.ToLower(k.String())
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, &errs.UnknownModalityError{Key: k.String()}
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves an exact modality name.
func ParseKind(name string) (Kind, error) {
	if k, ok := lookup[name]; ok {
		return k, nil
	}
	return 0, &errs.UnknownModalityError{Key: name}
}

// Input is a raw reference, a file path or URL for media and literal text for Text, plus a weight.
type Input struct {
	Weight    *float32 `json:"weight,omitempty"`
	Reference string   `json:"reference"`
}

// EffectiveWeight returns the weight, defaulting to 1.
func (i Input) EffectiveWeight() float32 {
	if i.Weight == nil {
		return 1
	}
	return *i.Weight
}

// WithWeight returns an Input carrying the given weight.
func WithWeight(reference string, weight float32) Input {
	return Input{Reference: reference, Weight: &weight}
}

// Batch holds at most one input per modality.
type Batch map[Kind]Input

// Kinds returns the present modalities in canonical order.
func (b Batch) Kinds() []Kind {
	kinds := make([]Kind, 0, len(b))
	for _, k := range Kinds {
		if _, ok := b[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Tensor is the model ready form of one input, created per request.
type Tensor struct {
	Value  *tensor.Dense
	Device options.Device
	Weight float32
	Kind   Kind
}

// TensorSet is everything the embedding backend sees in its single call.
type TensorSet map[Kind]Tensor

// Kinds returns the present modalities in canonical order.
func (s TensorSet) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s))
	for _, k := range Kinds {
		if _, ok := s[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// EmbeddingSet maps each modality to its embedding vector.
type EmbeddingSet map[Kind][]float32

// Kinds returns the embedded modalities in canonical order.
func (e EmbeddingSet) Kinds() []Kind {
	kinds := make([]Kind, 0, len(e))
	for _, k := range Kinds {
		if _, ok := e[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
