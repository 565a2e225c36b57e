package options

import (
	"errors"
	"fmt"
	"slices"
)

const (
	QuantTypeNF4 = "nf4"
	QuantTypeFP4 = "fp4"

	DTypeBFloat16 = "bfloat16"
	DTypeFloat16  = "float16"
	DTypeFloat32  = "float32"
)

// QuantizationConfig mirrors the bitsandbytes quantization_config found in huggingface model configs.
type QuantizationConfig struct {
	QuantType      string `json:"bnb_4bit_quant_type" yaml:"quant_type"`
	ComputeDType   string `json:"bnb_4bit_compute_dtype" yaml:"compute_dtype"`
	LoadIn4Bit     bool   `json:"load_in_4bit" yaml:"load_in_4bit"`
	LoadIn8Bit     bool   `json:"load_in_8bit" yaml:"load_in_8bit"`
	UseDoubleQuant bool   `json:"bnb_4bit_use_double_quant" yaml:"double_quant"`
}

// DefaultQuantization is 4-bit nf4 weights with double quantization and bfloat16 compute.
func DefaultQuantization() QuantizationConfig {
	return QuantizationConfig{
		LoadIn4Bit:     true,
		UseDoubleQuant: true,
		QuantType:      QuantTypeNF4,
		ComputeDType:   DTypeBFloat16,
	}
}

func (q QuantizationConfig) Validate() error {
	var validationErrors []error
	if q.LoadIn4Bit == q.LoadIn8Bit {
		validationErrors = append(validationErrors, errors.New("exactly one of load_in_4bit and load_in_8bit must be set"))
	}
	if q.LoadIn4Bit && !slices.Contains([]string{QuantTypeNF4, QuantTypeFP4}, q.QuantType) {
		validationErrors = append(validationErrors, fmt.Errorf("quantization type %q not recognized", q.QuantType))
	}
	if q.ComputeDType != "" && !slices.Contains([]string{DTypeBFloat16, DTypeFloat16, DTypeFloat32}, q.ComputeDType) {
		validationErrors = append(validationErrors, fmt.Errorf("compute dtype %q not recognized", q.ComputeDType))
	}
	return errors.Join(validationErrors...)
}

// VariantSuffix is the onnx filename suffix of the exported weights matching this config,
// following the naming of onnx-community exports (model_bnb4.onnx, model_q4f16.onnx, ...).
func (q *QuantizationConfig) VariantSuffix() string {
	switch {
	case q == nil:
		return ""
	case q.LoadIn8Bit:
		return "_int8"
	case q.ComputeDType == DTypeFloat16:
		return "_q4f16"
	case q.QuantType == QuantTypeNF4:
		return "_bnb4"
	default:
		return "_q4"
	}
}

func (q *QuantizationConfig) String() string {
	if q == nil {
		return "none"
	}
	if q.LoadIn8Bit {
		return "8bit"
	}
	return fmt.Sprintf("4bit %s double_quant=%t compute=%s", q.QuantType, q.UseDoubleQuant, q.ComputeDType)
}
