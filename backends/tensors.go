package backends

import (
	"fmt"

	"gorgonia.org/tensor"
)

func NewFloat32Tensor(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func NewInt64Tensor(data []int64, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Float32Data returns the backing slice of a float32 tensor.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected a float32 tensor, got %s", t.Dtype())
	}
	return data, nil
}

// firstOutput returns the output named like the session's first declared output.
func firstOutput(session Session, outputs map[string]*tensor.Dense) (*tensor.Dense, error) {
	meta := session.Outputs()
	if len(meta) == 0 {
		return nil, fmt.Errorf("session declares no outputs")
	}
	out, ok := outputs[meta[0].Name]
	if !ok {
		return nil, fmt.Errorf("output %s missing from session results", meta[0].Name)
	}
	return out, nil
}
