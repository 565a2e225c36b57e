package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// goSession runs onnx graphs in pure go with gonnx. It needs no cgo and runs on the cpu only.
// gonnx does not promise that Model.Run is safe for concurrent use, so runs are serialised.
type goSession struct {
	mu      sync.Mutex
	model   *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func newGoSession(onnxBytes []byte) (*goSession, error) {
	model, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(model)
	return &goSession{model: model, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func (s *goSession) Inputs() []InputOutputInfo  { return s.inputs }
func (s *goSession) Outputs() []InputOutputInfo { return s.outputs }

func (s *goSession) Run(ctx context.Context, inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	if err := requireInputs(inputs, s.inputs); err != nil {
		return nil, err
	}
	inputMap := make(map[string]tensor.Tensor, len(s.inputs))
	for _, meta := range s.inputs {
		inputMap[meta.Name] = inputs[meta.Name]
	}
	return runWithContext(ctx, func() (map[string]*tensor.Dense, error) {
		s.mu.Lock()
		tensors, err := s.model.Run(inputMap)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		outputs := make(map[string]*tensor.Dense, len(tensors))
		for name, t := range tensors {
			dense, ok := t.(*tensor.Dense)
			if !ok {
				return nil, fmt.Errorf("output %s has unsupported tensor type %T", name, t)
			}
			outputs[name] = dense
		}
		return outputs, nil
	})
}

func (s *goSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = nil
	return nil
}
