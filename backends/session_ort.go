//go:build cgo && (ORT || ALL)

package backends

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/options"
)

type ortSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

func newORTSession(onnxBytes []byte, o *options.Options) (*ortSession, error) {
	sessionOptions, ok := o.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return nil, errors.New("onnxruntime session options are not initialised, create the model with an ORT constructor")
	}
	inputs, outputs, err := loadInputOutputMetaORTBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ortSession{session: session, inputs: inputs, outputs: outputs}, nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func (s *ortSession) Inputs() []InputOutputInfo  { return s.inputs }
func (s *ortSession) Outputs() []InputOutputInfo { return s.outputs }

func (s *ortSession) Run(ctx context.Context, inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error) {
	if err := requireInputs(inputs, s.inputs); err != nil {
		return nil, err
	}
	acquire := func() ([]ort.Value, error) {
		inputValues := make([]ort.Value, 0, len(s.inputs))
		for _, meta := range s.inputs {
			value, err := toORTValue(inputs[meta.Name])
			if err != nil {
				return inputValues, fmt.Errorf("input %s: %w", meta.Name, err)
			}
			inputValues = append(inputValues, value)
		}
		return inputValues, nil
	}
	release := func(inputValues []ort.Value) error {
		var destroyErr error
		for _, v := range inputValues {
			destroyErr = errors.Join(destroyErr, v.Destroy())
		}
		return destroyErr
	}
	return runOwned(ctx, acquire, release, func(inputValues []ort.Value) (map[string]*tensor.Dense, error) {
		// nil outputs are allocated by onnxruntime
		outputValues := make([]ort.Value, len(s.outputs))
		if err := s.session.Run(inputValues, outputValues); err != nil {
			return nil, err
		}
		defer func() {
			for _, v := range outputValues {
				if v != nil {
					_ = v.Destroy()
				}
			}
		}()
		converted := make(map[string]*tensor.Dense, len(outputValues))
		for i, v := range outputValues {
			dense, convErr := fromORTValue(v)
			if convErr != nil {
				return nil, fmt.Errorf("output %s: %w", s.outputs[i].Name, convErr)
			}
			converted[s.outputs[i].Name] = dense
		}
		return converted, nil
	})
}

func toORTValue(t *tensor.Dense) (ort.Value, error) {
	shape := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return ort.NewTensor(ort.NewShape(shape...), data)
	case []int64:
		return ort.NewTensor(ort.NewShape(shape...), data)
	case []int32:
		return ort.NewTensor(ort.NewShape(shape...), data)
	default:
		return nil, fmt.Errorf("unsupported tensor type %s", t.Dtype())
	}
}

func fromORTValue(v ort.Value) (*tensor.Dense, error) {
	var dims []int
	for _, d := range v.GetShape() {
		dims = append(dims, int(d))
	}
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return NewFloat32Tensor(append([]float32(nil), t.GetData()...), dims...), nil
	case *ort.Tensor[int64]:
		return NewInt64Tensor(append([]int64(nil), t.GetData()...), dims...), nil
	default:
		return nil, fmt.Errorf("unsupported output value %T", v)
	}
}

func (s *ortSession) Destroy() error {
	return s.session.Destroy()
}
