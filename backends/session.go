package backends

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
	"github.com/knights-analytics/galvatron/util/safeconv"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. Dynamic dimensions are -1 or 0.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// Session is one loaded onnx graph, run on either the pure go or the onnxruntime backend.
type Session interface {
	Run(ctx context.Context, inputs map[string]*tensor.Dense) (map[string]*tensor.Dense, error)
	Inputs() []InputOutputInfo
	Outputs() []InputOutputInfo
	Destroy() error
}

// NewSession creates a session for the configured backend from the onnx bytes.
func NewSession(onnxBytes []byte, o *options.Options) (Session, error) {
	switch o.Backend {
	case "ORT":
		session, err := newORTSession(onnxBytes, o)
		if err != nil {
			return nil, err
		}
		return session, nil
	case "GO":
		session, err := newGoSession(onnxBytes)
		if err != nil {
			return nil, err
		}
		return session, nil
	default:
		return nil, fmt.Errorf("runtime %s not recognized", o.Backend)
	}
}

// LoadSession reads an onnx file from any afs supported location and creates a session for it.
func LoadSession(path string, o *options.Options) (Session, error) {
	onnxBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	session, err := NewSession(onnxBytes, o)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return session, nil
}

// runWithContext runs a blocking graph execution and gives up waiting once ctx is done. Neither
// runtime can interrupt a running graph, so an abandoned run completes in the background.
func runWithContext(ctx context.Context, run func() (map[string]*tensor.Dense, error)) (map[string]*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ctx.Done() == nil {
		return run()
	}
	type result struct {
		outputs map[string]*tensor.Dense
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outputs, err := run()
		done <- result{outputs: outputs, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.outputs, r.err
	}
}

// runOwned is runWithContext for runs whose inputs need freeing. acquire and release both happen on
// the run's side, so inputs of an abandoned run are released once it completes.
func runOwned[T any](ctx context.Context, acquire func() (T, error), release func(T) error,
	run func(T) (map[string]*tensor.Dense, error),
) (map[string]*tensor.Dense, error) {
	return runWithContext(ctx, func() (map[string]*tensor.Dense, error) {
		values, err := acquire()
		if err != nil {
			return nil, errors.Join(err, release(values))
		}
		outputs, err := run(values)
		return outputs, errors.Join(err, release(values))
	})
}

func requireInputs(inputs map[string]*tensor.Dense, meta []InputOutputInfo) error {
	var missing []error
	for _, m := range meta {
		if _, ok := inputs[m.Name]; !ok {
			missing = append(missing, fmt.Errorf("input %s not provided", m.Name))
		}
	}
	return errors.Join(missing...)
}

// Timings accumulates call counts and durations. Safe for concurrent use.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// Track records one call that started at start.
func (t *Timings) Track(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *Timings) Calls() uint64 {
	return atomic.LoadUint64(&t.NumCalls)
}

func (t *Timings) Total() time.Duration {
	return safeconv.U64ToDuration(atomic.LoadUint64(&t.TotalNS))
}

func (t *Timings) Average() time.Duration {
	return time.Duration(float64(atomic.LoadUint64(&t.TotalNS)) / math.Max(1, float64(t.Calls())))
}
