//go:build cgo && (ORT || ALL)

package galvatron

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

// NewORT is New on onnxruntime. Only one ORT backed instance can be alive at a time.
func NewORT(modelID string, opts ...options.WithOption) (*Galvatron, error) {
	return newGalvatron("ORT", modelID, ortRuntime, opts...)
}

// NewORTLanguageModel is NewLanguageModel on onnxruntime.
func NewORTLanguageModel(modelID string, opts ...options.WithOption) (*LanguageModel, error) {
	return newLanguageModel("ORT", modelID, ortRuntime, opts...)
}

func ortRuntime(o *options.Options) (func() error, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another galvatron instance is currently using onnxruntime, and only one can be active at one time")
	}
	if initialised, err := initialiseORT(o); err != nil {
		if initialised {
			return nil, errors.Join(err, o.Destroy(), ort.DestroyEnvironment())
		}
		return nil, err
	}
	return ort.DestroyEnvironment, nil
}

func initialiseORT(o *options.Options) (bool, error) {
	ortOptions := o.ORTOptions
	if ortOptions.LibraryPath != nil {
		exists, err := fileutil.FileExists(*ortOptions.LibraryPath)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *ortOptions.LibraryPath)
		}
		ort.SetSharedLibraryPath(*ortOptions.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if ortOptions.Telemetry != nil && *ortOptions.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// shared by every session of this instance
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return true, err
	}
	o.BackendOptions = sessionOptions
	o.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if ortOptions.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*ortOptions.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if ortOptions.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*ortOptions.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if ortOptions.CPUMemArena != nil {
		if err = sessionOptions.SetCpuMemArena(*ortOptions.CPUMemArena); err != nil {
			return true, err
		}
	}
	if ortOptions.MemPattern != nil {
		if err = sessionOptions.SetMemPattern(*ortOptions.MemPattern); err != nil {
			return true, err
		}
	}
	if ortOptions.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		if len(ortOptions.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(ortOptions.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err = sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	return true, nil
}
