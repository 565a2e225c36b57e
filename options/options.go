package options

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/knights-analytics/galvatron/util/fileutil"
)

type Options struct {
	// BackendOptions holds runtime specific session options, e.g. *ort.SessionOptions.
	BackendOptions    any
	ORTOptions        *OrtOptions
	Quantization      *QuantizationConfig
	Download          DownloadOptions
	Destroy           func() error
	Device            Device
	Backend           string
	ModelsFolder      string
	EmbedderPath      string
	Timeout           time.Duration
	TextContextLength int
	UseQuantization   bool
	AllowDownload     bool
	deviceExplicit    bool
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Device:        CPU(),
		Download:      NewDownloadOptions(),
		AllowDownload: true,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

// EffectiveQuantization returns the quantization that model loading will apply, or nil when
// quantization is disabled. Enabling quantization without an explicit config selects DefaultQuantization.
func (o *Options) EffectiveQuantization() *QuantizationConfig {
	if !o.UseQuantization {
		return nil
	}
	if o.Quantization == nil {
		q := DefaultQuantization()
		return &q
	}
	q := *o.Quantization
	return &q
}

// Validate checks option combinations that can only be judged once all options are applied, and
// settles the cuda device id so the order options were passed in does not matter.
func (o *Options) Validate() error {
	var validationErrors []error
	if o.Backend == "ORT" && o.Device.Kind == DeviceCUDA {
		validationErrors = append(validationErrors, o.resolveCudaDevice())
	}
	if o.Backend != "GO" && o.Backend != "ORT" {
		validationErrors = append(validationErrors, fmt.Errorf("backend %q not recognized", o.Backend))
	}
	if o.Backend == "GO" && o.Device.Kind != DeviceCPU {
		validationErrors = append(validationErrors, fmt.Errorf("device %s requires the ORT backend", o.Device))
	}
	if o.Timeout < 0 {
		validationErrors = append(validationErrors, errors.New("timeout must not be negative"))
	}
	if o.TextContextLength < 0 {
		validationErrors = append(validationErrors, errors.New("text context length must not be negative"))
	}
	if q := o.EffectiveQuantization(); q != nil {
		validationErrors = append(validationErrors, q.Validate())
	}
	return errors.Join(validationErrors...)
}

// resolveCudaDevice makes Device.Index and the cuda provider's device_id agree. An index given with
// WithDevice wins over a missing device_id and must match an explicit one.
func (o *Options) resolveCudaDevice() error {
	if o.ORTOptions.CudaOptions == nil {
		o.ORTOptions.CudaOptions = map[string]string{}
	}
	raw, ok := o.ORTOptions.CudaOptions["device_id"]
	if !ok {
		o.ORTOptions.CudaOptions["device_id"] = strconv.Itoa(o.Device.Index)
		return nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return fmt.Errorf("cuda option device_id %q is not a device index", raw)
	}
	if !o.deviceExplicit {
		o.Device.Index = id
		return nil
	}
	if id != o.Device.Index {
		return fmt.Errorf("cuda option device_id %d conflicts with device %s", id, o.Device)
	}
	return nil
}

type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithDevice sets the compute device, e.g. "cpu", "cuda" or "cuda:1". The device is resolved once at
// construction and used for every subsequent call. Accelerators require the ORT backend.
func WithDevice(device string) WithOption {
	return func(o *Options) error {
		d, err := ParseDevice(device)
		if err != nil {
			return err
		}
		o.Device = d
		o.deviceExplicit = true
		return nil
	}
}

// With4BitQuantization enables quantized weights. Unless WithQuantization is also passed, the
// DefaultQuantization config is used.
func With4BitQuantization() WithOption {
	return func(o *Options) error {
		o.UseQuantization = true
		return nil
	}
}

// WithQuantization supplies an explicit quantization config. It only takes effect together with
// With4BitQuantization.
func WithQuantization(config QuantizationConfig) WithOption {
	return func(o *Options) error {
		o.Quantization = &config
		return nil
	}
}

// WithModelsFolder sets the folder where models are looked up by name and downloaded to.
func WithModelsFolder(folder string) WithOption {
	return func(o *Options) error {
		if folder == "" {
			return errors.New("models folder must not be empty")
		}
		o.ModelsFolder = folder
		return nil
	}
}

// WithEmbedderPath sets the path or name of the multimodal embedder model.
func WithEmbedderPath(path string) WithOption {
	return func(o *Options) error {
		o.EmbedderPath = path
		return nil
	}
}

// WithDownload sets the options used when a model has to be fetched from huggingface.
func WithDownload(download DownloadOptions) WithOption {
	return func(o *Options) error {
		o.Download = download
		o.AllowDownload = true
		return nil
	}
}

// WithoutDownload disables fetching models that cannot be found locally.
func WithoutDownload() WithOption {
	return func(o *Options) error {
		o.AllowDownload = false
		return nil
	}
}

// WithTimeout bounds every individual backend call (embedding, generation) with a deadline.
func WithTimeout(timeout time.Duration) WithOption {
	return func(o *Options) error {
		o.Timeout = timeout
		return nil
	}
}

// WithTextContextLength overrides the token length text inputs are padded or truncated to
// before embedding.
func WithTextContextLength(length int) WithOption {
	return func(o *Options) error {
		o.TextContextLength = length
		return nil
	}
}

// WithOnnxLibraryPath (ORT only) Use this function to set the directory containing the "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll" files.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		object, err := fileutil.FileStats(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !object.IsDir() {
			return fmt.Errorf("%s is not a directory", ortLibraryPath)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		ortLibraryFullPath := fileutil.PathJoinSafe(ortLibraryPath, libraryName)
		exists, err := fileutil.FileExists(ortLibraryFullPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryFullPath
		o.ORTOptions.LibraryDir = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.IntraOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.CPUMemArena = &enable
			return nil
		}
		return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.MemPattern = &enable
			return nil
		}
		return fmt.Errorf("WithMemPattern is only supported for ORT backend")
	}
}

// WithCuda (ORT only) sets the options for the CUDA execution provider and moves the device to cuda
// if it is still the cpu.
func WithCuda(cudaOptions map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		o.ORTOptions.CudaOptions = make(map[string]string, len(cudaOptions))
		for k, v := range cudaOptions {
			o.ORTOptions.CudaOptions[k] = v
		}
		if o.Device.Kind == DeviceCPU {
			o.Device = Device{Kind: DeviceCUDA}
		}
		return nil
	}
}
