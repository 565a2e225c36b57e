package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/galvatron"
	"github.com/knights-analytics/galvatron/errs"
	"github.com/knights-analytics/galvatron/modality"
	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/pipelines"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type multimodalGenerator interface {
	Generate(ctx context.Context, modalityData any, maxNewTokens int, outputType string) (string, error)
	GetStats() []string
	Destroy() error
}

type textGenerator interface {
	GenerateText(ctx context.Context, text string, maxNewTokens int) (string, error)
	Destroy() error
}

// constructors, replaced in tests
var newGenerator = func(c *cli.Context) (multimodalGenerator, error) {
	opts, err := galvatronOptions(c)
	if err != nil {
		return nil, err
	}
	var g *galvatron.Galvatron
	if c.Bool("ort") {
		g, err = galvatron.NewORT(c.String("model"), opts...)
	} else {
		g, err = galvatron.New(c.String("model"), opts...)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

var newTextGenerator = func(c *cli.Context) (textGenerator, error) {
	opts, err := galvatronOptions(c)
	if err != nil {
		return nil, err
	}
	var lm *galvatron.LanguageModel
	if c.Bool("ort") {
		lm, err = galvatron.NewORTLanguageModel(c.String("model"), opts...)
	} else {
		lm, err = galvatron.NewLanguageModel(c.String("model"), opts...)
	}
	if err != nil {
		return nil, err
	}
	return lm, nil
}

// requireModel checks --model after config defaults are applied, which happens after urfave's
// required flag check.
func requireModel(c *cli.Context) error {
	if c.String("model") == "" {
		return errors.New("a --model path or huggingface name is required")
	}
	return nil
}

func modelsFolder(c *cli.Context) (string, error) {
	if folder := c.String("modelFolder"); folder != "" {
		return folder, nil
	}
	userDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return fileutil.PathJoinSafe(userDir, "galvatron", "models"), nil
}

func galvatronOptions(c *cli.Context) ([]options.WithOption, error) {
	folder, err := modelsFolder(c)
	if err != nil {
		return nil, err
	}
	opts := []options.WithOption{options.WithModelsFolder(folder), options.WithDevice(c.String("device"))}
	if embedder := c.String("embedder"); embedder != "" {
		opts = append(opts, options.WithEmbedderPath(embedder))
	}
	if c.Bool("quantize") {
		opts = append(opts, options.With4BitQuantization())
	}
	if timeout := c.Duration("timeout"); timeout > 0 {
		opts = append(opts, options.WithTimeout(timeout))
	}
	if c.Bool("no-download") {
		opts = append(opts, options.WithoutDownload())
	} else if token := c.String("token"); token != "" {
		download := options.NewDownloadOptions()
		download.AuthToken = token
		opts = append(opts, options.WithDownload(download))
	}
	if library := c.String("onnxruntimeSharedLibrary"); library != "" && c.Bool("ort") {
		opts = append(opts, options.WithOnnxLibraryPath(library))
	}
	return opts, nil
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "model",
			Usage:   "Path or huggingface name of the language model",
			Aliases: []string{"p"},
			EnvVars: []string{"GALVATRON_MODEL"},
		},
		&cli.StringFlag{
			Name:    "modelFolder",
			Usage:   "Folder where models are looked up and downloaded to. Falls back to $HOME/galvatron/models",
			Aliases: []string{"f"},
			EnvVars: []string{"GALVATRON_MODELS_FOLDER"},
		},
		&cli.StringFlag{
			Name:    "device",
			Usage:   "Compute device: cpu, cuda or cuda:N (cuda requires --ort)",
			Value:   "cpu",
			EnvVars: []string{"GALVATRON_DEVICE"},
		},
		&cli.BoolFlag{
			Name:    "quantize",
			Usage:   "Load the 4-bit quantized decoder (nf4, double quantization, bfloat16 compute)",
			EnvVars: []string{"GALVATRON_QUANTIZE"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "Deadline for each backend call, e.g. 30s. Zero means no deadline",
			EnvVars: []string{"GALVATRON_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "ort",
			Usage:   "Run on onnxruntime instead of the pure go runtime",
			EnvVars: []string{"GALVATRON_ORT"},
		},
		&cli.StringFlag{
			Name:    "onnxruntimeSharedLibrary",
			Usage:   "Path to the onnxruntime shared library, used with --ort",
			Aliases: []string{"s"},
			EnvVars: []string{"GALVATRON_ONNX_LIBRARY"},
		},
		&cli.BoolFlag{
			Name:    "no-download",
			Usage:   "Fail instead of downloading models that are not found locally",
			EnvVars: []string{"GALVATRON_NO_DOWNLOAD"},
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Huggingface token for gated or private models",
			EnvVars: []string{"GALVATRON_HF_TOKEN", "HF_TOKEN"},
		},
	}
}

func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "embedder",
			Usage:   "Path or huggingface name of the multimodal embedder. Defaults to the model folder",
			Aliases: []string{"e"},
			EnvVars: []string{"GALVATRON_EMBEDDER"},
		},
		&cli.IntFlag{
			Name:    "max-new-tokens",
			Usage:   "Maximum number of tokens to generate",
			Aliases: []string{"n"},
			Value:   galvatron.DefaultMaxNewTokens,
			EnvVars: []string{"GALVATRON_MAX_NEW_TOKENS"},
		},
		&cli.StringFlag{
			Name:    "output-type",
			Usage:   "Output to generate. Only Text is implemented",
			Value:   pipelines.TextOutput,
			EnvVars: []string{"GALVATRON_OUTPUT_TYPE"},
		},
	}
}

// modalityFlags maps flag names to the modality they set.
var modalityFlags = []struct {
	name string
	kind modality.Kind
}{
	{"text", modality.Text},
	{"image", modality.Image},
	{"video", modality.Video},
	{"audio", modality.Audio},
	{"point-cloud", modality.PointCloud},
}

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate text from any mix of text, image, video, audio and point cloud inputs",
		Description: `All given inputs are embedded together and passed to the language model. Media inputs are
file paths or s3:// urls. --weight Kind=value scales the embedding of one modality.`,
		Flags: append(append(append(modelFlags(), generationFlags()...),
			&cli.StringFlag{Name: "text", Aliases: []string{"t"}, Usage: "Text prompt"},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "Image file (jpeg, png, gif, webp, bmp, tiff)"},
			&cli.StringFlag{Name: "video", Usage: "Animated gif or a folder of frame images"},
			&cli.StringFlag{Name: "audio", Aliases: []string{"a"}, Usage: "WAV file"},
			&cli.StringFlag{Name: "point-cloud", Usage: "ASCII ply or xyz file"},
			&cli.StringSliceFlag{Name: "weight", Aliases: []string{"w"}, Usage: "Modality weight as Kind=value, repeatable"},
			&cli.BoolFlag{Name: "stats", Usage: "Print runtime statistics to stderr"},
		), configFlag()),
		Before: func(c *cli.Context) error {
			return applyConfig(c, c.Command.Flags)
		},
		Action: func(c *cli.Context) (err error) {
			data, err := modalityData(c)
			if err != nil {
				return err
			}
			maxNewTokens, outputType := c.Int("max-new-tokens"), c.String("output-type")
			if err = checkRequest(data, maxNewTokens, outputType); err != nil {
				return err
			}
			if err = requireModel(c); err != nil {
				return err
			}

			g, err := newGenerator(c)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, g.Destroy())
			}()

			out, err := g.Generate(c.Context, data, maxNewTokens, outputType)
			if err != nil {
				return err
			}
			if _, err = fmt.Fprintln(c.App.Writer, out); err != nil {
				return err
			}
			if c.Bool("stats") {
				for _, line := range g.GetStats() {
					fmt.Fprintln(c.App.ErrWriter, line)
				}
			}
			return nil
		},
	}
}

func modalityData(c *cli.Context) (map[string]modality.Input, error) {
	data := map[string]modality.Input{}
	for _, f := range modalityFlags {
		if reference := c.String(f.name); reference != "" {
			data[f.kind.String()] = modality.Input{Reference: reference}
		}
	}
	for _, w := range c.StringSlice("weight") {
		name, value, ok := strings.Cut(w, "=")
		if !ok {
			return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("weight %q must look like Kind=value", w)}
		}
		kind, err := modality.ParseKind(name)
		if err != nil {
			return nil, err
		}
		weight, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("weight %q: %s", w, err)}
		}
		input, ok := data[kind.String()]
		if !ok {
			return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("weight given for %s but no %s input", kind, kind)}
		}
		data[kind.String()] = modality.WithWeight(input.Reference, float32(weight))
	}
	return data, nil
}

// checkRequest rejects requests that would fail anyway before any model is loaded.
func checkRequest(data any, maxNewTokens int, outputType string) error {
	if err := pipelines.CheckOutputKind(outputType); err != nil {
		return err
	}
	if err := pipelines.CheckMaxNewTokens(maxNewTokens); err != nil {
		return err
	}
	batch, err := modality.Validate(data)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return &errs.EmptyBatchError{}
	}
	return nil
}

func textCommand() *cli.Command {
	return &cli.Command{
		Name:  "text",
		Usage: "Continue a text prompt with the language model alone",
		Flags: append(modelFlags(),
			&cli.StringFlag{Name: "prompt", Aliases: []string{"t"}, Usage: "Text to continue", Required: true},
			&cli.IntFlag{Name: "max-new-tokens", Aliases: []string{"n"}, Value: galvatron.DefaultMaxNewTokens, EnvVars: []string{"GALVATRON_MAX_NEW_TOKENS"}},
			configFlag(),
		),
		Before: func(c *cli.Context) error {
			return applyConfig(c, c.Command.Flags)
		},
		Action: func(c *cli.Context) (err error) {
			if err = requireModel(c); err != nil {
				return err
			}
			if err = pipelines.CheckMaxNewTokens(c.Int("max-new-tokens")); err != nil {
				return err
			}
			lm, err := newTextGenerator(c)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, lm.Destroy())
			}()
			out, err := lm.GenerateText(c.Context, c.String("prompt"), c.Int("max-new-tokens"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, out)
			return err
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run generation requests from .jsonl files",
		Description: `Each json line must look like {"modalities": {"Text": "describe this", "Image": "cat.jpg"}}. A
modality value is either a reference string or {"reference": "...", "weight": 0.5}. Lines may also
set "id", "max_new_tokens" and "output_type". Every line is written back with its "output", or
with "error" when it failed.`,
		Flags: append(append(modelFlags(), generationFlags()...),
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "A .jsonl file or a folder of them. Reads stdin when omitted"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Folder to write result-0.jsonl to. Writes to stdout when omitted"},
			&cli.IntFlag{Name: "workers", Value: 1, Usage: "Number of requests processed concurrently"},
			configFlag(),
		),
		Before: func(c *cli.Context) error {
			return applyConfig(c, c.Command.Flags)
		},
		Action: func(c *cli.Context) (err error) {
			if err = requireModel(c); err != nil {
				return err
			}
			g, err := newGenerator(c)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, g.Destroy())
			}()

			var writer io.Writer = c.App.Writer
			if output := c.String("output"); output != "" {
				fileWriter, writerErr := fileutil.NewFileWriter(fileutil.PathJoinSafe(output, "result-0.jsonl"))
				if writerErr != nil {
					return writerErr
				}
				defer func() {
					err = errors.Join(err, fileWriter.Close())
				}()
				writer = fileWriter
			}

			inputChannel := make(chan request, 100)
			processedChannel := make(chan []byte, 100)
			var failed, total atomic.Int64
			var processWg, writeWg sync.WaitGroup

			for range max(1, c.Int("workers")) {
				processWg.Add(1)
				go processRequests(c, &processWg, g, inputChannel, processedChannel, &failed)
			}
			writeWg.Add(1)
			var writeErr error
			go func() {
				defer writeWg.Done()
				for line := range processedChannel {
					if writeErr != nil {
						continue
					}
					if _, writeErr = writer.Write(append(line, '\n')); writeErr != nil {
						log.Error().Err(writeErr).Msg("writing result")
					}
				}
			}()

			readErr := readRequests(c, inputChannel, &total)
			close(inputChannel)
			processWg.Wait()
			close(processedChannel)
			writeWg.Wait()

			if err = errors.Join(readErr, writeErr); err != nil {
				return err
			}
			if n := failed.Load(); n > 0 {
				return fmt.Errorf("%d of %d requests failed", n, total.Load())
			}
			return nil
		},
	}
}

type request struct {
	Modalities   map[string]jsoniter.RawMessage `json:"modalities"`
	ID           string                         `json:"id,omitempty"`
	OutputType   string                         `json:"output_type,omitempty"`
	Output       string                         `json:"output,omitempty"`
	Error        string                         `json:"error,omitempty"`
	MaxNewTokens int                            `json:"max_new_tokens,omitempty"`
}

// modalityData decodes each modality as either a reference string or an Input object.
func (r request) modalityData() (map[string]any, error) {
	data := make(map[string]any, len(r.Modalities))
	for key, raw := range r.Modalities {
		trimmed := strings.TrimSpace(string(raw))
		switch {
		case trimmed == "null":
			data[key] = nil
		case strings.HasPrefix(trimmed, `"`):
			var reference string
			if err := json.Unmarshal(raw, &reference); err != nil {
				return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("modality %s: %s", key, err)}
			}
			data[key] = reference
		default:
			var input modality.Input
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, &errs.InvalidRequestShapeError{Reason: fmt.Sprintf("modality %s: %s", key, err)}
			}
			data[key] = input
		}
	}
	return data, nil
}

func processRequests(c *cli.Context, wg *sync.WaitGroup, g multimodalGenerator, inputChannel <-chan request, processedChannel chan<- []byte, failed *atomic.Int64) {
	defer wg.Done()
	for req := range inputChannel {
		maxNewTokens, outputType := req.MaxNewTokens, req.OutputType
		if maxNewTokens == 0 {
			maxNewTokens = c.Int("max-new-tokens")
		}
		if outputType == "" {
			outputType = c.String("output-type")
		}
		data, err := req.modalityData()
		if err == nil {
			req.Output, err = g.Generate(c.Context, data, maxNewTokens, outputType)
		}
		if err != nil {
			failed.Add(1)
			req.Error = formatError(err)
			log.Warn().Str("id", req.ID).Str("kind", errs.Kind(err)).Err(err).Msg("request failed")
		}
		out, marshalErr := json.Marshal(req)
		if marshalErr != nil {
			failed.Add(1)
			log.Error().Err(marshalErr).Str("id", req.ID).Msg("encoding result")
			continue
		}
		processedChannel <- out
	}
}

func readRequests(c *cli.Context, inputChannel chan<- request, total *atomic.Int64) error {
	inputPath := c.String("input")
	if inputPath == "" {
		if f, ok := c.App.Reader.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			// nothing piped in
			return nil
		}
		return decodeRequests(c.App.Reader, inputChannel, total)
	}

	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	walker := func(_ context.Context, _ string, _ string, info os.FileInfo, reader io.Reader) (bool, error) {
		if filepath.Ext(info.Name()) == ".jsonl" {
			if decodeErr := decodeRequests(reader, inputChannel, total); decodeErr != nil {
				return false, decodeErr
			}
		}
		return true, nil
	}
	info, err := fileutil.FileStats(inputPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		reader, openErr := fileutil.OpenFile(inputPath)
		if openErr != nil {
			return openErr
		}
		return errors.Join(decodeRequests(reader, inputChannel, total), fileutil.CloseFile(reader))
	}
	return fileutil.WalkDir()(c.Context, inputPath, walker)
}

func decodeRequests(source io.Reader, inputChannel chan<- request, total *atomic.Int64) error {
	scanner := bufio.NewScanner(source)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return fmt.Errorf("line %d: %w", total.Load()+1, err)
		}
		total.Add(1)
		inputChannel <- req
	}
	return scanner.Err()
}

func downloadCommand() *cli.Command {
	return &cli.Command{
		Name:  "download",
		Usage: "Download a model from huggingface into the models folder",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"p"}, Usage: "Huggingface repository, e.g. org/name", EnvVars: []string{"GALVATRON_MODEL"}},
			&cli.StringFlag{Name: "modelFolder", Aliases: []string{"f"}, Usage: "Destination folder. Falls back to $HOME/galvatron/models", EnvVars: []string{"GALVATRON_MODELS_FOLDER"}},
			&cli.StringFlag{Name: "branch", Value: "main", Usage: "Repository revision"},
			&cli.StringFlag{Name: "token", Usage: "Huggingface token", EnvVars: []string{"GALVATRON_HF_TOKEN", "HF_TOKEN"}},
			&cli.BoolFlag{Name: "verbose", Usage: "Show download progress"},
			configFlag(),
		},
		Before: func(c *cli.Context) error {
			return applyConfig(c, c.Command.Flags)
		},
		Action: func(c *cli.Context) error {
			if err := requireModel(c); err != nil {
				return err
			}
			folder, err := modelsFolder(c)
			if err != nil {
				return err
			}
			if err = fileutil.CreateFile(folder, true); err != nil {
				return err
			}
			download := options.NewDownloadOptions()
			download.Branch = c.String("branch")
			download.AuthToken = c.String("token")
			download.Verbose = c.Bool("verbose")
			path, err := galvatron.DownloadModel(c.String("model"), folder, download)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, path)
			return err
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML file with default values for any flag, keyed by flag name",
		EnvVars: []string{"GALVATRON_CONFIG"},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "galvatron",
		Usage: "Multimodal text generation from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "trace, debug, info, warn or error",
				Value:   "warn",
				EnvVars: []string{"GALVATRON_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.String("log-level"), os.Stderr)
			return nil
		},
		Commands: []*cli.Command{generateCommand(), textCommand(), runCommand(), downloadCommand()},
	}
}

func setupLogging(level string, out *os.File) {
	var writer log.Writer = &log.IOWriter{Writer: out}
	if isatty.IsTerminal(out.Fd()) {
		writer = &log.ConsoleWriter{ColorOutput: true, Writer: out}
	}
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Writer: writer,
	}
}

// formatError renders an error as "Kind: message".
func formatError(err error) string {
	return errs.Kind(err) + ": " + err.Error()
}

func printError(w io.Writer, err error, colored bool) {
	kind := errs.Kind(err)
	if colored {
		c := color.New(color.FgRed, color.Bold)
		c.EnableColor()
		kind = c.Sprint(kind)
	}
	fmt.Fprintf(w, "%s: %s\n", kind, err)
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		printError(os.Stderr, err, isatty.IsTerminal(os.Stderr.Fd()))
		os.Exit(1)
	}
}
