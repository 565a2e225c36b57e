//go:build !NODOWNLOAD

package galvatron

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

// configFiles are fetched alongside the onnx graphs when present in the repository.
var configFiles = map[string]bool{
	"tokenizer.json":          true,
	"tokenizer_config.json":   true,
	"special_tokens_map.json": true,
	"config.json":             true,
	"generation_config.json":  true,
	"embedder_config.json":    true,
}

// ModelDirName is the folder name a model is stored under inside a models folder.
func ModelDirName(modelName string) string {
	name, _, _ := strings.Cut(modelName, ":")
	return strings.ReplaceAll(name, "/", "_")
}

// DownloadModel downloads the onnx graphs and configuration files of a huggingface repository
// into destination/<org>_<name>. The repository must contain at least one .onnx file.
func DownloadModel(modelName string, destination string, o options.DownloadOptions) (string, error) {
	modelPath := path.Join(destination, ModelDirName(modelName))

	repo := hub.New(modelName)
	if o.AuthToken != "" {
		repo = repo.WithAuth(o.AuthToken)
	}
	if o.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = o.ConcurrentConnections
	}
	if o.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if o.Branch != "" {
		repo.WithRevision(o.Branch)
	}

	downloadFiles, err := listDownloadFiles(repo, o)
	if err != nil {
		return "", err
	}

	attempts := o.Attempts()
	for i := 0; i < attempts; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			log.Warn().Err(downloadErr).Int("attempt", i+1).Int("max_retries", attempts).Str("model", modelName).Msg("download attempt failed")
			if i+1 == attempts {
				return "", fmt.Errorf("failed to download %s after %d attempts: %w", modelName, attempts, downloadErr)
			}
			time.Sleep(time.Duration(o.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			if copyErr := fileutil.CopyFile(context.Background(), truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j]))); copyErr != nil {
				return "", copyErr
			}
		}
		log.Info().Str("model", modelName).Str("path", modelPath).Int("files", len(downloadFiles)).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s", modelName)
}

func listDownloadFiles(repo *hub.Repo, o options.DownloadOptions) ([]string, error) {
	attempts := o.Attempts()
	for i := 0; i < attempts; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_retries", attempts).Msg("listing repository failed")
		if i+1 == attempts {
			return nil, err
		}
		time.Sleep(time.Duration(o.RetryInterval) * time.Second)
	}

	var toDownload []string
	var onnxFiles []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		base := filepath.Base(fileName)
		switch {
		case configFiles[base]:
			toDownload = append(toDownload, fileName)
		case filepath.Ext(base) == ".onnx", strings.HasSuffix(base, ".onnx_data"):
			onnxFiles = append(onnxFiles, fileName)
		}
	}
	if len(onnxFiles) == 0 {
		return nil, errors.New("model does not have a .onnx file, galvatron only works with onnx exports")
	}
	return append(toDownload, onnxFiles...), nil
}
