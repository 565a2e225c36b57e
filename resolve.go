package galvatron

import (
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/galvatron/options"
	"github.com/knights-analytics/galvatron/util/fileutil"
)

const defaultModelsFolder = "./models"

// ResolveModel finds the folder of a model: modelID itself when it exists, then the model's folder
// inside the models folder, then a fresh download into the models folder if downloads are allowed.
func ResolveModel(modelID string, o *options.Options) (string, error) {
	if modelID == "" {
		return "", fmt.Errorf("a model path or name is required")
	}
	exists, err := fileutil.FileExists(modelID)
	if err != nil {
		return "", err
	}
	if exists {
		return modelID, nil
	}

	folder := o.ModelsFolder
	if folder == "" {
		folder = defaultModelsFolder
	}
	local := fileutil.PathJoinSafe(folder, ModelDirName(modelID))
	if exists, err = fileutil.FileExists(local); err != nil {
		return "", err
	}
	if exists {
		return local, nil
	}

	if !o.AllowDownload {
		return "", fmt.Errorf("model %s not found locally and downloads are disabled", modelID)
	}
	log.Info().Str("model", modelID).Str("destination", folder).Msg("model not found locally, downloading")
	return DownloadModel(modelID, folder, o.Download)
}
