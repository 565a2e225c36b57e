//go:build NODOWNLOAD

package galvatron

import (
	"errors"
	"strings"

	"github.com/knights-analytics/galvatron/options"
)

func ModelDirName(modelName string) string {
	name, _, _ := strings.Cut(modelName, ":")
	return strings.ReplaceAll(name, "/", "_")
}

func DownloadModel(_ string, _ string, _ options.DownloadOptions) (string, error) {
	return "", errors.New("model downloads are disabled in this build, remove the NODOWNLOAD tag")
}
