package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/knights-analytics/galvatron/util/fileutil"
)

// fileConfig is the yaml file passed with --config. Keys are flag names; values fill in any flag
// that was not given on the command line or through the environment.
type fileConfig map[string]any

func loadConfig(path string) (fileConfig, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	config := fileConfig{}
	if err = yaml.Unmarshal(b, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// applyConfig copies config values into the given flags when they are unset.
func applyConfig(c *cli.Context, flags []cli.Flag) error {
	path := c.String("config")
	if path == "" {
		return nil
	}
	config, err := loadConfig(path)
	if err != nil {
		return err
	}
	for _, flag := range flags {
		for _, name := range flag.Names() {
			value, ok := config[name]
			if !ok || c.IsSet(name) {
				continue
			}
			if err = setFlag(c, flag.Names()[0], value); err != nil {
				return fmt.Errorf("config key %s: %w", name, err)
			}
			break
		}
	}
	return nil
}

func setFlag(c *cli.Context, name string, value any) error {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if err := c.Set(name, scalarString(item)); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.Set(name, scalarString(v))
	}
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
