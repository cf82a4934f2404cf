package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/you/streamstats/internal/multiview"
)

const thresholdEnvPrefix = "STREAMSTATS_THRESHOLD_"

// LoadThresholds layers the optional YAML file and STREAMSTATS_THRESHOLD_*
// variables over the multiview defaults. A missing path is not an error.
//
//	viewer_spike_ratio: 1.5
//	viewer_spike_min_delta: 100
//	baseline_from: 10m
func LoadThresholds(path string) (multiview.Thresholds, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return multiview.Thresholds{}, errors.Wrapf(err, "load thresholds file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return multiview.Thresholds{}, errors.Wrapf(err, "stat thresholds file %s", path)
		}
	}

	if err := k.Load(env.Provider(thresholdEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, thresholdEnvPrefix))
	}), nil); err != nil {
		return multiview.Thresholds{}, errors.Wrap(err, "load threshold env")
	}

	th := multiview.DefaultThresholds()
	if err := k.Unmarshal("", &th); err != nil {
		return multiview.Thresholds{}, errors.Wrap(err, "decode thresholds")
	}
	if err := th.Validate(); err != nil {
		return multiview.Thresholds{}, err
	}
	return th, nil
}
