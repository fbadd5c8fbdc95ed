package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultNetworks maps logical network names to registered architectures.
func DefaultNetworks() map[string]string {
	return map[string]string{
		"resnet3d":               "Resnet3d",
		"resnet3d_predict_one":   "Resnet3dPredictOne",
		"resnet3d_mask_guidance": "Resnet3dMaskGuidance",
	}
}

type networksFile struct {
	Networks map[string]string `toml:"networks"`
}

// LoadNetworks reads the [networks] table of a TOML file. An empty path
// returns DefaultNetworks. Keys outside the table are rejected.
func LoadNetworks(path string) (map[string]string, error) {
	if path == "" {
		return DefaultNetworks(), nil
	}
	var raw networksFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load networks: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("load networks: unknown keys %s", strings.Join(keys, ", "))
	}
	if !meta.IsDefined("networks") || len(raw.Networks) == 0 {
		return nil, fmt.Errorf("load networks: %s has no [networks] entries", path)
	}
	out := make(map[string]string, len(raw.Networks))
	for name, class := range raw.Networks {
		out[strings.TrimSpace(name)] = strings.TrimSpace(class)
	}
	return out, nil
}
