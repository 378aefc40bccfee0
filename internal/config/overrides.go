package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/cribrum/internal/domain"
)

// Overrides is the session overrides file: per-layer forced backends the
// user pinned explicitly. It is read at startup, never inferred.
type Overrides struct {
	ForcedBackends map[string]string `yaml:"forced_backends"`
}

// LoadOverrides reads the overrides file and returns the forced backend per
// layer ID. A missing file means no overrides.
func LoadOverrides(path string) (map[string]domain.BackendKind, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path) //#nosec G304 -- path comes from configuration
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading overrides file: %w", err)
	}

	var overrides Overrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing overrides file: %w", err)
	}

	forced := make(map[string]domain.BackendKind, len(overrides.ForcedBackends))
	for layerID, backend := range overrides.ForcedBackends {
		kind := domain.BackendKind(backend)
		switch kind {
		case domain.BackendRelational, domain.BackendEmbedded, domain.BackendGeneric:
			forced[layerID] = kind
		default:
			return nil, fmt.Errorf("layer %s: unknown backend %q", layerID, backend)
		}
	}
	return forced, nil
}
