package rollup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/verity-health/verity/internal/core/model"
)

// LoadDefinitions reads rollup definitions from *.yaml files in dir.
// Each file contains exactly one definition at the top level. Definitions
// are loaded once at startup — no hot reload. A missing directory is
// valid (zero rollups configured).
func LoadDefinitions(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rollup definition dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rollup definition path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rollup definition dir: %w", err)
	}

	seen := make(map[string]struct{})
	var defs []Definition
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading rollup file %s: %w", path, err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing rollup file %s: %w", path, err)
		}
		if def.Name == "" {
			continue // skip empty / comment-only files
		}

		if err := validateDefinition(def); err != nil {
			return nil, fmt.Errorf("rollup file %s: %w", path, err)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("rollup %q: duplicate definition (check multiple YAML files)", def.Name)
		}
		seen[def.Name] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}

func validateDefinition(def Definition) error {
	if !model.ValidKind(def.Kind) {
		return fmt.Errorf("rollup %q: unknown kind %q", def.Name, def.Kind)
	}
	if len(def.GroupBy) == 0 {
		return fmt.Errorf("rollup %q: group_by must not be empty", def.Name)
	}
	for _, m := range def.Metrics {
		if !ValidMetric(m) {
			return fmt.Errorf("rollup %q: unsupported metric %q", def.Name, m)
		}
	}
	return nil
}
