package view

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDefinitions reads view definitions from *.yaml files in dir, one
// definition per file, loaded once at startup. A missing directory is
// valid (zero views configured).
func LoadDefinitions(dir string) ([]Definition, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("view definition dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("view definition path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading view definition dir: %w", err)
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
			return nil, fmt.Errorf("reading view file %s: %w", path, err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parsing view file %s: %w", path, err)
		}
		if def.Name == "" {
			continue
		}

		if err := validateDefinition(def); err != nil {
			return nil, fmt.Errorf("view file %s: %w", path, err)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("view %q: duplicate definition (check multiple YAML files)", def.Name)
		}
		seen[def.Name] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}
