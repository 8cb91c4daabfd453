package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuiltinPrefix marks a main entry resolved against compiled-in handlers.
const BuiltinPrefix = "builtin:"

// ManifestNames are the manifest file names tried in order.
var ManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

var errNoManifest = errors.New("no manifest")

// Manifest is the on-disk plugin declaration.
type Manifest struct {
	Name    string            `yaml:"name" json:"name"`
	Version string            `yaml:"version" json:"version"`
	Main    string            `yaml:"main" json:"main"`
	Types   []string          `yaml:"types" json:"types"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// ReadManifest finds and parses the manifest in dir. JSON manifests go
// through the YAML parser, which accepts them as a subset.
func ReadManifest(dir string) (Manifest, string, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Manifest{}, path, fmt.Errorf("read manifest: %w", err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, path, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := m.validate(); err != nil {
			return Manifest{}, path, fmt.Errorf("%s: %w", name, err)
		}
		return m, path, nil
	}
	return Manifest{}, "", errNoManifest
}

func (m *Manifest) validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Main = strings.TrimSpace(m.Main)
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Main == "" {
		return fmt.Errorf("main is required")
	}
	if len(m.Types) == 0 {
		return fmt.Errorf("at least one type is required")
	}
	for i, t := range m.Types {
		t = strings.TrimSpace(t)
		if t == "" || strings.ContainsAny(t, " \t\r\n") {
			return fmt.Errorf("types[%d]: invalid command type %q", i, m.Types[i])
		}
		m.Types[i] = t
	}
	return nil
}

// Builtin reports the compiled-in handler name when main uses the builtin
// prefix.
func (m Manifest) Builtin() (string, bool) {
	name, ok := strings.CutPrefix(m.Main, BuiltinPrefix)
	return name, ok
}
