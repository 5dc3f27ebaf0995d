package msgtype

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/c360/semstreams-robotics/errors"
)

//go:embed definitions
var builtinFS embed.FS

// Registry holds parsed interface definitions keyed by type identifier. It is
// populated at startup and read concurrently afterwards.
type Registry struct {
	definitions map[string]*Definition
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// NewBuiltinRegistry creates a registry preloaded with the bundled
// definitions (std_msgs, geometry_msgs, std_srvs, example_interfaces, ...).
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.LoadBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds a parsed definition. Registering an identifier twice is an
// error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "definition validation")
	}

	key := def.ID.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("type %q is already registered", key),
			"Registry", "Register", "duplicate type check")
	}
	r.definitions[key] = def
	return nil
}

// RegisterText parses text as the definition of typeID and registers it.
func (r *Registry) RegisterText(typeID, text string) error {
	id, err := ParseID(typeID)
	if err != nil {
		return err
	}
	def, err := Parse(id, text)
	if err != nil {
		return err
	}
	return r.Register(def)
}

// Lookup returns the definition registered for id.
func (r *Registry) Lookup(id ID) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[id.String()]
	return def, ok
}

// List returns all registered identifiers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}

// LoadBuiltins registers the embedded definitions. Files are laid out as
// definitions/<package>/<category>/<Name>.<category>.
func (r *Registry) LoadBuiltins() error {
	return fs.WalkDir(builtinFS, "definitions", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		parts := strings.Split(strings.TrimPrefix(p, "definitions/"), "/")
		if len(parts) != 3 {
			return fmt.Errorf("unexpected builtin definition path %q", p)
		}
		name := strings.TrimSuffix(parts[2], path.Ext(parts[2]))

		data, err := builtinFS.ReadFile(p)
		if err != nil {
			return errors.Wrap(err, "Registry", "LoadBuiltins", "read "+p)
		}
		return r.RegisterText(parts[0]+"/"+parts[1]+"/"+name, string(data))
	})
}

// definitionFile is the YAML layout accepted by LoadFile.
type definitionFile struct {
	Types []struct {
		ID         string `yaml:"id"`
		Definition string `yaml:"definition"`
	} `yaml:"types"`
}

// LoadFile registers the definitions listed in a YAML file:
//
//	types:
//	  - id: my_robot/msg/BatteryState
//	    definition: |
//	      float32 voltage
//	      float32 percentage
func (r *Registry) LoadFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "LoadFile", "read "+filename)
	}
	return r.LoadYAML(data)
}

// LoadYAML registers definitions from YAML bytes in the LoadFile layout.
func (r *Registry) LoadYAML(data []byte) error {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.WrapInvalid(err, "Registry", "LoadYAML", "decode yaml")
	}
	for i, t := range file.Types {
		if t.ID == "" {
			return errors.WrapInvalid(fmt.Errorf("entry %d has no id", i), "Registry", "LoadYAML", "id validation")
		}
		if err := r.RegisterText(t.ID, t.Definition); err != nil {
			return err
		}
	}
	return nil
}
