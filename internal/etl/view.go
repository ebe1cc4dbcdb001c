package etl

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ── View ───────────────────────────────────────────────────
// A View is a declarative pipeline: the endpoints it reads, a straight line
// of steps over a named environment, and the exact output schema.

// Step is one operator application. Op-specific arguments sit next to the
// common keys and are decoded by the step compiler.
type Step struct {
	Op   string         `yaml:"op"`
	In   string         `yaml:"in,omitempty"` // defaults to the previous step's output
	As   string         `yaml:"as,omitempty"` // defaults to the previous step's name
	Args map[string]any `yaml:",inline"`
}

// Definition is the YAML form of a view.
type Definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Inputs      []string `yaml:"inputs"`
	Steps       []Step   `yaml:"steps"`
	Output      string   `yaml:"output,omitempty"` // environment entry to save; defaults to the last step
	Schema      Schema   `yaml:"schema"`
}

// View is a compiled Definition.
type View struct {
	Definition
	steps []compiledStep
}

// ParseView decodes and compiles a YAML view definition.
func ParseView(data []byte) (*View, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parse view")
	}
	return Compile(def)
}

// Compile validates def and compiles its steps.
func Compile(def Definition) (*View, error) {
	if def.Name == "" {
		return nil, errors.New("view has no name")
	}
	if len(def.Inputs) == 0 {
		return nil, errors.Errorf("view %s: no inputs", def.Name)
	}
	if len(def.Steps) == 0 {
		return nil, errors.Errorf("view %s: no steps", def.Name)
	}
	if err := def.Schema.validate(); err != nil {
		return nil, errors.Wrapf(err, "view %s", def.Name)
	}
	v := &View{Definition: def}
	for i, s := range def.Steps {
		cs, err := compileStep(s)
		if err != nil {
			return nil, errors.Wrapf(err, "view %s: step %d (%s)", def.Name, i+1, s.Op)
		}
		v.steps = append(v.steps, cs)
	}
	return v, nil
}

// ── View Registry ──────────────────────────────────────────
// The embedded definitions register at init; a views directory may add or
// replace entries at startup.

//go:embed views/*.yaml
var embeddedViews embed.FS

var (
	registryMu sync.RWMutex
	registry   = map[string]*View{}
)

func init() {
	views, err := LoadViews(embeddedViews, "views")
	if err != nil {
		panic(err)
	}
	for _, v := range views {
		RegisterView(v)
	}
}

// RegisterView registers a view by name, replacing any previous one.
func RegisterView(v *View) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[v.Name] = v
}

// GetView returns a registered view by name, or an error if not found.
func GetView(name string) (*View, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	v, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown view: %q", name)
	}
	return v, nil
}

// Views returns every registered view sorted by name.
func Views() []*View {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*View, 0, len(registry))
	for _, v := range registry {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadViews parses every *.yaml file of dir in fsys.
func LoadViews(fsys fs.FS, dir string) ([]*View, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, errors.Wrap(err, "list views")
	}
	var views []*View
	seen := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !(strings.HasSuffix(e.Name(), ".yaml") || strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}
		p := path.Join(dir, e.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		v, err := ParseView(data)
		if err != nil {
			return nil, errors.Wrap(err, p)
		}
		if other, dup := seen[v.Name]; dup {
			return nil, errors.Errorf("view %s defined in both %s and %s", v.Name, other, p)
		}
		seen[v.Name] = p
		views = append(views, v)
	}
	return views, nil
}

// RegisterDir loads and registers the views found in a directory on disk.
func RegisterDir(dir string) (int, error) {
	views, err := LoadViews(os.DirFS(dir), ".")
	if err != nil {
		return 0, err
	}
	for _, v := range views {
		RegisterView(v)
	}
	return len(views), nil
}
