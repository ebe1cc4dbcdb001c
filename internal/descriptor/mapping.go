// Package descriptor resolves Ed-Fi descriptor URIs to stable constant names.
package descriptor

import (
	_ "embed"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed mapping.yaml
var defaultMapping []byte

// Entry is one row of the mapping table.
type Entry struct {
	ConstantName string `yaml:"constantName"`
	Descriptor   string `yaml:"descriptor"`
	CodeValue    string `yaml:"codeValue"`
}

// Mapping is an immutable, case-folded index over entries.
type Mapping struct {
	index map[string]Entry
}

type mappingFile struct {
	Mappings []Entry `yaml:"mappings"`
}

// Parse decodes a YAML mapping file.
func Parse(data []byte) (*Mapping, error) {
	var f mappingFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse descriptor mapping")
	}
	return New(f.Mappings...)
}

// New indexes entries. A (descriptor, codeValue) pair may appear only once.
func New(entries ...Entry) (*Mapping, error) {
	m := &Mapping{index: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.ConstantName == "" || e.Descriptor == "" || e.CodeValue == "" {
			return nil, errors.Errorf("incomplete descriptor mapping entry %+v", e)
		}
		k := key(descriptorName(e.Descriptor), e.CodeValue)
		if _, dup := m.index[k]; dup {
			return nil, errors.Errorf("duplicate descriptor mapping for %s#%s", e.Descriptor, e.CodeValue)
		}
		m.index[k] = e
	}
	return m, nil
}

// Load reads a mapping file from disk.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read descriptor mapping")
	}
	return Parse(data)
}

var (
	defaultOnce sync.Once
	defaultMap  *Mapping
)

// Default returns the embedded mapping.
func Default() *Mapping {
	defaultOnce.Do(func() {
		m, err := Parse(defaultMapping)
		if err != nil {
			panic(err)
		}
		defaultMap = m
	})
	return defaultMap
}

// ParseURI splits "<namespace>/<Descriptor>#<codeValue>" into the descriptor
// name and code value. It reports false when there is no '#'.
func ParseURI(uri string) (name, code string, ok bool) {
	i := strings.LastIndexByte(uri, '#')
	if i < 0 {
		return "", "", false
	}
	return descriptorName(uri[:i]), uri[i+1:], true
}

// Lookup matches on (descriptor, codeValue), ignoring case. The descriptor may
// be a bare name or a full namespace.
func (m *Mapping) Lookup(descriptor, code string) (Entry, bool) {
	e, ok := m.index[key(descriptorName(descriptor), code)]
	return e, ok
}

// Resolve looks up a full descriptor URI.
func (m *Mapping) Resolve(uri string) (Entry, bool) {
	name, code, ok := ParseURI(uri)
	if !ok {
		return Entry{}, false
	}
	return m.Lookup(name, code)
}

// HasPrefix reports whether uri resolves to a constant starting with prefix.
func (m *Mapping) HasPrefix(uri, prefix string) bool {
	e, ok := m.Resolve(uri)
	return ok && strings.HasPrefix(e.ConstantName, prefix)
}

func descriptorName(s string) string {
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func key(descriptor, code string) string {
	return strings.ToLower(descriptor) + "#" + strings.ToLower(code)
}
