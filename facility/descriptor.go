package facility

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"tracectl/hasher"
)

// Descriptor is the on-disk form of a facility definition.
type Descriptor struct {
	Name   string            `yaml:"name" json:"name"`
	Kind   string            `yaml:"kind" json:"kind"`
	Events []EventDescriptor `yaml:"events" json:"events"`
}

type EventDescriptor struct {
	Name   string `yaml:"name" json:"name"`
	Format string `yaml:"format" json:"format"`
}

// Definition derives the table definition, checksumming the ordered events
// against the native layout.
func (d Descriptor) Definition() (Definition, error) {
	kind, err := ParseKind(d.Kind)
	if err != nil {
		return Definition{}, err
	}
	if !validName(d.Name) {
		return Definition{}, fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}
	parts := make([]string, 0, len(d.Events))
	for _, ev := range d.Events {
		if ev.Name == "" {
			return Definition{}, fmt.Errorf("facility %s: event without name", d.Name)
		}
		parts = append(parts, ev.Name+":"+ev.Format)
	}
	return Definition{
		Kind:       kind,
		Name:       d.Name,
		EventCount: uint32(len(d.Events)),
		Checksum:   hasher.FacilityChecksum(d.Name, parts...),
		Layout:     NativeLayout(),
	}, nil
}

// LoadDescriptor reads a YAML (or JSON) facility descriptor.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("could not read facility descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("invalid facility descriptor %s: %w", path, err)
	}
	return d, nil
}

// LoadDir reads every *.yaml, *.yml and *.json descriptor in dir, sorted by
// file name.
func LoadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, err := LoadDescriptor(filepath.Join(dir, name))
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}
