// Package schema reads entity type descriptors from YAML. A descriptor file
// extends or replaces the built-in entity types at process start:
//
//	entity_types:
//	  - name: job_status
//	    group: Local
//	    label: Job Status
//	    key_columns: [EMPLID, EMPL_RCD]
//	    overridable: true
//	    attributes:
//	      - name: deptCode
//	        type: text
//	      - name: fte
//	        type: numeric
//
// Descriptors are immutable once the engine is built.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/ucshadow/internal/core"
)

// File is the top-level document of a descriptor file.
type File struct {
	EntityTypes []core.EntityType `yaml:"entity_types"`
}

// Parse decodes descriptors from r. Unknown fields are rejected so typos in
// hand-edited files fail loudly. Every descriptor is validated and all
// problems are reported together.
func Parse(r io.Reader) ([]core.EntityType, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode entity types: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(f.EntityTypes))
	for i, def := range f.EntityTypes {
		if err := def.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("entity_types[%d]: %w", i, err))
			continue
		}
		if seen[def.Name] {
			errs = append(errs, fmt.Errorf("entity_types[%d]: duplicate entity type %q", i, def.Name))
		}
		seen[def.Name] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return f.EntityTypes, nil
}

// LoadFile parses the descriptor file at path.
func LoadFile(path string) ([]core.EntityType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	defs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Apply installs defs into the default registry, replacing built-ins that
// share a name.
func Apply(defs []core.EntityType) error {
	for _, def := range defs {
		if err := core.Replace(def); err != nil {
			return fmt.Errorf("apply entity type %q: %w", def.Name, err)
		}
	}
	return nil
}

// Install loads and applies the file at path. An empty path is a no-op.
func Install(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	defs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := Apply(defs); err != nil {
		return 0, err
	}
	return len(defs), nil
}

// Write renders defs as a descriptor file.
func Write(w io.Writer, defs []core.EntityType) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{EntityTypes: defs}); err != nil {
		return fmt.Errorf("encode entity types: %w", err)
	}
	return enc.Close()
}
