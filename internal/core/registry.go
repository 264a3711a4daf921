package core

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
)

// AttributeSpec describes one attribute of an entity type.
type AttributeSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Column   string    `json:"column,omitempty" yaml:"column"` // Warehouse column (if different from Name)
	Type     FieldType `json:"type" yaml:"type"`
	Label    string    `json:"label,omitempty" yaml:"label"`
	ReadOnly bool      `json:"readOnly,omitempty" yaml:"read_only"` // Never overridable
}

// EntityType is the schema descriptor for one warehouse entity type. It is
// loaded once at process start and never mutated at runtime.
type EntityType struct {
	Name        string          `json:"name" yaml:"name"`               // Unique identifier: "job_status"
	Group       string          `json:"group" yaml:"group"`             // Data source: "UCPath", "Local"
	Label       string          `json:"label" yaml:"label"`             // Display name: "Job Status"
	Source      string          `json:"source,omitempty" yaml:"source"` // Warehouse table or view
	KeyColumns  []string        `json:"keyColumns" yaml:"key_columns"`  // Natural key, in order
	Attributes  []AttributeSpec `json:"attributes" yaml:"attributes"`
	Overridable bool            `json:"overridable" yaml:"overridable"`
}

// Attribute returns the descriptor of the named attribute.
func (e EntityType) Attribute(name string) (AttributeSpec, bool) {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return AttributeSpec{}, false
}

// AttributeNames returns attribute names in declaration order.
func (e EntityType) AttributeNames() []string {
	names := make([]string, len(e.Attributes))
	for i, a := range e.Attributes {
		names[i] = a.Name
	}
	return names
}

// Validate checks the descriptor for obvious mistakes.
func (e EntityType) Validate() error {
	verr := &ValidationError{EntityType: e.Name}
	if strings.TrimSpace(e.Name) == "" {
		verr.add("name", "", "entity type name is required")
	}
	if len(e.KeyColumns) == 0 {
		verr.add("key_columns", "", "at least one natural key column is required")
	}
	seen := make(map[string]bool, len(e.Attributes))
	for _, a := range e.Attributes {
		lower := strings.ToLower(a.Name)
		if lower == "" {
			verr.add("attributes", "", "attribute name is required")
			continue
		}
		if seen[lower] {
			verr.add("attributes", a.Name, "duplicate attribute")
		}
		seen[lower] = true
	}
	return verr.orNil()
}

var (
	registry   = make(map[string]EntityType)
	registryMu sync.RWMutex
)

// Register adds an entity type to the default registry.
// Panics if the descriptor is invalid or already registered.
func Register(def EntityType) {
	if err := def.Validate(); err != nil {
		panic(fmt.Sprintf("invalid entity type: %v", err))
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		panic(fmt.Sprintf("entity type already registered: %s", def.Name))
	}
	if def.Label == "" {
		def.Label = def.Name
	}
	registry[def.Name] = def
}

// Replace registers def, overwriting any existing descriptor with the same name.
// Used when descriptor files extend the built-in types at startup.
func Replace(def EntityType) error {
	if err := def.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if def.Label == "" {
		def.Label = def.Name
	}
	registry[def.Name] = def
	return nil
}

// Get returns an entity type by name.
// Returns false if not found.
func Get(name string) (EntityType, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[name]
	return def, ok
}

// All returns all registered entity types.
// Sorted by group then by name for consistent ordering.
func All() []EntityType {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]EntityType, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sortEntityTypes(result)
	return result
}

func sortEntityTypes(defs []EntityType) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Group != defs[j].Group {
			return defs[i].Group < defs[j].Group
		}
		return defs[i].Name < defs[j].Name
	})
}

// Groups returns all unique group names.
// Sorted alphabetically.
func Groups() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	for _, def := range registry {
		seen[def.Group] = true
	}

	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}

	sort.Strings(groups)
	return groups
}

// EntityTypeCount returns the number of registered entity types.
func EntityTypeCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered entity types.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]EntityType)
}

// TypedAttributes converts decoded JSON attribute values into Values using
// the declared attribute types. Declared attributes are stored under their
// declared spelling; undeclared ones keep their name and an inferred kind.
// Names are matched case-insensitively, so two raw names that fold to the
// same attribute are reported as a duplicate rather than one silently winning.
func (e EntityType) TypedAttributes(raw map[string]any) (map[string]Value, []FieldError) {
	attrs := make(map[string]Value, len(raw))
	seen := make(map[string]string, len(raw))
	var problems []FieldError
	for _, rawName := range slices.Sorted(maps.Keys(raw)) {
		v := raw[rawName]
		name := rawName
		var (
			val Value
			err error
		)
		if spec, ok := e.Attribute(name); ok {
			name = spec.Name
			val, err = CoerceValue(spec.Type, v)
		} else {
			val, err = InferValue(v)
		}

		folded := strings.ToLower(name)
		if first, dup := seen[folded]; dup {
			problems = append(problems, FieldError{
				Field:   rawName,
				Value:   fmt.Sprint(v),
				Message: fmt.Sprintf("duplicate attribute: %q and %q name the same attribute", first, rawName),
			})
			continue
		}
		seen[folded] = rawName

		if err != nil {
			problems = append(problems, FieldError{Field: name, Value: fmt.Sprint(v), Message: err.Error()})
			continue
		}
		attrs[name] = val
	}
	return attrs, problems
}

// attributeCollision returns the first pair of attribute names, in sorted
// order, that differ only by case.
func attributeCollision(attrs map[string]Value) (string, string, bool) {
	if len(attrs) < 2 {
		return "", "", false
	}
	seen := make(map[string]string, len(attrs))
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		folded := strings.ToLower(name)
		if first, dup := seen[folded]; dup {
			return first, name, true
		}
		seen[folded] = name
	}
	return "", "", false
}
