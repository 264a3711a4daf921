package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// keySeparator joins natural key parts for display and parsing.
const keySeparator = "|"

// NaturalKey is an ordered tuple of business identifiers (emplid, empl_rcd, ...)
// that identifies the same real-world entity across reloads and overrides.
// The zero value is an empty key; build keys with NewNaturalKey.
type NaturalKey struct {
	parts []string
	id    string // map-safe encoding of parts
}

// NewNaturalKey builds a key from its parts. The parts are copied.
func NewNaturalKey(parts ...string) NaturalKey {
	cp := make([]string, len(parts))
	for i, p := range parts {
		cp[i] = strings.TrimSpace(p)
	}
	return NaturalKey{parts: cp, id: encodeKey(cp)}
}

// ParseNaturalKey parses the display form "a|b|c" produced by String.
func ParseNaturalKey(s string) NaturalKey {
	if strings.TrimSpace(s) == "" {
		return NaturalKey{}
	}
	return NewNaturalKey(strings.Split(s, keySeparator)...)
}

// encodeKey length-prefixes every part so that ("a|b") and ("a", "b") never collide.
func encodeKey(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%d:%s;", len(p), p)
	}
	return b.String()
}

// Parts returns a copy of the key parts.
func (k NaturalKey) Parts() []string {
	cp := make([]string, len(k.parts))
	copy(cp, k.parts)
	return cp
}

// Len returns the number of parts.
func (k NaturalKey) Len() int { return len(k.parts) }

// IsZero reports whether the key has no usable parts.
func (k NaturalKey) IsZero() bool {
	for _, p := range k.parts {
		if p != "" {
			return false
		}
	}
	return true
}

// Valid reports whether the key has at least one part and no empty parts.
func (k NaturalKey) Valid() bool {
	if len(k.parts) == 0 {
		return false
	}
	for _, p := range k.parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Equal reports whether two keys have identical parts.
func (k NaturalKey) Equal(other NaturalKey) bool { return k.id == other.id }

// String renders the key as "a|b|c".
func (k NaturalKey) String() string { return strings.Join(k.parts, keySeparator) }

// mapKey is the internal map key.
func (k NaturalKey) mapKey() string { return k.id }

func (k NaturalKey) MarshalJSON() ([]byte, error) {
	if k.parts == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(k.parts)
}

func (k *NaturalKey) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		// Accept the "a|b" display form as well.
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return fmt.Errorf("natural key: %w", err)
		}
		*k = ParseNaturalKey(s)
		return nil
	}
	*k = NewNaturalKey(parts...)
	return nil
}

// Date is a civil date. The wrapped time is always midnight UTC.
type Date struct {
	t time.Time
}

// dateLayout is the canonical wire format for dates.
const dateLayout = "2006-01-02"

// NewDate returns the date for the given year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar date in t's location.
func DateOf(t time.Time) Date {
	if t.IsZero() {
		return Date{}
	}
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// MustParseDate parses an ISO date and panics on error. Intended for tests and fixtures.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) IsZero() bool           { return d.t.IsZero() }
func (d Date) Time() time.Time        { return d.t }
func (d Date) Before(other Date) bool { return d.t.Before(other.t) }
func (d Date) After(other Date) bool  { return d.t.After(other.t) }
func (d Date) Equal(other Date) bool  { return d.t.Equal(other.t) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int { return d.t.Compare(other.t) }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FieldType represents the data type of an entity attribute.
type FieldType int

const (
	FieldText FieldType = iota
	FieldNumeric
	FieldDate
	FieldBool
	FieldNull
)

var fieldTypeNames = map[FieldType]string{
	FieldText:    "text",
	FieldNumeric: "numeric",
	FieldDate:    "date",
	FieldBool:    "bool",
	FieldNull:    "null",
}

func (f FieldType) String() string {
	if name, ok := fieldTypeNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(f))
}

// ParseFieldType converts a descriptor type name into a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "string":
		return FieldText, nil
	case "numeric", "number", "decimal":
		return FieldNumeric, nil
	case "date":
		return FieldDate, nil
	case "bool", "boolean", "flag":
		return FieldBool, nil
	default:
		return FieldText, fmt.Errorf("unknown field type %q", s)
	}
}

func (f FieldType) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FieldType) UnmarshalText(text []byte) error {
	if string(text) == "null" {
		*f = FieldNull
		return nil
	}
	parsed, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Value is a typed attribute value. Numeric values keep their canonical
// decimal text so payroll amounts are never rounded through float64.
type Value struct {
	Kind FieldType `json:"kind"`
	Text string    `json:"text,omitempty"`
	Num  string    `json:"num,omitempty"`
	Date Date      `json:"date,omitzero"`
	Bool bool      `json:"bool,omitempty"`
}

// TextValue returns a text value.
func TextValue(s string) Value { return Value{Kind: FieldText, Text: s} }

// DateValue returns a date value.
func DateValue(d Date) Value { return Value{Kind: FieldDate, Date: d} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{Kind: FieldBool, Bool: b} }

// NullValue returns an explicit null. A null override blanks out a warehouse value.
func NullValue() Value { return Value{Kind: FieldNull} }

// IsNull reports whether the value is an explicit null.
func (v Value) IsNull() bool { return v.Kind == FieldNull }

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case FieldText:
		return v.Text == other.Text
	case FieldNumeric:
		return v.Num == other.Num
	case FieldDate:
		return v.Date.Equal(other.Date)
	case FieldBool:
		return v.Bool == other.Bool
	default:
		return true
	}
}

// String renders the value for display and CSV export.
func (v Value) String() string {
	switch v.Kind {
	case FieldText:
		return v.Text
	case FieldNumeric:
		return v.Num
	case FieldDate:
		return v.Date.String()
	case FieldBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// SnapshotRow is one warehouse-delivered record. Rows are replaced wholesale on
// each reload and never patched in place.
type SnapshotRow struct {
	Key               NaturalKey       `json:"key"`
	EffectiveDate     Date             `json:"effectiveDate"`
	EffectiveSequence int              `json:"effectiveSequence"`
	IsMostRecent      bool             `json:"isMostRecent"`
	Attributes        map[string]Value `json:"attributes"`
	SourceSystem      string           `json:"sourceSystem,omitempty"`
	SourceUpdatedAt   time.Time        `json:"sourceUpdatedAt,omitzero"`
}

// Attribute returns the named attribute and whether the row carries it.
// An exact match wins over a case-insensitive one. Loaded rows never carry
// two names that differ only by case, so the fallback has one candidate.
func (r SnapshotRow) Attribute(name string) (Value, bool) {
	if v, ok := r.Attributes[name]; ok {
		return v, true
	}
	for k, v := range r.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Value{}, false
}

// clone copies the attribute map so callers cannot mutate loaded rows.
func (r SnapshotRow) clone() SnapshotRow {
	attrs := make(map[string]Value, len(r.Attributes))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	r.Attributes = attrs
	return r
}

// OverrideRecord is a local correction of one attribute within the half-open
// window [EffectiveFrom, EffectiveTo). A nil EffectiveTo is open-ended.
type OverrideRecord struct {
	ID            uuid.UUID  `json:"id"`
	EntityType    string     `json:"entityType"`
	Key           NaturalKey `json:"key"`
	Attribute     string     `json:"attribute"`
	Value         Value      `json:"value"`
	EffectiveFrom Date       `json:"effectiveFrom"`
	EffectiveTo   *Date      `json:"effectiveTo"`
	Comment       string     `json:"comment,omitempty"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedBy     string     `json:"updatedBy,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt,omitzero"`
	Deleted       bool       `json:"deleted"`
	DeletedBy     string     `json:"deletedBy,omitempty"`
	DeletedAt     time.Time  `json:"deletedAt,omitzero"`
}

// Contains reports whether asOf falls inside the record's window.
func (o OverrideRecord) Contains(asOf Date) bool {
	if asOf.Before(o.EffectiveFrom) {
		return false
	}
	return o.EffectiveTo == nil || asOf.Before(*o.EffectiveTo)
}

// Overlaps reports whether two half-open windows intersect.
func (o OverrideRecord) Overlaps(other OverrideRecord) bool {
	return windowsOverlap(o.EffectiveFrom, o.EffectiveTo, other.EffectiveFrom, other.EffectiveTo)
}

// windowsOverlap treats a nil end as +infinity.
func windowsOverlap(aFrom Date, aTo *Date, bFrom Date, bTo *Date) bool {
	aBeforeBEnds := bTo == nil || aFrom.Before(*bTo)
	bBeforeAEnds := aTo == nil || bFrom.Before(*aTo)
	return aBeforeBEnds && bBeforeAEnds
}

// Window renders the record window as "[from, to)".
func (o OverrideRecord) Window() string {
	to := "open"
	if o.EffectiveTo != nil {
		to = o.EffectiveTo.String()
	}
	return fmt.Sprintf("[%s, %s)", o.EffectiveFrom, to)
}

// clone deep-copies the optional end date.
func (o OverrideRecord) clone() OverrideRecord {
	if o.EffectiveTo != nil {
		to := *o.EffectiveTo
		o.EffectiveTo = &to
	}
	return o
}

// OverrideUpdate carries the mutable fields of an override. Key, attribute and
// entity type are fixed for the life of a record.
type OverrideUpdate struct {
	Value         Value
	EffectiveFrom Date
	EffectiveTo   *Date
	Comment       string
}

// Provenance identifies which source produced a resolved value.
type Provenance string

const (
	ProvenanceNone      Provenance = "none"
	ProvenanceWarehouse Provenance = "warehouse"
	ProvenanceOverride  Provenance = "override"
)

// ResolvedValue is the answer to a point-in-time query. A Provenance of
// ProvenanceNone means neither source had a value as of the queried date.
type ResolvedValue struct {
	EntityType string          `json:"entityType"`
	Key        NaturalKey      `json:"key"`
	Attribute  string          `json:"attribute"`
	AsOf       Date            `json:"asOf"`
	Value      Value           `json:"value"`
	Provenance Provenance      `json:"provenance"`
	Snapshot   *SnapshotRow    `json:"snapshot,omitempty"`
	Override   *OverrideRecord `json:"override,omitempty"`
}

// Found reports whether either source produced a value.
func (r ResolvedValue) Found() bool { return r.Provenance != ProvenanceNone }
