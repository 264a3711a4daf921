package core

// convert.go turns raw warehouse and form input into typed values.
//
// Warehouse extracts and staff-entered overrides both arrive as loosely
// formatted text:
//   - Multiple date formats (US, EU, ISO, PeopleSoft "Jan 2, 2006")
//   - Currency symbols and thousand separators in numbers
//   - Various flag representations (Y/N, true/false, 1/0)
//   - Excel formula prefixes (="value") from hand-edited exports
//
// The Parse* functions return an error for input that cannot be typed; the
// callers decide whether that is a validation failure or an empty value.

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "02-Jan-2006",
		"20060102",
		time.RFC3339,
	}
)

// ParseDate parses a date in any of the supported layouts.
// ISO layouts are tried first so "2021-03-01" is never read as day-first.
func ParseDate(s string) (Date, error) {
	s = CleanCell(s)
	if s == "" {
		return Date{}, fmt.Errorf("invalid date: empty value")
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return DateOf(t), nil
		}
	}

	return Date{}, fmt.Errorf("invalid date: %q", s)
}

// NumericValue cleans and validates a numeric string.
// Handles currency symbols, thousands separators, and accounting format (parentheses for negative).
func NumericValue(s string) (Value, error) {
	s = CleanCell(s)
	if s == "" {
		return Value{}, fmt.Errorf("invalid number: empty value")
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return Value{}, fmt.Errorf("invalid number: %q", s)
	}

	return Value{Kind: FieldNumeric, Num: s}, nil
}

// ParseBool accepts true/false, yes/no, t/f, y/n, 1/0.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(CleanCell(s)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid flag: %q", s)
	}
}

// ParseValue converts raw text into a Value of the given kind.
// Empty input yields an explicit null for every kind except text.
func ParseValue(kind FieldType, raw string) (Value, error) {
	cleaned := CleanCell(raw)
	if cleaned == "" && kind != FieldText {
		return NullValue(), nil
	}

	switch kind {
	case FieldText:
		return TextValue(cleaned), nil
	case FieldNumeric:
		return NumericValue(cleaned)
	case FieldDate:
		d, err := ParseDate(cleaned)
		if err != nil {
			return Value{}, err
		}
		return DateValue(d), nil
	case FieldBool:
		b, err := ParseBool(cleaned)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	case FieldNull:
		return NullValue(), nil
	default:
		return Value{}, fmt.Errorf("unsupported field type %s", kind)
	}
}

// CoerceValue converts a decoded JSON scalar into a Value of the given kind.
// Strings go through ParseValue; numbers are only accepted for numeric and
// text attributes, booleans for bool and text attributes.
func CoerceValue(kind FieldType, raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return ParseValue(kind, v)
	case bool:
		switch kind {
		case FieldBool:
			return BoolValue(v), nil
		case FieldText:
			return TextValue(strconv.FormatBool(v)), nil
		}
	case json.Number:
		if kind == FieldNumeric || kind == FieldText {
			return ParseValue(kind, v.String())
		}
	case float64:
		if kind == FieldNumeric || kind == FieldText {
			return ParseValue(kind, strconv.FormatFloat(v, 'f', -1, 64))
		}
	case int:
		if kind == FieldNumeric || kind == FieldText {
			return ParseValue(kind, strconv.Itoa(v))
		}
	}
	return Value{}, fmt.Errorf("cannot use %T as %s", raw, kind)
}

// InferValue types a JSON scalar for an attribute the descriptor does not
// declare: strings are text, numbers numeric, booleans bool.
func InferValue(raw any) (Value, error) {
	switch raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return CoerceValue(FieldText, raw)
	case bool:
		return CoerceValue(FieldBool, raw)
	case json.Number, float64, int:
		return CoerceValue(FieldNumeric, raw)
	default:
		return Value{}, fmt.Errorf("unsupported attribute value %T", raw)
	}
}

// CleanCell removes common export artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}
