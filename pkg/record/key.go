// pkg/record/key.go
package record

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/health-gis/covid-sync/pkg/dates"
)

// KeyDelimiter joins the components of a composite natural key. The
// resulting strings are stored in already-populated tables, so the format
// must stay stable across releases.
const KeyDelimiter = "_"

// KeyFormatError indicates a composite key string that does not split
// into the expected number of components.
type KeyFormatError struct {
	Key      string
	Expected int
	Got      int
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("malformed key %q: expected %d components, got %d", e.Key, e.Expected, e.Got)
}

// KeySpec describes how a table's natural key is built from record
// fields. Components are joined with KeyDelimiter in the declared order
// (date-first for time series tables). Date-typed components are
// normalized to the canonical day form so the same logical fact always
// yields the same key string regardless of the upstream date
// representation.
type KeySpec struct {
	// Fields lists the component field names in persisted order.
	Fields []string
	// DateFields names the subset of Fields holding date values.
	DateFields []string
	// DateLayout is the layout used to parse string-typed date values.
	DateLayout string
}

// IsKeyField reports whether name is a component of the key.
func (s KeySpec) IsKeyField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

func (s KeySpec) isDateField(name string) bool {
	for _, f := range s.DateFields {
		if f == name {
			return true
		}
	}
	return false
}

// KeyOf builds the composite key string for a record. Component values
// must not themselves contain the delimiter; that is part of the
// persisted key contract, not something KeyOf can detect after joining.
func (s KeySpec) KeyOf(r Record) (string, error) {
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := r[f]
		if !ok || v == nil {
			return "", fmt.Errorf("record is missing key component %q", f)
		}

		if s.isDateField(f) {
			d, err := dates.ToDate(v, s.DateLayout)
			if err != nil {
				return "", fmt.Errorf("failed to normalize key component %q: %w", f, err)
			}
			parts = append(parts, dates.DayKey(d))
			continue
		}

		part, err := componentString(v)
		if err != nil {
			return "", fmt.Errorf("key component %q: %w", f, err)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, KeyDelimiter), nil
}

// Split validates a composite key string and returns its components.
func (s KeySpec) Split(key string) ([]string, error) {
	parts := strings.Split(key, KeyDelimiter)
	if len(parts) != len(s.Fields) {
		return nil, &KeyFormatError{Key: key, Expected: len(s.Fields), Got: len(parts)}
	}
	return parts, nil
}

func componentString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported component value of type %T", v)
	}
}
