// pkg/sync/equality.go
package sync

import (
	"fmt"
	"math"
	"strings"

	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/record"
)

// fieldsEqual compares an existing row value against a new-truth value
// using field-type-specific rules:
//
//   - Float: both sides rounded to opts.Rounding decimals before
//     comparison. Nil is a sentinel distinct from 0.0.
//   - Integer: direct equality, nil != 0.
//   - String: case-folded when opts.CaseSensitive is false. Nil and ""
//     are NOT coalesced; empty string is meaningful in text fields.
//   - Date: both sides normalized to a calendar day first, so epoch
//     millis, layout strings and native times compare transparently.
//   - Geometry: never compared; geometry alone never triggers an update.
func fieldsEqual(ft record.FieldType, oldV, newV interface{}, opts Options, dateLayout string) (bool, error) {
	switch ft {
	case record.FieldTypeFloat:
		return floatsEqual(oldV, newV, opts.Rounding)
	case record.FieldTypeInteger:
		return intsEqual(oldV, newV)
	case record.FieldTypeDate:
		return datesEqual(oldV, newV, dateLayout)
	case record.FieldTypeGeometry:
		return true, nil
	default:
		return stringsEqual(oldV, newV, opts.CaseSensitive), nil
	}
}

func floatsEqual(oldV, newV interface{}, rounding int) (bool, error) {
	if oldV == nil || newV == nil {
		return oldV == nil && newV == nil, nil
	}
	of, err := toFloat(oldV)
	if err != nil {
		return false, err
	}
	nf, err := toFloat(newV)
	if err != nil {
		return false, err
	}
	return roundTo(of, rounding) == roundTo(nf, rounding), nil
}

func intsEqual(oldV, newV interface{}) (bool, error) {
	if oldV == nil || newV == nil {
		return oldV == nil && newV == nil, nil
	}
	oi, err := toInt(oldV)
	if err != nil {
		return false, err
	}
	ni, err := toInt(newV)
	if err != nil {
		return false, err
	}
	return oi == ni, nil
}

func stringsEqual(oldV, newV interface{}, caseSensitive bool) bool {
	if oldV == nil || newV == nil {
		return oldV == nil && newV == nil
	}
	os := fmt.Sprintf("%v", oldV)
	ns := fmt.Sprintf("%v", newV)
	if caseSensitive {
		return os == ns
	}
	return strings.EqualFold(os, ns)
}

func datesEqual(oldV, newV interface{}, layout string) (bool, error) {
	if oldV == nil || newV == nil {
		return oldV == nil && newV == nil, nil
	}
	od, err := dates.ToDate(oldV, layout)
	if err != nil {
		return false, err
	}
	nd, err := dates.ToDate(newV, layout)
	if err != nil {
		return false, err
	}
	return od.Equal(nd), nil
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("cannot compare non-numeric value of type %T as float", v)
	}
}

func toInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		// JSON decoding yields float64 for integral attributes.
		return int64(t), nil
	default:
		return 0, fmt.Errorf("cannot compare non-numeric value of type %T as integer", v)
	}
}
