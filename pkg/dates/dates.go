// pkg/dates/dates.go
package dates

import (
	"fmt"
	"time"
)

// DayLayout is the canonical sortable day format used in composite keys
// and aggregation output ("YYYYMMDD").
const DayLayout = "20060102"

// ToDateTime normalizes a heterogeneous date representation to a UTC
// time.Time, preserving time-of-day. Accepted inputs are a native
// time.Time, a string parsed with the supplied layout, or an integer /
// float count of epoch milliseconds (the representation used by hosted
// feature-service date fields). Any other type is rejected; callers must
// normalize before invoking.
func ToDateTime(value interface{}, layout string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(layout, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse date %q with layout %q: %w", v, layout, err)
		}
		return t.UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date value of type %T", value)
	}
}

// ToDate normalizes like ToDateTime but truncates time-of-day, so two
// values on the same calendar day compare equal regardless of their
// upstream representation.
func ToDate(value interface{}, layout string) (time.Time, error) {
	t, err := ToDateTime(value, layout)
	if err != nil {
		return time.Time{}, err
	}
	return Truncate(t), nil
}

// Truncate returns the UTC midnight of t's calendar day.
func Truncate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats t in the canonical sortable day form.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
