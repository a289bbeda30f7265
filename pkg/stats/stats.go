// pkg/stats/stats.go

// Package stats provides pure functions computing derived statistics over
// timestamped records grouped by an arbitrary field: per-group running
// cumulative totals, trailing N-day moving averages, and per-group
// totals. Derived fields are always recomputed in full from the raw
// per-day facts, never incrementally patched.
package stats

import (
	"fmt"
	"time"

	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/record"
)

// Options controls the date range and null handling of the dense-series
// functions.
type Options struct {
	// Start overrides each group's earliest observed date. Zero means
	// "use the group's first observation".
	Start time.Time
	// End is the last day emitted. Zero means "now" for cumulative
	// totals and "max observed date" for moving averages.
	End time.Time
	// NoneValue substitutes for null/missing daily values. Defaults to
	// zero: a null is never "no change", it is zero contribution.
	NoneValue float64
	// DateLayout parses string-typed date fields. Defaults to
	// dates.DayLayout.
	DateLayout string
}

func (o Options) layout() string {
	if o.DateLayout == "" {
		return dates.DayLayout
	}
	return o.DateLayout
}

// dailySeries holds the per-day sums observed for one group.
type dailySeries struct {
	days  map[string]float64
	first time.Time
	last  time.Time
}

// CumulativeTotalsByGroup partitions records by groupField and, within
// each group, walks every calendar day from the earliest observed date
// (or Options.Start) through Options.End (default: now), summing same-day
// values and carrying the running total forward into days with no record.
// The result is a dense daily series per group keyed "YYYYMMDD_group".
func CumulativeTotalsByGroup(records []record.Record, groupField, valueField, dateField string, opts Options) (map[string]float64, error) {
	groups, _, err := groupDaily(records, groupField, valueField, dateField, opts, true)
	if err != nil {
		return nil, err
	}

	end := opts.End
	if end.IsZero() {
		end = time.Now()
	}
	end = dates.Truncate(end)

	out := make(map[string]float64)
	for group, series := range groups {
		start := series.first
		if !opts.Start.IsZero() {
			start = dates.Truncate(opts.Start)
		}

		running := 0.0
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			day := dates.DayKey(d)
			running += series.days[day]
			out[day+record.KeyDelimiter+group] = running
		}
	}
	return out, nil
}

// MovingDailyAverages emits, for each group and each calendar day from
// the group's earliest date through Options.End (default: the maximum
// date across the input), the trailing n-day average of daily values.
// Days with no record contribute Options.NoneValue to the window, and the
// divisor is always n rather than the current window length: the first
// n-1 days of a group's history are deliberately understated to signal
// insufficient history rather than over-stating from a short window.
func MovingDailyAverages(records []record.Record, groupField, valueField, dateField string, n int, opts Options) (map[string]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("moving average window must be positive, got %d", n)
	}

	groups, maxDate, err := groupDaily(records, groupField, valueField, dateField, opts, true)
	if err != nil {
		return nil, err
	}

	end := opts.End
	if end.IsZero() {
		end = maxDate
	}
	end = dates.Truncate(end)

	out := make(map[string]float64)
	for group, series := range groups {
		window := make([]float64, 0, n)
		sum := 0.0

		for d := series.first; !d.After(end); d = d.AddDate(0, 0, 1) {
			day := dates.DayKey(d)
			val, ok := series.days[day]
			if !ok {
				val = opts.NoneValue
			}

			window = append(window, val)
			sum += val
			if len(window) > n {
				sum -= window[0]
				window = window[1:]
			}

			out[day+record.KeyDelimiter+group] = sum / float64(n)
		}
	}
	return out, nil
}

// TotalsByGroup sums valueField per group. Unlike the cumulative
// function, null values are skipped entirely here rather than coerced;
// the two null policies are intentional and load-bearing for callers.
func TotalsByGroup(records []record.Record, groupField, valueField string) (map[string]float64, error) {
	out := make(map[string]float64)
	for i, r := range records {
		group, err := groupKey(r, groupField)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		v, ok := r[valueField]
		if !ok || v == nil {
			continue
		}
		val, err := numericValue(v)
		if err != nil {
			return nil, fmt.Errorf("record %d field %q: %w", i, valueField, err)
		}
		out[group] += val
	}
	return out, nil
}

// groupDaily buckets records into per-group per-day sums. When
// coerceNulls is set, null values contribute opts.NoneValue; otherwise
// they are skipped. Also returns the maximum date seen across all input.
func groupDaily(records []record.Record, groupField, valueField, dateField string, opts Options, coerceNulls bool) (map[string]*dailySeries, time.Time, error) {
	groups := make(map[string]*dailySeries)
	var maxDate time.Time

	for i, r := range records {
		group, err := groupKey(r, groupField)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("record %d: %w", i, err)
		}

		d, err := dates.ToDate(r[dateField], opts.layout())
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("record %d field %q: %w", i, dateField, err)
		}

		val := opts.NoneValue
		if v, ok := r[valueField]; ok && v != nil {
			val, err = numericValue(v)
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("record %d field %q: %w", i, valueField, err)
			}
		} else if !coerceNulls {
			continue
		}

		series, ok := groups[group]
		if !ok {
			series = &dailySeries{days: make(map[string]float64), first: d, last: d}
			groups[group] = series
		}
		series.days[dates.DayKey(d)] += val
		if d.Before(series.first) {
			series.first = d
		}
		if d.After(series.last) {
			series.last = d
		}
		if d.After(maxDate) {
			maxDate = d
		}
	}

	return groups, maxDate, nil
}

func groupKey(r record.Record, groupField string) (string, error) {
	v, ok := r[groupField]
	if !ok || v == nil {
		return "", fmt.Errorf("missing group field %q", groupField)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func numericValue(v interface{}) (float64, error) {
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
		return 0, fmt.Errorf("unsupported numeric value of type %T", v)
	}
}
