// pkg/stats/filters.go
package stats

import (
	"fmt"
	"time"

	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/record"
)

// MostRecentByGroup returns, for each group, the record with the maximum
// date value. When two records in a group carry exactly the same date the
// first one encountered in input order wins; callers must not rely on
// any other tie-break.
func MostRecentByGroup(records []record.Record, groupField, dateField, dateLayout string) (map[string]record.Record, error) {
	best := make(map[string]record.Record)
	bestDate := make(map[string]time.Time)

	for i, r := range records {
		group, err := groupKey(r, groupField)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}

		d, err := dates.ToDate(r[dateField], dateLayout)
		if err != nil {
			return nil, fmt.Errorf("record %d field %q: %w", i, dateField, err)
		}

		if prev, ok := bestDate[group]; !ok || d.After(prev) {
			best[group] = r
			bestDate[group] = d
		}
	}
	return best, nil
}
