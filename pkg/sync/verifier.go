// pkg/sync/verifier.go
package sync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
)

// DefaultSampleSize bounds the number of matched rows whose field values
// are re-compared during verification.
const DefaultSampleSize = 500

// FieldMismatch reports one field whose stored value disagrees with the
// new truth after a sync.
type FieldMismatch struct {
	Key   string
	Field string
	Have  interface{}
	Want  interface{}
}

// Report contains the results of verifying a table against a new-truth
// record set.
type Report struct {
	Table           string
	StoreRows       int
	TruthRows       int
	RowCountMatches bool
	// MissingKeys are new-truth keys with no stored row.
	MissingKeys []string
	// UnexpectedKeys are stored keys absent from the new truth. They are
	// only a defect when the sync ran with DeleteUnmatched.
	UnexpectedKeys []string
	FieldMismatches []FieldMismatch
	SampleSize      int
	Duration        time.Duration
}

// Clean reports whether the table fully agrees with the new truth.
func (r *Report) Clean() bool {
	return len(r.MissingKeys) == 0 && len(r.UnexpectedKeys) == 0 && len(r.FieldMismatches) == 0
}

// Verifier re-reads a synced table and checks it against the new-truth
// set the sync was run from. It shares the engine's key derivation and
// field equality rules, so a clean report means a rerun would stage no
// edits.
type Verifier struct {
	engine     *Engine
	sampleSize int
}

// NewVerifier creates a verifier for the engine's table.
func NewVerifier(engine *Engine) *Verifier {
	return &Verifier{
		engine:     engine,
		sampleSize: DefaultSampleSize,
	}
}

// WithSampleSize overrides how many matched rows are field-compared.
// Zero disables sampling; negative values compare every row.
func (v *Verifier) WithSampleSize(n int) *Verifier {
	v.sampleSize = n
	return v
}

// Verify streams the table once and reports row count, key coverage, and
// a field-value sample against newData, using the same Options the sync
// ran with.
func (v *Verifier) Verify(ctx context.Context, newData map[string]record.Record, opts Options) (*Report, error) {
	e := v.engine
	start := time.Now()
	report := &Report{Table: e.table, TruthRows: len(newData)}

	types, err := e.store.FieldTypes(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.Records(ctx, e.readFields(opts), opts.Where)
	if err != nil {
		return nil, err
	}
	report.StoreRows = len(rows)
	report.RowCountMatches = report.StoreRows == report.TruthRows

	stored := make(map[string]record.Record, len(rows))
	for _, row := range rows {
		key, err := e.rowKey(row, opts)
		if err != nil {
			return nil, err
		}
		if _, ok := newData[key]; !ok {
			report.UnexpectedKeys = append(report.UnexpectedKeys, key)
			continue
		}
		stored[key] = row
	}

	matched := make([]string, 0, len(stored))
	for key := range newData {
		if _, ok := stored[key]; !ok {
			report.MissingKeys = append(report.MissingKeys, key)
			continue
		}
		matched = append(matched, key)
	}
	sort.Strings(report.MissingKeys)
	sort.Strings(report.UnexpectedKeys)
	sort.Strings(matched)

	if v.sampleSize >= 0 && len(matched) > v.sampleSize {
		matched = matched[:v.sampleSize]
	}
	report.SampleSize = len(matched)

	for _, key := range matched {
		row := stored[key]
		rec := newData[key]
		for _, f := range opts.Fields {
			if e.keySpec.IsKeyField(f) {
				continue
			}
			eq, err := fieldsEqual(types[f], row[f], rec[f], opts, e.keySpec.DateLayout)
			if err != nil {
				return nil, err
			}
			if !eq {
				report.FieldMismatches = append(report.FieldMismatches, FieldMismatch{
					Key:   key,
					Field: f,
					Have:  row[f],
					Want:  rec[f],
				})
			}
		}
	}

	report.Duration = time.Since(start)

	if report.Clean() {
		e.logger.Info("Verification successful",
			zap.Int("rows", report.StoreRows),
			zap.Int("sampled", report.SampleSize),
			zap.Duration("duration", report.Duration))
	} else {
		e.logger.Warn("Verification found discrepancies",
			zap.Int("storeRows", report.StoreRows),
			zap.Int("truthRows", report.TruthRows),
			zap.Int("missingKeys", len(report.MissingKeys)),
			zap.Int("unexpectedKeys", len(report.UnexpectedKeys)),
			zap.Int("fieldMismatches", len(report.FieldMismatches)),
			zap.Duration("duration", report.Duration))
	}

	return report, nil
}
