// pkg/sync/engine.go

// Package sync implements the reconciling synchronization engine: given a
// freshly computed "new truth" record set keyed by natural key, it
// applies the minimal add/update/delete set against a tabular store,
// preserving row identity and avoiding unnecessary writes. Reruns from
// the same new-truth set always converge to the same end state, so a
// failed batch is simply retried as a whole on the next scheduled run.
package sync

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
	"github.com/health-gis/covid-sync/pkg/store"
)

// DefaultRounding is the number of decimal places float fields are
// rounded to before comparison.
const DefaultRounding = 4

// Options configures one UpdateRecords call.
type Options struct {
	// Fields lists the attribute fields under this sync's authority.
	// Key components within Fields are never overwritten.
	Fields []string

	// Where restricts which existing rows are streamed. Rows outside
	// the clause fall outside this sync's authority entirely.
	Where string

	// AddNew stages a new row for every new-truth key with no existing
	// match. When false those records are silently dropped and only
	// counted in Result.Dropped.
	AddNew bool

	// DeleteUnmatched removes existing rows whose key is absent from
	// the new truth. Enable only when the source is a complete
	// authoritative extract, never for partial/incremental feeds.
	DeleteUnmatched bool

	// Rounding is the float comparison precision in decimal places.
	Rounding int

	// CaseSensitive controls string comparison. When false both sides
	// are compared case-folded.
	CaseSensitive bool

	// GeometryField, when set, names the opaque geometry attribute.
	// Geometry never triggers an update by itself; it is carried
	// through from the new record whenever another field changed, and
	// left untouched on unmatched rows.
	GeometryField string

	// KeyField, when set, names a table field persisting the composite
	// key string. Existing rows are keyed by it (and validated against
	// the key spec), and adds write the key into it.
	KeyField string
}

// NewOptions returns Options with the documented defaults: rounding to
// DefaultRounding decimals and case-sensitive string comparison.
func NewOptions(fields []string) Options {
	return Options{
		Fields:        fields,
		Rounding:      DefaultRounding,
		CaseSensitive: true,
	}
}

// Result reports the writes applied by one UpdateRecords call. Counts
// only, never row payloads; this exists for observability and logging.
type Result struct {
	RunID   string
	Table   string
	Adds    int
	Updates int
	Deletes int
	// Dropped counts new-truth records discarded because they matched
	// no existing row while AddNew was disabled.
	Dropped  int
	Duration time.Duration
}

// Engine reconciles new-truth record sets against one table of a
// TabularStore.
type Engine struct {
	store   store.TabularStore
	keySpec record.KeySpec
	table   string
	logger  *zap.Logger
}

// NewEngine creates a sync engine for the named table.
func NewEngine(st store.TabularStore, keySpec record.KeySpec, table string, logger *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		keySpec: keySpec,
		table:   table,
		logger:  logger.Named("sync").With(zap.String("table", table)),
	}
}

// UpdateRecords reconciles newData against the table.
//
// Every existing row matching Options.Where is streamed once. Rows whose
// key appears in newData are compared field by field with type-specific
// equality and staged for update only when something actually differs;
// rows with no new-truth match are staged for deletion when
// DeleteUnmatched is set and left untouched otherwise. New-truth entries
// that matched nothing become adds when AddNew is set. Staged edits are
// applied deletes first, then adds, then updates: deletes first so a
// replace modeled as delete-then-insert cannot collide on key, adds
// before updates so a freshly inserted row is visible to any
// read-after-write the target requires within the batch.
//
// The caller's map is never mutated; the engine works on a private deep
// copy.
func (e *Engine) UpdateRecords(ctx context.Context, newData map[string]record.Record, opts Options) (Result, error) {
	start := time.Now()
	result := Result{RunID: uuid.New().String(), Table: e.table}

	working := record.CloneMap(newData)

	types, err := e.store.FieldTypes(ctx)
	if err != nil {
		return result, err
	}
	for _, f := range opts.Fields {
		if _, ok := types[f]; !ok {
			return result, &SchemaError{Table: e.table, Field: f}
		}
	}

	rows, err := e.store.Records(ctx, e.readFields(opts), opts.Where)
	if err != nil {
		return result, err
	}

	var deletes, adds, updates []record.Record

	for _, row := range rows {
		key, err := e.rowKey(row, opts)
		if err != nil {
			return result, err
		}

		newRec, ok := working[key]
		if !ok {
			if opts.DeleteUnmatched {
				deletes = append(deletes, row)
			}
			continue
		}
		delete(working, key)

		changed := false
		for _, f := range opts.Fields {
			if e.keySpec.IsKeyField(f) {
				continue
			}
			eq, err := fieldsEqual(types[f], row[f], newRec[f], opts, e.keySpec.DateLayout)
			if err != nil {
				return result, err
			}
			if !eq {
				row[f] = newRec[f]
				changed = true
			}
		}
		if changed {
			if opts.GeometryField != "" {
				if g, ok := newRec[opts.GeometryField]; ok && g != nil {
					row[opts.GeometryField] = g
				}
			}
			updates = append(updates, row)
		}
	}

	// Remaining working entries are new keys. Sorted for a
	// deterministic edit order across runs.
	leftover := make([]string, 0, len(working))
	for key := range working {
		leftover = append(leftover, key)
	}
	sort.Strings(leftover)

	for _, key := range leftover {
		if !opts.AddNew {
			result.Dropped++
			continue
		}
		adds = append(adds, e.buildAddRow(key, working[key], opts))
	}

	if err := e.store.Delete(ctx, deletes); err != nil {
		return result, err
	}
	if err := e.store.Insert(ctx, adds); err != nil {
		return result, err
	}
	if err := e.store.Update(ctx, updates); err != nil {
		return result, err
	}

	result.Deletes = len(deletes)
	result.Adds = len(adds)
	result.Updates = len(updates)
	result.Duration = time.Since(start)

	e.logger.Info("Applied record sync",
		zap.String("runID", result.RunID),
		zap.Int("adds", result.Adds),
		zap.Int("updates", result.Updates),
		zap.Int("deletes", result.Deletes),
		zap.Int("dropped", result.Dropped),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// readFields returns the fields streamed from the store: the configured
// fields plus the key components (and the persisted key field, if any).
// Geometry is never read; it is write-only from the engine's side.
func (e *Engine) readFields(opts Options) []string {
	seen := make(map[string]bool, len(opts.Fields)+len(e.keySpec.Fields)+1)
	fields := make([]string, 0, len(opts.Fields)+len(e.keySpec.Fields)+1)

	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	for _, f := range e.keySpec.Fields {
		add(f)
	}
	add(opts.KeyField)
	for _, f := range opts.Fields {
		if f != opts.GeometryField {
			add(f)
		}
	}
	return fields
}

// rowKey derives an existing row's natural key, either from the
// persisted key field or by recomposing it from the key components.
func (e *Engine) rowKey(row record.Record, opts Options) (string, error) {
	if opts.KeyField != "" {
		key, _ := row[opts.KeyField].(string)
		if _, err := e.keySpec.Split(key); err != nil {
			return "", err
		}
		return key, nil
	}
	return e.keySpec.KeyOf(row)
}

// buildAddRow stages a new row from a new-truth record, restricted to
// the fields under this sync's authority.
func (e *Engine) buildAddRow(key string, rec record.Record, opts Options) record.Record {
	row := make(record.Record, len(opts.Fields)+len(e.keySpec.Fields)+2)
	for _, f := range e.keySpec.Fields {
		if v, ok := rec[f]; ok {
			row[f] = v
		}
	}
	for _, f := range opts.Fields {
		if v, ok := rec[f]; ok {
			row[f] = v
		}
	}
	if opts.GeometryField != "" {
		if g, ok := rec[opts.GeometryField]; ok && g != nil {
			row[opts.GeometryField] = g
		}
	}
	if opts.KeyField != "" {
		row[opts.KeyField] = key
	}
	return row
}
