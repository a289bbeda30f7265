// pkg/store/memory.go
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/health-gis/covid-sync/pkg/record"
)

// MemoryStore is an in-memory TabularStore used by tests and dry runs.
// It addresses rows by the configured key columns and ignores where
// clauses (every read returns the full table).
type MemoryStore struct {
	mu      sync.Mutex
	columns []Column
	keyCols []string
	rows    []record.Record
}

// NewMemoryStore creates an empty in-memory table with the given schema.
// keyColumns name the fields used to address rows on Update and Delete.
func NewMemoryStore(columns []Column, keyColumns []string) *MemoryStore {
	return &MemoryStore{
		columns: columns,
		keyCols: keyColumns,
	}
}

// Records returns a copy of every row, restricted to fields when given.
func (m *MemoryStore) Records(ctx context.Context, fields []string, where string) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.Record, 0, len(m.rows))
	for _, row := range m.rows {
		if len(fields) == 0 {
			out = append(out, row.Clone())
			continue
		}
		projected := make(record.Record, len(fields))
		for _, f := range fields {
			if v, ok := row[f]; ok {
				projected[f] = v
			}
		}
		out = append(out, projected)
	}
	return out, nil
}

// FieldNames returns the declared column names.
func (m *MemoryStore) FieldNames(ctx context.Context) ([]string, error) {
	names := make([]string, len(m.columns))
	for i, c := range m.columns {
		names[i] = c.Name
	}
	return names, nil
}

// FieldTypes returns the declared column types by name.
func (m *MemoryStore) FieldTypes(ctx context.Context) (map[string]record.FieldType, error) {
	types := make(map[string]record.FieldType, len(m.columns))
	for _, c := range m.columns {
		types[c.Name] = c.Type
	}
	return types, nil
}

// Insert appends copies of the given rows.
func (m *MemoryStore) Insert(ctx context.Context, rows []record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		m.rows = append(m.rows, row.Clone())
	}
	return nil
}

// Update replaces the non-key fields of rows matched by key columns.
func (m *MemoryStore) Update(ctx context.Context, rows []record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		idx := m.findLocked(row)
		if idx < 0 {
			return fmt.Errorf("update failed: no row matches key %v", m.keyValues(row))
		}
		for k, v := range row {
			m.rows[idx][k] = v
		}
	}
	return nil
}

// Delete removes rows matched by key columns.
func (m *MemoryStore) Delete(ctx context.Context, rows []record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		idx := m.findLocked(row)
		if idx < 0 {
			return fmt.Errorf("delete failed: no row matches key %v", m.keyValues(row))
		}
		m.rows = append(m.rows[:idx], m.rows[idx+1:]...)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the current row count.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *MemoryStore) findLocked(row record.Record) int {
	want := m.keyValues(row)
	for i, existing := range m.rows {
		if m.keyValues(existing) == want {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) keyValues(row record.Record) string {
	key := ""
	for _, k := range m.keyCols {
		key += fmt.Sprintf("%v|", row[k])
	}
	return key
}
