// pkg/store/local.go
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
)

// Default geometry handling targets PostGIS; tests swap in passthrough
// expressions via WithGeometryExprs.
const (
	defaultShapeField = "Shape"
	defaultGeomColumn = "geom"
	defaultReadExpr   = "ST_AsText(%s)"
	defaultWriteExpr  = "ST_GeomFromText(?)"
)

// LocalTable implements TabularStore over a local spatially-indexed SQL
// table via sqlx. The schema is declared up front rather than
// introspected, which keeps the store dialect-agnostic: queries are
// written with "?" placeholders and rebound per driver.
//
// A field named "Shape" is translated transparently to the backend's
// native geometry accessor expressions, so callers address geometry the
// same way they would against a hosted feature layer.
type LocalTable struct {
	db      *sqlx.DB
	table   string
	columns []Column
	keyCols []string
	logger  *zap.Logger

	shapeField string
	geomColumn string
	readExpr   string
	writeExpr  string
}

// NewLocalTable wraps an open sqlx handle as a TabularStore. keyColumns
// name the fields used to address rows on Update and Delete.
func NewLocalTable(db *sqlx.DB, table string, columns []Column, keyColumns []string, logger *zap.Logger) *LocalTable {
	return &LocalTable{
		db:         db,
		table:      table,
		columns:    columns,
		keyCols:    keyColumns,
		logger:     logger.Named("local-table").With(zap.String("table", table)),
		shapeField: defaultShapeField,
		geomColumn: defaultGeomColumn,
		readExpr:   defaultReadExpr,
		writeExpr:  defaultWriteExpr,
	}
}

// WithGeometryExprs overrides the geometry column name and the SQL
// expressions used to read and write it. readExpr must contain one "%s"
// for the column name; writeExpr must contain one "?" placeholder.
func (t *LocalTable) WithGeometryExprs(geomColumn, readExpr, writeExpr string) *LocalTable {
	t.geomColumn = geomColumn
	t.readExpr = readExpr
	t.writeExpr = writeExpr
	return t
}

// Validate verifies the table is reachable.
func (t *LocalTable) Validate(ctx context.Context) error {
	var count int
	query := t.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table))

	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := t.db.GetContext(queryCtx, &count, query); err != nil {
		return fmt.Errorf("failed to validate table %s: %w", t.table, err)
	}
	t.logger.Debug("Validated local table", zap.Int("rows", count))
	return nil
}

// Records streams the rows matching where (all rows when empty).
func (t *LocalTable) Records(ctx context.Context, fields []string, where string) ([]record.Record, error) {
	if len(fields) == 0 {
		fields = t.fieldNames()
	}

	selects := make([]string, len(fields))
	for i, f := range fields {
		selects[i] = t.readColumn(f)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), t.table)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := t.db.QueryContext(ctx, t.db.Rebind(query))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.table, err)
	}
	defer rows.Close()

	out := make([]record.Record, 0)
	values := make([]interface{}, len(fields))
	scanDest := make([]interface{}, len(fields))
	for i := range values {
		scanDest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			return nil, fmt.Errorf("failed to scan row from %s: %w", t.table, err)
		}
		r := make(record.Record, len(fields))
		for i, f := range fields {
			r[f] = normalizeSQLValue(values[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows of %s: %w", t.table, err)
	}

	return out, nil
}

// FieldNames returns the declared column names.
func (t *LocalTable) FieldNames(ctx context.Context) ([]string, error) {
	return t.fieldNames(), nil
}

// FieldTypes returns the declared column types by name.
func (t *LocalTable) FieldTypes(ctx context.Context) (map[string]record.FieldType, error) {
	types := make(map[string]record.FieldType, len(t.columns))
	for _, c := range t.columns {
		types[c.Name] = c.Type
	}
	return types, nil
}

// Insert writes new rows in a single transaction.
func (t *LocalTable) Insert(ctx context.Context, rows []record.Record) error {
	if len(rows) == 0 {
		return nil
	}

	return t.inTx(ctx, "insert", func(tx *sqlx.Tx) error {
		for _, row := range rows {
			cols := make([]string, 0, len(t.columns))
			placeholders := make([]string, 0, len(t.columns))
			args := make([]interface{}, 0, len(t.columns))

			for _, c := range t.columns {
				v, ok := row[c.Name]
				if !ok {
					continue
				}
				if c.Name == t.shapeField {
					cols = append(cols, t.geomColumn)
					placeholders = append(placeholders, t.writeExpr)
				} else {
					cols = append(cols, c.Name)
					placeholders = append(placeholders, "?")
				}
				args = append(args, v)
			}

			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				t.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("insert into %s failed: %w", t.table, err)
			}
		}
		return nil
	})
}

// Update writes changed rows in a single transaction, addressed by the
// key columns.
func (t *LocalTable) Update(ctx context.Context, rows []record.Record) error {
	if len(rows) == 0 {
		return nil
	}

	return t.inTx(ctx, "update", func(tx *sqlx.Tx) error {
		for _, row := range rows {
			sets := make([]string, 0, len(row))
			args := make([]interface{}, 0, len(row))

			for _, c := range t.columns {
				if t.isKeyColumn(c.Name) {
					continue
				}
				v, ok := row[c.Name]
				if !ok {
					continue
				}
				if c.Name == t.shapeField {
					sets = append(sets, fmt.Sprintf("%s = %s", t.geomColumn, t.writeExpr))
				} else {
					sets = append(sets, fmt.Sprintf("%s = ?", c.Name))
				}
				args = append(args, v)
			}
			if len(sets) == 0 {
				continue
			}

			where, keyArgs, err := t.keyPredicate(row)
			if err != nil {
				return err
			}
			args = append(args, keyArgs...)

			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
				t.table, strings.Join(sets, ", "), where)
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("update of %s failed: %w", t.table, err)
			}
		}
		return nil
	})
}

// Delete removes rows in a single transaction, addressed by the key
// columns.
func (t *LocalTable) Delete(ctx context.Context, rows []record.Record) error {
	if len(rows) == 0 {
		return nil
	}

	return t.inTx(ctx, "delete", func(tx *sqlx.Tx) error {
		for _, row := range rows {
			where, args, err := t.keyPredicate(row)
			if err != nil {
				return err
			}
			query := fmt.Sprintf("DELETE FROM %s WHERE %s", t.table, where)
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("delete from %s failed: %w", t.table, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database handle.
func (t *LocalTable) Close() error {
	t.logger.Debug("Closing local table")
	return t.db.Close()
}

func (t *LocalTable) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := t.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin %s transaction: %w", op, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			t.logger.Warn("Rollback failed", zap.String("op", op), zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s transaction: %w", op, err)
	}
	return nil
}

func (t *LocalTable) fieldNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

func (t *LocalTable) readColumn(field string) string {
	if field == t.shapeField {
		return fmt.Sprintf(t.readExpr, t.geomColumn)
	}
	return field
}

func (t *LocalTable) isKeyColumn(name string) bool {
	for _, k := range t.keyCols {
		if k == name {
			return true
		}
	}
	return false
}

func (t *LocalTable) keyPredicate(row record.Record) (string, []interface{}, error) {
	preds := make([]string, 0, len(t.keyCols))
	args := make([]interface{}, 0, len(t.keyCols))
	for _, k := range t.keyCols {
		v, ok := row[k]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("row is missing key column %q", k)
		}
		preds = append(preds, fmt.Sprintf("%s = ?", k))
		args = append(args, v)
	}
	return strings.Join(preds, " AND "), args, nil
}

func normalizeSQLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}
