package store

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/health-gis/covid-sync/pkg/record"
)

var localColumns = []Column{
	{Name: "id", Type: record.FieldTypeString},
	{Name: "date", Type: record.FieldTypeDate},
	{Name: "region", Type: record.FieldTypeString},
	{Name: "cases", Type: record.FieldTypeInteger},
	{Name: "Shape", Type: record.FieldTypeGeometry},
}

func newSQLiteTable(t *testing.T) *LocalTable {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// The in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE covid_daily_cases (
		id TEXT,
		date TEXT,
		region TEXT,
		cases INTEGER,
		geom TEXT
	)`)
	require.NoError(t, err)

	tbl := NewLocalTable(db, "covid_daily_cases", localColumns, []string{"date", "region"}, zap.NewNop())
	// SQLite has no geometry accessor functions; store WKT as plain text.
	tbl.WithGeometryExprs("geom", "%s", "?")

	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestLocalTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	require.NoError(t, tbl.Validate(ctx))

	err := tbl.Insert(ctx, []record.Record{
		{"id": "20200401_A", "date": "20200401", "region": "A", "cases": int64(5), "Shape": "POINT(1 1)"},
		{"id": "20200401_B", "date": "20200401", "region": "B", "cases": int64(3)},
	})
	require.NoError(t, err)

	rows, err := tbl.Records(ctx, nil, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := make(map[string]record.Record, len(rows))
	for _, r := range rows {
		byID[r["id"].(string)] = r
	}
	require.Equal(t, "20200401", byID["20200401_A"]["date"])
	require.Equal(t, int64(5), byID["20200401_A"]["cases"])
	require.Equal(t, "POINT(1 1)", byID["20200401_A"]["Shape"])
	require.Nil(t, byID["20200401_B"]["Shape"])
}

func TestLocalTableWhereClause(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	require.NoError(t, tbl.Insert(ctx, []record.Record{
		{"id": "20200401_A", "date": "20200401", "region": "A", "cases": int64(5)},
		{"id": "20200401_B", "date": "20200401", "region": "B", "cases": int64(3)},
	}))

	rows, err := tbl.Records(ctx, []string{"id", "cases"}, "region = 'A'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "20200401_A", rows[0]["id"])
	require.Equal(t, int64(5), rows[0]["cases"])
}

func TestLocalTableUpdateByKeyColumns(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	require.NoError(t, tbl.Insert(ctx, []record.Record{
		{"id": "20200401_A", "date": "20200401", "region": "A", "cases": int64(5)},
		{"id": "20200401_B", "date": "20200401", "region": "B", "cases": int64(3)},
	}))

	err := tbl.Update(ctx, []record.Record{
		{"date": "20200401", "region": "A", "cases": int64(8)},
	})
	require.NoError(t, err)

	rows, err := tbl.Records(ctx, []string{"region", "cases"}, "")
	require.NoError(t, err)

	byRegion := make(map[string]interface{}, len(rows))
	for _, r := range rows {
		byRegion[r["region"].(string)] = r["cases"]
	}
	require.Equal(t, int64(8), byRegion["A"])
	require.Equal(t, int64(3), byRegion["B"])
}

func TestLocalTableUpdateRequiresKeyColumns(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	require.NoError(t, tbl.Insert(ctx, []record.Record{
		{"id": "20200401_A", "date": "20200401", "region": "A", "cases": int64(5)},
	}))

	err := tbl.Update(ctx, []record.Record{
		{"date": "20200401", "cases": int64(8)},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "key column")
}

func TestLocalTableDelete(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	require.NoError(t, tbl.Insert(ctx, []record.Record{
		{"id": "20200401_A", "date": "20200401", "region": "A", "cases": int64(5)},
		{"id": "20200401_B", "date": "20200401", "region": "B", "cases": int64(3)},
	}))

	err := tbl.Delete(ctx, []record.Record{
		{"date": "20200401", "region": "A"},
	})
	require.NoError(t, err)

	rows, err := tbl.Records(ctx, []string{"region"}, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "B", rows[0]["region"])
}

func TestLocalTableDeclaredSchema(t *testing.T) {
	ctx := context.Background()
	tbl := newSQLiteTable(t)

	names, err := tbl.FieldNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"id", "date", "region", "cases", "Shape"}, names)

	types, err := tbl.FieldTypes(ctx)
	require.NoError(t, err)
	require.Equal(t, record.FieldTypeDate, types["date"])
	require.Equal(t, record.FieldTypeGeometry, types["Shape"])
}
