package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/health-gis/covid-sync/pkg/record"
)

func TestVerifyCleanAfterSync(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	engine := newTestEngine(st)

	newData := map[string]record.Record{
		"20200101_A": {"date": "20200101", "region": "A", "cases": int64(5)},
		"20200102_A": {"date": "20200102", "region": "A", "cases": int64(7)},
	}
	_, err := engine.UpdateRecords(ctx, newData, testOptions())
	require.NoError(t, err)

	report, err := NewVerifier(engine).Verify(ctx, newData, testOptions())
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.True(t, report.RowCountMatches)
	require.Equal(t, 2, report.SampleSize)
}

func TestVerifyDetectsTamperedValue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	engine := newTestEngine(st)

	newData := map[string]record.Record{
		"20200101_A": {"date": "20200101", "region": "A", "cases": int64(5)},
	}
	_, err := engine.UpdateRecords(ctx, newData, testOptions())
	require.NoError(t, err)

	// Drift introduced behind the engine's back.
	require.NoError(t, st.Update(ctx, []record.Record{
		{"date": "20200101", "region": "A", "cases": int64(99)},
	}))

	report, err := NewVerifier(engine).Verify(ctx, newData, testOptions())
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.Len(t, report.FieldMismatches, 1)
	require.Equal(t, "20200101_A", report.FieldMismatches[0].Key)
	require.Equal(t, "cases", report.FieldMismatches[0].Field)
	require.Equal(t, int64(99), report.FieldMismatches[0].Have)
	require.Equal(t, int64(5), report.FieldMismatches[0].Want)
}

func TestVerifyDetectsMissingAndUnexpectedKeys(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	engine := newTestEngine(st)

	_, err := engine.UpdateRecords(ctx, map[string]record.Record{
		"20200101_A": {"date": "20200101", "region": "A", "cases": int64(5)},
		"20200102_A": {"date": "20200102", "region": "A", "cases": int64(6)},
	}, testOptions())
	require.NoError(t, err)

	newData := map[string]record.Record{
		"20200102_B": {"date": "20200102", "region": "B", "cases": int64(3)},
	}
	report, err := NewVerifier(engine).Verify(ctx, newData, testOptions())
	require.NoError(t, err)
	require.False(t, report.Clean())
	require.False(t, report.RowCountMatches)
	require.Equal(t, 2, report.StoreRows)
	require.Equal(t, 1, report.TruthRows)
	require.Equal(t, []string{"20200102_B"}, report.MissingKeys)
	require.Equal(t, []string{"20200101_A", "20200102_A"}, report.UnexpectedKeys)
}

func TestVerifySampleSizeBound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore()
	engine := newTestEngine(st)

	newData := map[string]record.Record{
		"20200101_A": {"date": "20200101", "region": "A", "cases": int64(1)},
		"20200102_A": {"date": "20200102", "region": "A", "cases": int64(2)},
		"20200103_A": {"date": "20200103", "region": "A", "cases": int64(3)},
	}
	_, err := engine.UpdateRecords(ctx, newData, testOptions())
	require.NoError(t, err)

	report, err := NewVerifier(engine).WithSampleSize(1).Verify(ctx, newData, testOptions())
	require.NoError(t, err)
	require.Equal(t, 1, report.SampleSize)
	require.True(t, report.Clean())
}
