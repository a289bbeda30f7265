package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/health-gis/covid-sync/pkg/dates"
)

var testSpec = KeySpec{
	Fields:     []string{"date", "region"},
	DateFields: []string{"date"},
	DateLayout: dates.DayLayout,
}

func TestKeyOfStableAcrossDateRepresentations(t *testing.T) {
	day := time.Date(2020, 4, 1, 0, 0, 0, 0, time.UTC)

	fromString, err := testSpec.KeyOf(Record{"date": "20200401", "region": "WHATCOM"})
	require.NoError(t, err)

	fromMillis, err := testSpec.KeyOf(Record{"date": day.UnixMilli(), "region": "WHATCOM"})
	require.NoError(t, err)

	fromNative, err := testSpec.KeyOf(Record{"date": day, "region": "WHATCOM"})
	require.NoError(t, err)

	require.Equal(t, "20200401_WHATCOM", fromString)
	require.Equal(t, fromString, fromMillis)
	require.Equal(t, fromString, fromNative)
}

func TestKeyOfMissingComponent(t *testing.T) {
	_, err := testSpec.KeyOf(Record{"region": "WHATCOM"})
	require.Error(t, err)

	_, err = testSpec.KeyOf(Record{"date": "20200401", "region": nil})
	require.Error(t, err)
}

func TestSplitValidatesComponentCount(t *testing.T) {
	parts, err := testSpec.Split("20200401_WHATCOM")
	require.NoError(t, err)
	require.Equal(t, []string{"20200401", "WHATCOM"}, parts)

	_, err = testSpec.Split("20200401")
	var kfe *KeyFormatError
	require.ErrorAs(t, err, &kfe)
	require.Equal(t, 2, kfe.Expected)
	require.Equal(t, 1, kfe.Got)
}

func TestCloneMapIsDeep(t *testing.T) {
	original := map[string]Record{
		"k": {"cases": 5},
	}
	cloned := CloneMap(original)
	cloned["k"]["cases"] = 99
	require.Equal(t, 5, original["k"]["cases"])
}
