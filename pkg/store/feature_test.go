package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/record"
)

const layerInfoJSON = `{
	"fields": [
		{"name": "OBJECTID", "type": "esriFieldTypeOID"},
		{"name": "id", "type": "esriFieldTypeString"},
		{"name": "date", "type": "esriFieldTypeDate"},
		{"name": "region", "type": "esriFieldTypeString"},
		{"name": "cases", "type": "esriFieldTypeInteger"},
		{"name": "total_cases", "type": "esriFieldTypeDouble"}
	]
}`

// fakeLayer records every query and applyEdits request it serves.
type fakeLayer struct {
	mu         sync.Mutex
	failEdits  bool
	queryForms []url.Values
	editForms  []url.Values
}

func (fl *fakeLayer) serve(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/FeatureServer/0", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(layerInfoJSON))
	})
	mux.HandleFunc("/FeatureServer/0/query", func(w http.ResponseWriter, r *http.Request) {
		fl.mu.Lock()
		fl.queryForms = append(fl.queryForms, r.URL.Query())
		fl.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"objectIdFieldName": "OBJECTID",
			"features": [
				{"attributes": {"OBJECTID": 1, "date": 1585699200000, "region": "A", "cases": 5}},
				{"attributes": {"OBJECTID": 2, "date": 1585699200000, "region": "B", "cases": 3}}
			]
		}`))
	})
	mux.HandleFunc("/FeatureServer/0/applyEdits", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fl.mu.Lock()
		fl.editForms = append(fl.editForms, r.PostForm)
		fl.mu.Unlock()

		var resp editResponse
		appendResults := func(dst *[]editResult, n int) {
			for i := 0; i < n; i++ {
				res := editResult{ObjectID: int64(i + 1), Success: !fl.failEdits}
				if fl.failEdits {
					res.Error = &apiError{Code: 1003, Message: "operation rolled back"}
				}
				*dst = append(*dst, res)
			}
		}
		if raw := r.PostForm.Get("adds"); raw != "" {
			var feats []feature
			require.NoError(t, json.Unmarshal([]byte(raw), &feats))
			appendResults(&resp.AddResults, len(feats))
		}
		if raw := r.PostForm.Get("updates"); raw != "" {
			var feats []feature
			require.NoError(t, json.Unmarshal([]byte(raw), &feats))
			appendResults(&resp.UpdateResults, len(feats))
		}
		if raw := r.PostForm.Get("deletes"); raw != "" {
			appendResults(&resp.DeleteResults, 1)
		}

		body, err := json.Marshal(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newFakeStore(t *testing.T, fl *fakeLayer) *FeatureLayerStore {
	server := fl.serve(t)
	st := NewFeatureLayerStore(server.URL+"/FeatureServer/0", "", 5*time.Second, zap.NewNop())
	t.Cleanup(func() { st.Close() })
	return st
}

func TestFeatureLayerSchema(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(t, &fakeLayer{})

	types, err := st.FieldTypes(ctx)
	require.NoError(t, err)
	require.Equal(t, record.FieldTypeInteger, types["OBJECTID"])
	require.Equal(t, record.FieldTypeDate, types["date"])
	require.Equal(t, record.FieldTypeString, types["region"])
	require.Equal(t, record.FieldTypeInteger, types["cases"])
	require.Equal(t, record.FieldTypeFloat, types["total_cases"])

	names, err := st.FieldNames(ctx)
	require.NoError(t, err)
	require.Len(t, names, 6)
}

func TestFeatureLayerRecords(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLayer{}
	st := newFakeStore(t, fl)

	rows, err := st.Records(ctx, []string{"date", "region", "cases"}, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[0]["region"])
	require.Equal(t, float64(5), rows[0]["cases"])
	// The object ID rides along for later addressing.
	require.Equal(t, float64(1), rows[0]["OBJECTID"])

	q := fl.queryForms[0]
	require.Equal(t, "1=1", q.Get("where"))
	require.Equal(t, "false", q.Get("returnGeometry"))
	require.Equal(t, "date,region,cases,OBJECTID", q.Get("outFields"))
}

func TestFeatureLayerInsertChunksAndEncodesDates(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLayer{}
	st := newFakeStore(t, fl).WithChunkSize(2)

	rows := make([]record.Record, 5)
	for i := range rows {
		rows[i] = record.Record{
			"OBJECTID": int64(99), // must be stripped from adds
			"date":     "20200401",
			"region":   "A",
			"cases":    int64(i),
		}
	}
	require.NoError(t, st.Insert(ctx, rows))

	require.Len(t, fl.editForms, 3)

	var feats []feature
	require.NoError(t, json.Unmarshal([]byte(fl.editForms[0].Get("adds")), &feats))
	require.Len(t, feats, 2)

	var last []feature
	require.NoError(t, json.Unmarshal([]byte(fl.editForms[2].Get("adds")), &last))
	require.Len(t, last, 1)

	attrs := feats[0].Attributes
	require.NotContains(t, attrs, "OBJECTID")
	// 2020-04-01 UTC as epoch milliseconds.
	require.Equal(t, float64(1585699200000), attrs["date"])
	require.Equal(t, "true", fl.editForms[0].Get("rollbackOnFailure"))
}

func TestFeatureLayerUpdateRequiresObjectID(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(t, &fakeLayer{})

	err := st.Update(ctx, []record.Record{{"region": "A", "cases": int64(1)}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "OBJECTID")
}

func TestFeatureLayerDeleteJoinsObjectIDs(t *testing.T) {
	ctx := context.Background()
	fl := &fakeLayer{}
	st := newFakeStore(t, fl)

	err := st.Delete(ctx, []record.Record{
		{"OBJECTID": float64(1)},
		{"OBJECTID": float64(2)},
	})
	require.NoError(t, err)

	require.Len(t, fl.editForms, 1)
	require.Equal(t, "1,2", fl.editForms[0].Get("deletes"))
}

func TestFeatureLayerEditRejectionIsNotTransient(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore(t, &fakeLayer{failEdits: true})

	err := st.Insert(ctx, []record.Record{
		{"date": "20200401", "region": "A", "cases": int64(1)},
	})
	require.Error(t, err)
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "rejected")
}

func TestFeatureLayerServerErrorIsTransient(t *testing.T) {
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	st := NewFeatureLayerStore(server.URL+"/FeatureServer/0", "", 5*time.Second, zap.NewNop())
	t.Cleanup(func() { st.Close() })

	_, err := st.Records(ctx, nil, "")
	require.Error(t, err)
	require.True(t, IsTransient(err))
}
