// pkg/store/feature.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/health-gis/covid-sync/pkg/dates"
	"github.com/health-gis/covid-sync/pkg/record"
)

// DefaultEditChunkSize bounds the number of features per applyEdits call.
// The remote API rejects oversized payloads; chunks are purely a payload
// limit and are submitted strictly sequentially.
const DefaultEditChunkSize = 2000

// FeatureLayerStore implements TabularStore against a hosted feature
// layer exposed via a query/applyEdits REST contract. Reads are always
// materialized; writes are chunked into repeated network calls. Date
// attributes travel as epoch milliseconds on the wire.
type FeatureLayerStore struct {
	client     *resty.Client
	layerURL   string
	token      string
	oidField   string
	shapeField string
	dateLayout string
	chunkSize  int
	logger     *zap.Logger

	schemaMu sync.Mutex
	schema   []Column
}

// NewFeatureLayerStore creates a store for the layer at layerURL (the
// ".../FeatureServer/<id>" endpoint).
func NewFeatureLayerStore(layerURL, token string, timeout time.Duration, logger *zap.Logger) *FeatureLayerStore {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &FeatureLayerStore{
		client:     client,
		layerURL:   strings.TrimRight(layerURL, "/"),
		token:      token,
		oidField:   "OBJECTID",
		shapeField: "SHAPE",
		dateLayout: dates.DayLayout,
		chunkSize:  DefaultEditChunkSize,
		logger:     logger.Named("feature-layer").With(zap.String("layer", layerURL)),
	}
}

// WithChunkSize overrides the applyEdits chunk size.
func (s *FeatureLayerStore) WithChunkSize(size int) *FeatureLayerStore {
	if size > 0 {
		s.chunkSize = size
	}
	return s
}

// WithDateLayout overrides the layout used to normalize string-typed
// date values before they are written as epoch milliseconds.
func (s *FeatureLayerStore) WithDateLayout(layout string) *FeatureLayerStore {
	s.dateLayout = layout
	return s
}

type apiError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type featureField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type feature struct {
	Attributes map[string]interface{} `json:"attributes"`
	Geometry   json.RawMessage        `json:"geometry,omitempty"`
}

type queryResponse struct {
	ObjectIDFieldName string         `json:"objectIdFieldName"`
	Fields            []featureField `json:"fields"`
	Features          []feature      `json:"features"`
	Error             *apiError      `json:"error"`
}

type layerInfoResponse struct {
	Fields []featureField `json:"fields"`
	Error  *apiError      `json:"error"`
}

type editResult struct {
	ObjectID int64     `json:"objectId"`
	Success  bool      `json:"success"`
	Error    *apiError `json:"error,omitempty"`
}

type editResponse struct {
	AddResults    []editResult `json:"addResults"`
	UpdateResults []editResult `json:"updateResults"`
	DeleteResults []editResult `json:"deleteResults"`
	Error         *apiError    `json:"error"`
}

// Records queries the layer and materializes every matching feature.
// Rows include the layer's object ID field so they can be addressed on a
// later Update or Delete.
func (s *FeatureLayerStore) Records(ctx context.Context, fields []string, where string) ([]record.Record, error) {
	if where == "" {
		where = "1=1"
	}

	outFields := "*"
	if len(fields) > 0 {
		withOID := fields
		if !containsField(fields, s.oidField) {
			withOID = append(append([]string{}, fields...), s.oidField)
		}
		outFields = strings.Join(withOID, ",")
	}

	var result queryResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(s.withToken(map[string]string{
			"where":          where,
			"outFields":      outFields,
			"returnGeometry": "false",
			"f":              "json",
		})).
		SetResult(&result).
		Get(s.layerURL + "/query")
	if err != nil {
		return nil, NewTransientError("feature query", err)
	}
	if resp.IsError() {
		return nil, NewTransientError("feature query", fmt.Errorf("status %s", resp.Status()))
	}
	if result.Error != nil {
		return nil, fmt.Errorf("feature query rejected: %d %s", result.Error.Code, result.Error.Message)
	}

	out := make([]record.Record, 0, len(result.Features))
	for _, f := range result.Features {
		r := make(record.Record, len(f.Attributes))
		for k, v := range f.Attributes {
			r[k] = v
		}
		out = append(out, r)
	}

	s.logger.Debug("Queried feature layer",
		zap.String("where", where),
		zap.Int("features", len(out)))
	return out, nil
}

// FieldNames returns the layer's field names.
func (s *FeatureLayerStore) FieldNames(ctx context.Context) ([]string, error) {
	schema, err := s.loadSchema(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	return names, nil
}

// FieldTypes returns the layer's field types by name.
func (s *FeatureLayerStore) FieldTypes(ctx context.Context) (map[string]record.FieldType, error) {
	schema, err := s.loadSchema(ctx)
	if err != nil {
		return nil, err
	}
	types := make(map[string]record.FieldType, len(schema))
	for _, c := range schema {
		types[c.Name] = c.Type
	}
	return types, nil
}

// Insert adds new features in sequential chunks.
func (s *FeatureLayerStore) Insert(ctx context.Context, rows []record.Record) error {
	return s.applyChunked(ctx, rows, "adds", func(chunk []record.Record) (map[string]string, error) {
		features := make([]feature, 0, len(chunk))
		for _, row := range chunk {
			f, err := s.toFeature(ctx, row, false)
			if err != nil {
				return nil, err
			}
			features = append(features, f)
		}
		payload, err := json.Marshal(features)
		if err != nil {
			return nil, fmt.Errorf("failed to encode adds: %w", err)
		}
		return map[string]string{"adds": string(payload)}, nil
	})
}

// Update writes changed features in sequential chunks. Rows must carry
// the object ID field obtained from Records.
func (s *FeatureLayerStore) Update(ctx context.Context, rows []record.Record) error {
	return s.applyChunked(ctx, rows, "updates", func(chunk []record.Record) (map[string]string, error) {
		features := make([]feature, 0, len(chunk))
		for _, row := range chunk {
			if _, ok := row[s.oidField]; !ok {
				return nil, fmt.Errorf("update row is missing %s", s.oidField)
			}
			f, err := s.toFeature(ctx, row, true)
			if err != nil {
				return nil, err
			}
			features = append(features, f)
		}
		payload, err := json.Marshal(features)
		if err != nil {
			return nil, fmt.Errorf("failed to encode updates: %w", err)
		}
		return map[string]string{"updates": string(payload)}, nil
	})
}

// Delete removes features in sequential chunks, addressed by object ID.
func (s *FeatureLayerStore) Delete(ctx context.Context, rows []record.Record) error {
	return s.applyChunked(ctx, rows, "deletes", func(chunk []record.Record) (map[string]string, error) {
		ids := make([]string, 0, len(chunk))
		for _, row := range chunk {
			v, ok := row[s.oidField]
			if !ok {
				return nil, fmt.Errorf("delete row is missing %s", s.oidField)
			}
			ids = append(ids, fmt.Sprintf("%v", normalizeOID(v)))
		}
		return map[string]string{"deletes": strings.Join(ids, ",")}, nil
	})
}

// Close releases the HTTP client's idle connections.
func (s *FeatureLayerStore) Close() error {
	s.client.GetClient().CloseIdleConnections()
	return nil
}

func (s *FeatureLayerStore) applyChunked(ctx context.Context, rows []record.Record, op string, build func([]record.Record) (map[string]string, error)) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		form, err := build(rows[start:end])
		if err != nil {
			return err
		}
		form["f"] = "json"
		form["rollbackOnFailure"] = "true"

		var result editResponse
		resp, err := s.client.R().
			SetContext(ctx).
			SetFormData(s.withToken(form)).
			SetResult(&result).
			Post(s.layerURL + "/applyEdits")
		if err != nil {
			return NewTransientError("applyEdits "+op, err)
		}
		if resp.IsError() {
			return NewTransientError("applyEdits "+op, fmt.Errorf("status %s", resp.Status()))
		}
		if result.Error != nil {
			return fmt.Errorf("applyEdits %s rejected: %d %s", op, result.Error.Code, result.Error.Message)
		}
		if err := firstEditFailure(result); err != nil {
			return fmt.Errorf("applyEdits %s failed: %w", op, err)
		}

		s.logger.Debug("Applied edit chunk",
			zap.String("op", op),
			zap.Int("from", start),
			zap.Int("count", end-start))
	}
	return nil
}

func (s *FeatureLayerStore) toFeature(ctx context.Context, row record.Record, keepOID bool) (feature, error) {
	types, err := s.FieldTypes(ctx)
	if err != nil {
		return feature{}, err
	}

	f := feature{Attributes: make(map[string]interface{}, len(row))}
	for k, v := range row {
		if k == s.oidField && !keepOID {
			continue
		}
		if k == s.shapeField {
			raw, err := geometryJSON(v)
			if err != nil {
				return feature{}, fmt.Errorf("field %q: %w", k, err)
			}
			f.Geometry = raw
			continue
		}
		if types[k] == record.FieldTypeDate && v != nil {
			t, err := dates.ToDateTime(v, s.dateLayout)
			if err != nil {
				return feature{}, fmt.Errorf("field %q: %w", k, err)
			}
			f.Attributes[k] = t.UnixMilli()
			continue
		}
		f.Attributes[k] = v
	}
	return f, nil
}

func (s *FeatureLayerStore) loadSchema(ctx context.Context) ([]Column, error) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schema != nil {
		return s.schema, nil
	}

	var info layerInfoResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(s.withToken(map[string]string{"f": "json"})).
		SetResult(&info).
		Get(s.layerURL)
	if err != nil {
		return nil, NewTransientError("layer info", err)
	}
	if resp.IsError() {
		return nil, NewTransientError("layer info", fmt.Errorf("status %s", resp.Status()))
	}
	if info.Error != nil {
		return nil, fmt.Errorf("layer info rejected: %d %s", info.Error.Code, info.Error.Message)
	}

	schema := make([]Column, 0, len(info.Fields))
	for _, f := range info.Fields {
		schema = append(schema, Column{Name: f.Name, Type: esriFieldType(f.Type)})
	}
	s.schema = schema
	return schema, nil
}

func (s *FeatureLayerStore) withToken(params map[string]string) map[string]string {
	if s.token != "" {
		params["token"] = s.token
	}
	return params
}

func esriFieldType(t string) record.FieldType {
	switch t {
	case "esriFieldTypeString", "esriFieldTypeGUID", "esriFieldTypeGlobalID":
		return record.FieldTypeString
	case "esriFieldTypeInteger", "esriFieldTypeSmallInteger", "esriFieldTypeOID":
		return record.FieldTypeInteger
	case "esriFieldTypeDouble", "esriFieldTypeSingle":
		return record.FieldTypeFloat
	case "esriFieldTypeDate":
		return record.FieldTypeDate
	case "esriFieldTypeGeometry":
		return record.FieldTypeGeometry
	default:
		return record.FieldTypeString
	}
}

func geometryJSON(v interface{}) (json.RawMessage, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return g, nil
	case string:
		return json.RawMessage(g), nil
	default:
		raw, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("failed to encode geometry: %w", err)
		}
		return raw, nil
	}
}

func normalizeOID(v interface{}) interface{} {
	// JSON numbers decode as float64; object IDs are integral.
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return v
}

func firstEditFailure(result editResponse) error {
	for _, batch := range [][]editResult{result.AddResults, result.UpdateResults, result.DeleteResults} {
		for _, r := range batch {
			if !r.Success {
				if r.Error != nil {
					return fmt.Errorf("edit of object %d rejected: %d %s", r.ObjectID, r.Error.Code, r.Error.Message)
				}
				return fmt.Errorf("edit of object %d rejected", r.ObjectID)
			}
		}
	}
	return nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}
