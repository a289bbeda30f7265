// pkg/record/record.go
package record

// Record is a flat mapping from field name to scalar value (string,
// integer, float, date) or an opaque geometry handle. Records are the
// unit of exchange between upstream feeds, the aggregation functions and
// the sync engine.
type Record map[string]interface{}

// Clone returns a copy of the record. Values are scalars or opaque
// handles that are never mutated in place, so a per-field copy suffices.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CloneMap deep-copies a keyed record set. The sync engine works on a
// private copy so callers' maps are never mutated.
func CloneMap(m map[string]Record) map[string]Record {
	out := make(map[string]Record, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// FieldType classifies a table field for change detection.
type FieldType int

const (
	FieldTypeString FieldType = iota
	FieldTypeInteger
	FieldTypeFloat
	FieldTypeDate
	FieldTypeGeometry
)

// String returns a string representation of the field type.
func (ft FieldType) String() string {
	switch ft {
	case FieldTypeString:
		return "String"
	case FieldTypeInteger:
		return "Integer"
	case FieldTypeFloat:
		return "Float"
	case FieldTypeDate:
		return "Date"
	case FieldTypeGeometry:
		return "Geometry"
	default:
		return "Unknown"
	}
}
