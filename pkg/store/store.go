// pkg/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/health-gis/covid-sync/pkg/record"
)

// TabularStore is the capability contract the sync engine requires of a
// backing table, whether it is a local spatial table or a remote hosted
// feature layer. The I/O mechanics differ (cursor-based transactions vs
// chunked REST edits) but the contract is identical.
type TabularStore interface {
	// Records returns the rows matching where (all rows when empty),
	// restricted to the requested fields plus whatever identity the
	// backend needs to address the row on a later write. Returned rows
	// may be mutated and handed back to Update.
	Records(ctx context.Context, fields []string, where string) ([]record.Record, error)

	// FieldNames returns the table's field names.
	FieldNames(ctx context.Context) ([]string, error)

	// FieldTypes returns the table's field types by name.
	FieldTypes(ctx context.Context) (map[string]record.FieldType, error)

	// Insert stages and writes new rows.
	Insert(ctx context.Context, rows []record.Record) error

	// Update writes changed rows previously obtained from Records.
	Update(ctx context.Context, rows []record.Record) error

	// Delete removes rows previously obtained from Records.
	Delete(ctx context.Context, rows []record.Record) error

	// Close releases backend resources.
	Close() error
}

// Column describes one field of a table schema.
type Column struct {
	Name string
	Type record.FieldType
}

// TransientError wraps a network or timeout failure talking to a remote
// backend. These are not retried in-process; the run aborts and the
// external scheduler reruns the whole pipeline, which is safe because a
// sync from the same new-truth set is idempotent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient I/O failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a transient I/O failure.
func NewTransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a transient I/O failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
