// pkg/sync/errors.go
package sync

import (
	"fmt"
)

// SchemaError indicates a configured field list referencing a field the
// target table does not have. This is a programmer/config error: it is
// always fatal and never recovered.
type SchemaError struct {
	Table string
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("field %q is not part of the schema of table %q", e.Field, e.Table)
}
