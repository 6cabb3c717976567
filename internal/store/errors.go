package store

import "github.com/veloxdb/velox/internal/veloxerr"

func errUnknownClass(class string) error {
	return veloxerr.Newf(veloxerr.KindSchemaIncompatible, "unknown class %q", class)
}
