package sqlite

import (
	"database/sql"
	"errors"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// wrapDBError classifies a raw database/sql error into the engine's error
// taxonomy, converting sql.ErrNoRows to KindNotFound and anything else to
// KindTransientIO (the caller may retry it).
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewError(op, types.KindNotFound, types.ErrNotFound)
	}
	return types.NewError(op, types.KindTransientIO, err)
}
