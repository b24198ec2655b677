package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// namedExec runs a named-parameter statement against either *sqlx.DB or
// *sqlx.Tx, whichever s.querier(ctx) resolved to.
func namedExec(ctx context.Context, q querier, query string, arg interface{}) (sql.Result, error) {
	return sqlx.NamedExecContext(ctx, q, query, arg)
}
