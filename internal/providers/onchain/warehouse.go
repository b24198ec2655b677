package onchain

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// viewIdentifierPattern whitelists the characters a configured warehouse
// view name may contain before it's interpolated into a query — the
// project/dataset/view triple is operator config, not user input, but this
// still closes the injection vector since Postgres can't parameter-bind an
// identifier.
var viewIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// featureRow mirrors one row of the warehouse view's feature columns.
type featureRow struct {
	ActiveAddrPctl float64 `db:"active_addr_pctl"`
	GrowthRatio    float64 `db:"growth_ratio"`
	Top10Share     float64 `db:"top10_share"`
	SelfLoopRatio  float64      `db:"self_loop_ratio"`
	AsofTS         sql.NullTime `db:"asof_ts"`
}

// SQLQuerier is the warehouse Querier implementation used in this
// deployment: the "project.dataset.view" triple names a Postgres view
// materialized by an upstream ETL job, queried directly over the same
// connection pool the relational store uses (no separate warehouse SDK is
// wired; see DESIGN.md for why).
type SQLQuerier struct {
	db   *sqlx.DB
	view string
}

// NewSQLQuerier validates view as a dotted SQL identifier of one to three
// parts (view, dataset.view or project.dataset.view) and builds a
// SQLQuerier against db.
func NewSQLQuerier(db *sqlx.DB, view string) (*SQLQuerier, error) {
	if !viewIdentifierPattern.MatchString(view) {
		return nil, apperrors.Validation("invalid warehouse view identifier %q", view)
	}
	return &SQLQuerier{db: db, view: view}, nil
}

// QueryFeatures implements Querier.
func (q *SQLQuerier) QueryFeatures(ctx context.Context, chain, address string, windowMinutes int) (Features, error) {
	query := fmt.Sprintf(`
		SELECT active_addr_pctl, growth_ratio, top10_share, self_loop_ratio, asof_ts
		FROM %s
		WHERE chain = $1 AND address = $2 AND window_minutes = $3
	`, q.view)

	var row featureRow
	if err := q.db.GetContext(ctx, &row, query, chain, address, windowMinutes); err != nil {
		if err == sql.ErrNoRows {
			return Features{}, apperrors.UpstreamPermanent("warehouse", err)
		}
		return Features{}, apperrors.Wrap(apperrors.KindUpstreamTransient, "warehouse query", err)
	}

	f := Features{
		ActiveAddrPctl: row.ActiveAddrPctl,
		GrowthRatio:    row.GrowthRatio,
		Top10Share:     row.Top10Share,
		SelfLoopRatio:  row.SelfLoopRatio,
	}
	if row.AsofTS.Valid {
		f.AsofTS = row.AsofTS.Time
	}
	return f, nil
}
