package onchain

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

func newMockQuerier(t *testing.T) (*SQLQuerier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLQuerier(sqlx.NewDb(db, "postgres"), "proj.dataset.wallet_features")
	require.NoError(t, err)
	return q, mock
}

func TestNewSQLQuerier_RejectsInvalidIdentifier(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLQuerier(sqlx.NewDb(db, "postgres"), "proj; drop table x")
	require.Error(t, err)
}

func TestSQLQuerier_QueryFeatures_ParsesRow(t *testing.T) {
	q, mock := newMockQuerier(t)
	asof := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"active_addr_pctl", "growth_ratio", "top10_share", "self_loop_ratio", "asof_ts"}).
		AddRow(0.9, 1.5, 0.4, 0.01, asof)
	mock.ExpectQuery(`SELECT active_addr_pctl, growth_ratio, top10_share, self_loop_ratio, asof_ts`).
		WithArgs("eth", "0xabc", 60).
		WillReturnRows(rows)

	f, err := q.QueryFeatures(context.Background(), "eth", "0xabc", 60)
	require.NoError(t, err)
	require.InDelta(t, 0.9, f.ActiveAddrPctl, 0.0001)
	require.True(t, f.AsofTS.Equal(asof))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLQuerier_QueryFeatures_NoRowsIsUpstreamPermanent(t *testing.T) {
	q, mock := newMockQuerier(t)
	mock.ExpectQuery(`SELECT active_addr_pctl`).WillReturnError(sql.ErrNoRows)

	_, err := q.QueryFeatures(context.Background(), "eth", "0xabc", 60)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.KindUpstreamPermanent))
}
