package enrich

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/signalpipe/internal/providers"
	"github.com/cryptopulse/signalpipe/internal/providers/market"
	"github.com/cryptopulse/signalpipe/internal/providers/security"
	"github.com/cryptopulse/signalpipe/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewFromSqlxDB(sqlx.NewDb(db, "postgres")), mock
}

func signalColumns() []string {
	return []string{
		"event_key", "type", "market_type", "state", "goplus_risk", "buy_tax",
		"sell_tax", "lp_lock_days", "dex_liquidity", "dex_volume_1h", "heat_slope",
		"onchain_asof_ts", "onchain_confidence", "updated_at", "ts",
	}
}

func signalRow(eventKey string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(signalColumns()).AddRow(
		eventKey, "token", "bsc", store.StateCandidate, "unknown", nil,
		nil, nil, nil, nil, 0.0,
		nil, 0.0, now, now,
	)
}

func eventColumns() []string {
	return []string{
		"event_key", "type", "summary", "score", "evidence", "impacted_assets",
		"start_ts", "last_ts", "heat_10m", "heat_30m", "topic_hash",
		"topic_entities", "candidate_score", "token_ca", "symbol", "created_at",
	}
}

func eventRow(eventKey string, tokenCA interface{}, heat10m, heat30m float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(eventColumns()).AddRow(
		eventKey, "token", "launch", 0.5, []byte(`{}`), []byte(`[]`),
		now, now, heat10m, heat30m, nil,
		[]byte(`[]`), 0.0, tokenCA, nil, now,
	)
}

func expectCandidatePage(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM signals WHERE state = \$1 ORDER BY ts ASC LIMIT \$2 OFFSET \$3`).
		WillReturnRows(rows)
}

func expectGetEvent(mock sqlmock.Sqlmock, eventKey string, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT \* FROM events WHERE event_key = \$1`).
		WithArgs(eventKey).
		WillReturnRows(rows)
}

type fakeSecurity struct {
	res    providers.Result
	chains []string
	tokens []string
}

func (f *fakeSecurity) TokenSecurity(_ context.Context, chain, address string) (providers.Result, error) {
	f.chains = append(f.chains, chain)
	f.tokens = append(f.tokens, address)
	return f.res, nil
}

type fakeMarket struct {
	res   providers.Result
	calls int
}

func (f *fakeMarket) Snapshot(_ context.Context, chain, contract string) (providers.Result, error) {
	f.calls++
	return f.res, nil
}

func testScanConfig() Config {
	cfg := DefaultConfig()
	cfg.IntervalSec = 0 // no inter-batch sleep in unit tests
	return cfg
}

func TestRunSecurityScan_WritesRiskFieldsAndMergesEvidence(t *testing.T) {
	s, mock := newMockStore(t)
	sec := &fakeSecurity{res: providers.Result{
		Source: "goplus",
		Payload: security.Payload{
			HasTax: true, BuyTax: 3, SellTax: 5, LPLockDays: 120, Risk: security.RiskGreen,
		},
	}}
	sc := New(testScanConfig(), s, sec, nil, nil)

	expectCandidatePage(mock, signalRow("EVK:TOKEN:1"))
	expectGetEvent(mock, "EVK:TOKEN:1", eventRow("EVK:TOKEN:1", "0xdeadbeef", 0, 0))
	mock.ExpectExec(`UPDATE signals SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE events SET evidence = evidence \|\| \$2::jsonb`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := sc.RunSecurityScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Scanned)
	require.Equal(t, 1, res.Updated)
	require.True(t, res.Slept)
	require.Equal(t, []string{"bsc"}, sec.chains)
	require.Equal(t, []string{"0xdeadbeef"}, sec.tokens)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSecurityScan_SkipsRowsWithoutContract(t *testing.T) {
	s, mock := newMockStore(t)
	sec := &fakeSecurity{res: providers.Result{Payload: security.Payload{}}}
	sc := New(testScanConfig(), s, sec, nil, nil)

	expectCandidatePage(mock, signalRow("EVK:TOPIC:1"))
	expectGetEvent(mock, "EVK:TOPIC:1", eventRow("EVK:TOPIC:1", nil, 0, 0))

	res, err := sc.RunSecurityScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Empty(t, sec.tokens)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMarketScan_WritesLiquidityAndVolume(t *testing.T) {
	s, mock := newMockStore(t)
	mkt := &fakeMarket{res: providers.Result{
		Source: "dexscreener",
		Payload: market.Payload{
			PriceUSD: 0.002, LiquidityUSD: 150000, OHLC: market.OHLC{H1: 42000},
		},
	}}
	sc := New(testScanConfig(), s, nil, mkt, nil)

	expectCandidatePage(mock, signalRow("EVK:TOKEN:2"))
	expectGetEvent(mock, "EVK:TOKEN:2", eventRow("EVK:TOKEN:2", "0xfeedface", 0, 0))
	mock.ExpectExec(`UPDATE signals SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE events SET evidence = evidence \|\| \$2::jsonb`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := sc.RunMarketScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.Equal(t, 1, mkt.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunHeatScan_DerivesSlopeFromRollingCounters(t *testing.T) {
	s, mock := newMockStore(t)
	sc := New(testScanConfig(), s, nil, nil, nil)

	expectCandidatePage(mock, signalRow("EVK:TOKEN:3"))
	// heat_10m=20, heat_30m=30 -> slope = 20/10 - 30/30 = 1.0
	expectGetEvent(mock, "EVK:TOKEN:3", eventRow("EVK:TOKEN:3", nil, 20, 30))
	mock.ExpectExec(`UPDATE signals SET heat_slope = \$2`).
		WithArgs("EVK:TOKEN:3", 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := sc.RunHeatScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_RowFailureDoesNotAbortBatch(t *testing.T) {
	s, mock := newMockStore(t)
	sc := New(testScanConfig(), s, nil, nil, nil)

	page := signalRow("EVK:TOKEN:4")
	page.AddRow("EVK:TOKEN:5", "token", "bsc", store.StateCandidate, "unknown",
		nil, nil, nil, nil, nil, 0.0, nil, 0.0, time.Now(), time.Now())
	expectCandidatePage(mock, page)
	// First row's event lookup fails; the second row still processes.
	mock.ExpectQuery(`SELECT \* FROM events WHERE event_key = \$1`).
		WithArgs("EVK:TOKEN:4").
		WillReturnError(store.ErrNotFound)
	expectGetEvent(mock, "EVK:TOKEN:5", eventRow("EVK:TOKEN:5", nil, 10, 30))
	mock.ExpectExec(`UPDATE signals SET heat_slope = \$2`).
		WithArgs("EVK:TOKEN:5", 0.0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := sc.RunHeatScan(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, res.Scanned)
	require.Equal(t, 1, res.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_EmptyPageEndsPassWithoutSleep(t *testing.T) {
	s, mock := newMockStore(t)
	sc := New(testScanConfig(), s, nil, nil, nil)

	expectCandidatePage(mock, sqlmock.NewRows(signalColumns()))

	res, err := sc.RunHeatScan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Scanned)
	require.False(t, res.Slept)
	require.NoError(t, mock.ExpectationsWereMet())
}
