package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertSignal inserts the initial enrichment snapshot for an event, or
// updates the mutable fields if one already exists. State is only set on
// insert — callers change it exclusively through
// TransitionStateCAS/SetSignalState.
func (s *Store) UpsertSignal(ctx context.Context, sig Signal) (Signal, error) {
	q := s.querier(ctx)

	const upsert = `
		INSERT INTO signals (
			event_key, type, market_type, state, goplus_risk, buy_tax, sell_tax,
			lp_lock_days, dex_liquidity, dex_volume_1h, heat_slope,
			onchain_asof_ts, onchain_confidence, updated_at, ts
		) VALUES (
			:event_key, :type, :market_type, :state, :goplus_risk, :buy_tax, :sell_tax,
			:lp_lock_days, :dex_liquidity, :dex_volume_1h, :heat_slope,
			:onchain_asof_ts, :onchain_confidence, now(), :ts
		)
		ON CONFLICT (event_key) DO UPDATE SET
			goplus_risk         = EXCLUDED.goplus_risk,
			buy_tax             = EXCLUDED.buy_tax,
			sell_tax            = EXCLUDED.sell_tax,
			lp_lock_days        = EXCLUDED.lp_lock_days,
			dex_liquidity       = EXCLUDED.dex_liquidity,
			dex_volume_1h       = EXCLUDED.dex_volume_1h,
			heat_slope          = EXCLUDED.heat_slope,
			onchain_asof_ts     = EXCLUDED.onchain_asof_ts,
			onchain_confidence  = EXCLUDED.onchain_confidence,
			updated_at          = now()
		RETURNING *`

	rows, err := sqlx.NamedQueryContext(ctx, q, upsert, sig)
	if err != nil {
		return Signal{}, fmt.Errorf("upsert signal: %w", err)
	}
	defer rows.Close()

	var out Signal
	if rows.Next() {
		if err := rows.StructScan(&out); err != nil {
			return Signal{}, fmt.Errorf("scan upserted signal: %w", err)
		}
	}
	return out, nil
}

// GetSignal fetches a signal by event_key.
func (s *Store) GetSignal(ctx context.Context, eventKey string) (Signal, error) {
	q := s.querier(ctx)
	var sig Signal
	const query = `SELECT * FROM signals WHERE event_key = $1`
	if err := q.GetContext(ctx, &sig, query, eventKey); err != nil {
		if err == sql.ErrNoRows {
			return Signal{}, ErrNotFound
		}
		return Signal{}, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// ErrCASConflict is returned by TransitionStateCAS when the row's observed
// state no longer matches what the caller expected — another worker
// committed first.
var ErrCASConflict = fmt.Errorf("signal state changed concurrently")

// TransitionStateCAS performs UPDATE signals SET ... WHERE event_key = ?
// AND state = observedState, the on-chain verifier's compare-and-set
// state transition. It must be called while holding the verifier's
// distributed lock for eventKey; it never writes without that precondition
// being the caller's responsibility. Returns ErrCASConflict if no row
// matched (state changed between observation and commit).
func (s *Store) TransitionStateCAS(ctx context.Context, eventKey, observedState, newState string, onchainAsOf *time.Time, onchainConfidence float64) error {
	q := s.querier(ctx)
	const query = `
		UPDATE signals
		SET state = $3, onchain_asof_ts = $4, onchain_confidence = $5, updated_at = now()
		WHERE event_key = $1 AND state = $2`

	result, err := q.ExecContext(ctx, query, eventKey, observedState, newState, onchainAsOf, onchainConfidence)
	if err != nil {
		return fmt.Errorf("transition state cas: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrCASConflict
	}
	return nil
}

// UpdateRiskFields write-throughs the enrichment scanner's derived
// security/market fields onto a signal row without touching state.
func (s *Store) UpdateRiskFields(ctx context.Context, eventKey string, goplusRisk string, buyTax, sellTax, lpLockDays, dexLiquidity, dexVolume1h *float64) error {
	q := s.querier(ctx)
	const query = `
		UPDATE signals SET
			goplus_risk   = $2,
			buy_tax       = $3,
			sell_tax      = $4,
			lp_lock_days  = $5,
			dex_liquidity = $6,
			dex_volume_1h = $7,
			updated_at    = now()
		WHERE event_key = $1`
	_, err := q.ExecContext(ctx, query, eventKey, goplusRisk, buyTax, sellTax, lpLockDays, dexLiquidity, dexVolume1h)
	if err != nil {
		return fmt.Errorf("update risk fields: %w", err)
	}
	return nil
}

// UpdateHeatSlope sets the enrichment-derived heat_slope for a signal.
func (s *Store) UpdateHeatSlope(ctx context.Context, eventKey string, slope float64) error {
	q := s.querier(ctx)
	const query = `UPDATE signals SET heat_slope = $2, updated_at = now() WHERE event_key = $1`
	_, err := q.ExecContext(ctx, query, eventKey, slope)
	if err != nil {
		return fmt.Errorf("update heat slope: %w", err)
	}
	return nil
}

// CandidateSignals pages through signals in the candidate state, ordered
// by ts ascending, for the on-chain verifier and enrichment scanners.
func (s *Store) CandidateSignals(ctx context.Context, limit, offset int) ([]Signal, error) {
	q := s.querier(ctx)
	if limit <= 0 {
		limit = 50
	}
	var sigs []Signal
	const query = `SELECT * FROM signals WHERE state = $1 ORDER BY ts ASC LIMIT $2 OFFSET $3`
	if err := q.SelectContext(ctx, &sigs, query, StateCandidate, limit, offset); err != nil {
		return nil, fmt.Errorf("select candidate signals: %w", err)
	}
	return sigs, nil
}

// CandidatesOlderThan pages through signals in the candidate state whose ts
// is at or before cutoff, ordered by ts ascending — the verifier's scan
// query, which only ever looks at candidates that have aged past the
// configured verification_delay.
func (s *Store) CandidatesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Signal, error) {
	q := s.querier(ctx)
	if limit <= 0 {
		limit = 50
	}
	var sigs []Signal
	const query = `SELECT * FROM signals WHERE state = $1 AND ts <= $2 ORDER BY ts ASC LIMIT $3`
	if err := q.SelectContext(ctx, &sigs, query, StateCandidate, cutoff, limit); err != nil {
		return nil, fmt.Errorf("select aged candidate signals: %w", err)
	}
	return sigs, nil
}
