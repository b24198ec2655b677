package store

import (
	"context"
	"fmt"
	"time"
)

// SetSignalState writes state unconditionally, bypassing the compare-and-set
// check TransitionStateCAS performs. It backs the verifier's
// ONCHAIN_CAS_ENABLE=false escape hatch; production operation always goes
// through TransitionStateCAS instead.
func (s *Store) SetSignalState(ctx context.Context, eventKey, newState string, onchainAsOf *time.Time, onchainConfidence float64) error {
	q := s.querier(ctx)
	const query = `
		UPDATE signals
		SET state = $2, onchain_asof_ts = $3, onchain_confidence = $4, updated_at = now()
		WHERE event_key = $1`
	if _, err := q.ExecContext(ctx, query, eventKey, newState, onchainAsOf, onchainConfidence); err != nil {
		return fmt.Errorf("set signal state: %w", err)
	}
	return nil
}
