package store

import (
	"context"
	"fmt"
	"time"
)

// SignalEvent is the audit row the on-chain verifier writes for every
// candidate it processes, independent of whether the
// decision actually changed signals.state.
type SignalEvent struct {
	ID         int64     `db:"id"`
	EventKey   string    `db:"event_key"`
	Decision   string    `db:"decision"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Confidence float64   `db:"confidence"`
	Note       *string   `db:"note"`
	Features   JSONB     `db:"features"`
	CreatedAt  time.Time `db:"created_at"`
}

// InsertSignalEvent records one verifier verdict. It is append-only and
// carries no uniqueness constraint: the verifier may legitimately reprocess
// the same candidate across passes before it leaves the candidate state.
func (s *Store) InsertSignalEvent(ctx context.Context, e SignalEvent) error {
	q := s.querier(ctx)
	const query = `
		INSERT INTO signal_events (event_key, decision, from_state, to_state, confidence, note, features)
		VALUES (:event_key, :decision, :from_state, :to_state, :confidence, :note, :features)`
	if _, err := namedExec(ctx, q, query, e); err != nil {
		return fmt.Errorf("insert signal event: %w", err)
	}
	return nil
}

// RecentSignalEvents returns the most recent signal_events rows for an
// event, newest first, used by the card builder's evidence section.
func (s *Store) RecentSignalEvents(ctx context.Context, eventKey string, limit int) ([]SignalEvent, error) {
	if limit <= 0 {
		limit = 5
	}
	q := s.querier(ctx)
	var rows []SignalEvent
	const query = `SELECT * FROM signal_events WHERE event_key = $1 ORDER BY created_at DESC LIMIT $2`
	if err := q.SelectContext(ctx, &rows, query, eventKey, limit); err != nil {
		return nil, fmt.Errorf("select signal events: %w", err)
	}
	return rows, nil
}
