package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertEvent inserts a new event or, if event_key already exists, updates
// only score/summary/evidence/last_ts — type, event_key, and start_ts are
// immutable once set, per the event upsert invariant.
func (s *Store) UpsertEvent(ctx context.Context, e Event) (Event, error) {
	q := s.querier(ctx)

	const upsert = `
		INSERT INTO events (
			event_key, type, summary, score, evidence, impacted_assets,
			start_ts, last_ts, heat_10m, heat_30m, topic_hash, topic_entities,
			candidate_score, token_ca, symbol
		) VALUES (
			:event_key, :type, :summary, :score, :evidence, :impacted_assets,
			:start_ts, :last_ts, :heat_10m, :heat_30m, :topic_hash, :topic_entities,
			:candidate_score, :token_ca, :symbol
		)
		ON CONFLICT (event_key) DO UPDATE SET
			score     = EXCLUDED.score,
			summary   = EXCLUDED.summary,
			evidence  = EXCLUDED.evidence,
			last_ts   = EXCLUDED.last_ts
		RETURNING *`

	rows, err := sqlx.NamedQueryContext(ctx, q, upsert, e)
	if err != nil {
		return Event{}, fmt.Errorf("upsert event: %w", err)
	}
	defer rows.Close()

	var out Event
	if rows.Next() {
		if err := rows.StructScan(&out); err != nil {
			return Event{}, fmt.Errorf("scan upserted event: %w", err)
		}
	}
	return out, nil
}

// GetEvent fetches an event by key.
func (s *Store) GetEvent(ctx context.Context, eventKey string) (Event, error) {
	q := s.querier(ctx)
	var e Event
	const query = `SELECT * FROM events WHERE event_key = $1`
	if err := q.GetContext(ctx, &e, query, eventKey); err != nil {
		if err == sql.ErrNoRows {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// UpdateEventHeat updates only heat_10m/heat_30m, used by the enrichment
// scanner's heat-slope derivation without touching evidence or score.
func (s *Store) UpdateEventHeat(ctx context.Context, eventKey string, heat10m, heat30m float64) error {
	q := s.querier(ctx)
	const query = `UPDATE events SET heat_10m = $2, heat_30m = $3 WHERE event_key = $1`
	_, err := q.ExecContext(ctx, query, eventKey, heat10m, heat30m)
	if err != nil {
		return fmt.Errorf("update event heat: %w", err)
	}
	return nil
}

// MergeEvidence dict-merges extra into events.evidence (Postgres jsonb ||
// semantics: top-level keys in extra overwrite, existing keys are
// preserved), satisfying the "merges never delete keys" invariant for
// scalar/object values. List-valued evidence keys are appended by the
// caller before calling this, since jsonb || replaces arrays wholesale.
func (s *Store) MergeEvidence(ctx context.Context, eventKey string, extra JSONB) error {
	q := s.querier(ctx)
	const query = `UPDATE events SET evidence = evidence || $2::jsonb WHERE event_key = $1`
	val, err := extra.Value()
	if err != nil {
		return fmt.Errorf("marshal evidence merge: %w", err)
	}
	if _, err := q.ExecContext(ctx, query, eventKey, val); err != nil {
		return fmt.Errorf("merge evidence: %w", err)
	}
	return nil
}
