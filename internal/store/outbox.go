package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueueOutbox inserts a pending send with attempt=0 and next_try_at=NULL.
func (s *Store) EnqueueOutbox(ctx context.Context, channelID string, threadID *string, eventKey string, payload JSONB) (int64, error) {
	q := s.querier(ctx)
	const insert = `
		INSERT INTO push_outbox (channel_id, thread_id, event_key, payload, status, attempt)
		VALUES ($1, $2, $3, $4, '` + OutboxPending + `', 0)
		RETURNING id`
	var id int64
	if err := q.QueryRowxContext(ctx, insert, channelID, threadID, eventKey, payload).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// ClaimNextOutbox selects the next dispatchable row (pending or retry,
// next_try_at due) and locks it FOR UPDATE SKIP LOCKED so concurrent
// dispatcher workers never pick the same row, ordered by
// next_try_at NULLS FIRST, created_at ASC per the documented ordering
// guarantee. Must be called inside WithTx; the caller updates status
// before committing.
func (s *Store) ClaimNextOutbox(ctx context.Context) (OutboxEntry, error) {
	tx := TxFromContext(ctx)
	if tx == nil {
		return OutboxEntry{}, fmt.Errorf("claim next outbox: must run inside a transaction")
	}

	const query = `
		SELECT * FROM push_outbox
		WHERE status IN ('` + OutboxPending + `', '` + OutboxRetry + `')
		  AND (next_try_at IS NULL OR next_try_at <= now())
		ORDER BY next_try_at NULLS FIRST, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var entry OutboxEntry
	if err := tx.GetContext(ctx, &entry, query); err != nil {
		if err == sql.ErrNoRows {
			return OutboxEntry{}, ErrNotFound
		}
		return OutboxEntry{}, fmt.Errorf("claim next outbox: %w", err)
	}
	return entry, nil
}

// MarkOutboxDone transitions a row to done.
func (s *Store) MarkOutboxDone(ctx context.Context, id int64) error {
	return s.updateOutboxStatus(ctx, id, OutboxDone, 0, nil, nil)
}

// MarkOutboxRetry increments attempt, records the error, and schedules the
// next try.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, attempt int, nextTryAt time.Time, lastErr string) error {
	return s.updateOutboxStatus(ctx, id, OutboxRetry, attempt, &nextTryAt, &lastErr)
}

// MoveOutboxToDLQ marks the row dlq (terminal) and writes a DLQSnapshot
// preserving the payload for later recovery.
func (s *Store) MoveOutboxToDLQ(ctx context.Context, id int64, eventKey string, payload JSONB, lastErr string) error {
	if err := s.updateOutboxStatus(ctx, id, OutboxDLQ, 0, nil, &lastErr); err != nil {
		return err
	}
	q := s.querier(ctx)
	const insert = `
		INSERT INTO dlq_snapshots (outbox_id, event_key, payload, last_error)
		VALUES ($1, $2, $3, $4)`
	if _, err := q.ExecContext(ctx, insert, id, eventKey, payload, lastErr); err != nil {
		return fmt.Errorf("write dlq snapshot: %w", err)
	}
	return nil
}

func (s *Store) updateOutboxStatus(ctx context.Context, id int64, status string, attempt int, nextTryAt *time.Time, lastErr *string) error {
	q := s.querier(ctx)
	const query = `
		UPDATE push_outbox SET
			status      = $2,
			attempt     = CASE WHEN $3::int > attempt THEN $3 ELSE attempt END,
			next_try_at = $4,
			last_error  = $5,
			updated_at  = now()
		WHERE id = $1`
	_, err := q.ExecContext(ctx, query, id, status, attempt, nextTryAt, lastErr)
	if err != nil {
		return fmt.Errorf("update outbox status: %w", err)
	}
	return nil
}

// OutboxBacklog counts rows in a dispatchable state, feeding the
// outbox_backlog gauge.
func (s *Store) OutboxBacklog(ctx context.Context) (int, error) {
	q := s.querier(ctx)
	var n int
	const query = `SELECT COUNT(*) FROM push_outbox WHERE status IN ('` + OutboxPending + `', '` + OutboxRetry + `')`
	if err := q.QueryRowxContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox backlog: %w", err)
	}
	return n, nil
}
