package store

import (
	"context"
	"fmt"
	"time"
)

// DLQSnapshots pages through dead-lettered sends, most recent first, for
// operator inspection and the recovery job.
func (s *Store) DLQSnapshots(ctx context.Context, limit, offset int) ([]DLQSnapshot, error) {
	q := s.querier(ctx)
	if limit <= 0 {
		limit = 50
	}
	var snaps []DLQSnapshot
	const query = `SELECT * FROM dlq_snapshots ORDER BY moved_at DESC LIMIT $1 OFFSET $2`
	if err := q.SelectContext(ctx, &snaps, query, limit, offset); err != nil {
		return nil, fmt.Errorf("select dlq snapshots: %w", err)
	}
	return snaps, nil
}

// RecoverableDLQSnapshots returns snapshots moved within maxAge, the
// candidates the recovery job resets back onto the outbox.
func (s *Store) RecoverableDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]DLQSnapshot, error) {
	q := s.querier(ctx)
	var snaps []DLQSnapshot
	const query = `SELECT * FROM dlq_snapshots WHERE moved_at >= now() - $1::interval ORDER BY moved_at ASC`
	if err := q.SelectContext(ctx, &snaps, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds()))); err != nil {
		return nil, fmt.Errorf("select recoverable dlq snapshots: %w", err)
	}
	return snaps, nil
}

// StaleDLQSnapshots returns snapshots older than maxAge, the candidates the
// recovery job discards outright rather than resurrecting.
func (s *Store) StaleDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]DLQSnapshot, error) {
	q := s.querier(ctx)
	var snaps []DLQSnapshot
	const query = `SELECT * FROM dlq_snapshots WHERE moved_at < now() - $1::interval ORDER BY moved_at ASC`
	if err := q.SelectContext(ctx, &snaps, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds()))); err != nil {
		return nil, fmt.Errorf("select stale dlq snapshots: %w", err)
	}
	return snaps, nil
}

// RecoverDLQSnapshot resets the originating outbox row to retry with the
// snapshot's payload restored and attempt/last_error cleared, then removes
// the snapshot. An outbox row that already moved out of dlq is left alone;
// only the snapshot is dropped. Call within WithTx alongside
// RecoverableDLQSnapshots so the recovery job's read-then-act is consistent.
func (s *Store) RecoverDLQSnapshot(ctx context.Context, snap DLQSnapshot) error {
	q := s.querier(ctx)
	const update = `
		UPDATE push_outbox SET
			status      = '` + OutboxRetry + `',
			attempt     = 0,
			next_try_at = now(),
			last_error  = NULL,
			payload     = $2,
			updated_at  = now()
		WHERE id = $1 AND status = '` + OutboxDLQ + `'`
	if _, err := q.ExecContext(ctx, update, snap.OutboxID, snap.Payload); err != nil {
		return fmt.Errorf("reset outbox row from dlq snapshot: %w", err)
	}
	if err := s.DiscardDLQSnapshot(ctx, snap.ID); err != nil {
		return fmt.Errorf("clear recovered dlq snapshot: %w", err)
	}
	return nil
}

// DiscardDLQSnapshot permanently removes a snapshot, used both for stale
// discards and to clean up after a successful recovery.
func (s *Store) DiscardDLQSnapshot(ctx context.Context, id int64) error {
	q := s.querier(ctx)
	const del = `DELETE FROM dlq_snapshots WHERE id = $1`
	if _, err := q.ExecContext(ctx, del, id); err != nil {
		return fmt.Errorf("discard dlq snapshot: %w", err)
	}
	return nil
}
