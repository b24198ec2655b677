package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestEnqueueOutbox_ReturnsGeneratedID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO push_outbox`).
		WithArgs("chan-1", nil, "evt-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.EnqueueOutbox(context.Background(), "chan-1", nil, "evt-1", JSONB{"a": 1})
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextOutbox_RequiresTransaction(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.ClaimNextOutbox(context.Background())
	require.Error(t, err)
}

func TestClaimNextOutbox_ReturnsRowWithinTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM push_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "channel_id", "thread_id", "event_key", "payload", "status",
			"attempt", "next_try_at", "last_error", "created_at", "updated_at",
		}).AddRow(int64(1), "chan-1", nil, "evt-1", []byte(`{}`), OutboxPending, 0, nil, nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		entry, err := s.ClaimNextOutbox(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), entry.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextOutbox_NoRowsReturnsErrNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM push_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "channel_id", "thread_id", "event_key", "payload", "status",
			"attempt", "next_try_at", "last_error", "created_at", "updated_at",
		}))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		_, err := s.ClaimNextOutbox(ctx)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkOutboxDone_UpdatesStatus(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE push_outbox SET`).
		WithArgs(int64(7), OutboxDone, 0, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkOutboxDone(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxRetry_IncrementsAttemptAndSchedulesNextTry(t *testing.T) {
	s, mock := newMockStore(t)
	next := time.Now().Add(30 * time.Second)
	mock.ExpectExec(`UPDATE push_outbox SET`).
		WithArgs(int64(7), OutboxRetry, 2, sqlmock.AnyArg(), "telegram 500").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkOutboxRetry(context.Background(), 7, 2, next, "telegram 500")
	require.NoError(t, err)
}

func TestMoveOutboxToDLQ_UpdatesStatusAndWritesSnapshot(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE push_outbox SET`).
		WithArgs(int64(9), OutboxDLQ, 0, nil, "exhausted retries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO dlq_snapshots`).
		WithArgs(int64(9), "evt-9", sqlmock.AnyArg(), "exhausted retries").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.MoveOutboxToDLQ(context.Background(), 9, "evt-9", JSONB{"x": 1}, "exhausted retries")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxBacklog_CountsPendingAndRetry(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM push_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.OutboxBacklog(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
