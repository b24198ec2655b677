package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertRawPost persists a raw post inside the caller's transaction
// (ctx must carry one started by WithTx when native_post_id dedup matters
// across a whole ingestion batch). If a post with the same
// (source, native_post_id) already exists, it reports dedup=true and the
// existing row instead of inserting a duplicate.
func (s *Store) InsertRawPost(ctx context.Context, p RawPost) (RawPost, bool, error) {
	q := s.querier(ctx)

	if p.NativePostID != nil {
		existing, err := s.findRawPostByNativeID(ctx, p.Source, *p.NativePostID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return RawPost{}, false, fmt.Errorf("check existing raw post: %w", err)
		}
	}

	const insert = `
		INSERT INTO raw_posts (source, author, text, ts, urls, token_ca, symbol, is_candidate, native_post_id)
		VALUES (:source, :author, :text, :ts, :urls, :token_ca, :symbol, :is_candidate, :native_post_id)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, q, insert, p)
	if err != nil {
		return RawPost{}, false, fmt.Errorf("insert raw post: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&p.ID, &p.CreatedAt); err != nil {
			return RawPost{}, false, fmt.Errorf("scan inserted raw post: %w", err)
		}
	}
	return p, false, nil
}

func (s *Store) findRawPostByNativeID(ctx context.Context, source, nativeID string) (RawPost, error) {
	q := s.querier(ctx)
	var p RawPost
	const query = `SELECT * FROM raw_posts WHERE source = $1 AND native_post_id = $2`
	if err := q.GetContext(ctx, &p, query, source, nativeID); err != nil {
		return RawPost{}, err
	}
	return p, nil
}

// RawPostsByTokenCA returns raw posts referencing the given normalized
// contract address, most recent first, for evidence aggregation.
func (s *Store) RawPostsByTokenCA(ctx context.Context, tokenCA string, limit int) ([]RawPost, error) {
	q := s.querier(ctx)
	if limit <= 0 {
		limit = 50
	}
	var posts []RawPost
	const query = `SELECT * FROM raw_posts WHERE token_ca = $1 ORDER BY ts DESC LIMIT $2`
	if err := q.SelectContext(ctx, &posts, query, tokenCA, limit); err != nil {
		return nil, fmt.Errorf("select raw posts by token_ca: %w", err)
	}
	return posts, nil
}
