package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetProviderCache fetches the most recent cached payload for
// (endpoint, chain, key), used by the relational tier of the provider
// clients' multi-level cache.
func (s *Store) GetProviderCache(ctx context.Context, endpoint, chain, key string) (ProviderCacheEntry, error) {
	q := s.querier(ctx)
	var e ProviderCacheEntry
	const query = `SELECT * FROM provider_cache_entries WHERE endpoint = $1 AND chain = $2 AND key = $3`
	if err := q.GetContext(ctx, &e, query, endpoint, chain, key); err != nil {
		if err == sql.ErrNoRows {
			return ProviderCacheEntry{}, ErrNotFound
		}
		return ProviderCacheEntry{}, fmt.Errorf("get provider cache: %w", err)
	}
	return e, nil
}

// PutProviderCache write-throughs a fresh payload, replacing any prior
// entry for the same key (unique (endpoint, chain, key), keeping only the
// most recent fetch).
func (s *Store) PutProviderCache(ctx context.Context, e ProviderCacheEntry) error {
	q := s.querier(ctx)
	const upsert = `
		INSERT INTO provider_cache_entries (endpoint, chain, key, payload, fetched_at, expires_at)
		VALUES (:endpoint, :chain, :key, :payload, now(), :expires_at)
		ON CONFLICT (endpoint, chain, key) DO UPDATE SET
			payload    = EXCLUDED.payload,
			fetched_at = now(),
			expires_at = EXCLUDED.expires_at`
	if _, err := namedExec(ctx, q, upsert, e); err != nil {
		return fmt.Errorf("put provider cache: %w", err)
	}
	return nil
}
