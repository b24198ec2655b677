package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

type fakeFetcher struct {
	calls   int
	payload Payload
	err     error
}

func (f *fakeFetcher) Snapshot(_ context.Context, _, _ string) (Payload, error) {
	f.calls++
	return f.payload, f.err
}

func TestClient_Snapshot_PrimarySuccessCachesBucket(t *testing.T) {
	primary := &fakeFetcher{payload: Payload{PriceUSD: 1.5, LiquidityUSD: 1000}}
	c := New(DefaultConfig(), primary, nil, nil, nil, nil)

	res1, err := c.Snapshot(context.Background(), "bsc", "0xABC")
	require.NoError(t, err)
	require.Equal(t, "primary", res1.Source)
	require.Equal(t, 1, primary.calls)

	res2, err := c.Snapshot(context.Background(), "bsc", "0xabc")
	require.NoError(t, err)
	require.Equal(t, 1, primary.calls, "second call within the same 5-minute bucket should hit cache")
	require.Equal(t, "cache", res2.Source)
}

func TestClient_Snapshot_FallsThroughToSecondaryOnPrimaryFailure(t *testing.T) {
	primary := &fakeFetcher{err: apperrors.UpstreamTransient("dexA", context.DeadlineExceeded)}
	secondary := &fakeFetcher{payload: Payload{PriceUSD: 2.0}}
	c := New(DefaultConfig(), primary, secondary, nil, nil, nil)

	res, err := c.Snapshot(context.Background(), "eth", "0xdef")
	require.NoError(t, err)
	require.Equal(t, "secondary", res.Source)
	require.False(t, res.Degrade)
}

func TestClient_Snapshot_DegradesToLastOkWhenBothFail(t *testing.T) {
	primary := &fakeFetcher{payload: Payload{PriceUSD: 3.0}}
	c := New(DefaultConfig(), primary, nil, nil, nil, nil)

	_, err := c.Snapshot(context.Background(), "eth", "0xghi")
	require.NoError(t, err)

	primary.err = apperrors.UpstreamTimeout("dexA", context.DeadlineExceeded)
	primary.payload = Payload{}

	// Invalidate just the short-lived bucket entry (not last_ok) to force
	// the fall-through path without waiting out the real 5-minute bucket.
	c.memo.Invalidate(c.bucketCacheKey("eth", "0xghi"))

	res, err := c.Snapshot(context.Background(), "eth", "0xghi")
	require.NoError(t, err)
	require.True(t, res.Degrade)
	require.True(t, res.Stale)
	require.Equal(t, "both_failed_last_ok", res.Reason)
}

func TestClient_Snapshot_FullyEmptyWhenNoCacheAndBothFail(t *testing.T) {
	primary := &fakeFetcher{err: apperrors.UpstreamTimeout("dexA", context.DeadlineExceeded)}
	c := New(DefaultConfig(), primary, nil, nil, nil, nil)

	res, err := c.Snapshot(context.Background(), "eth", "0xnowhere")
	require.NoError(t, err)
	require.True(t, res.Degrade)
	require.Equal(t, "both_failed_no_cache", res.Reason)
}
