package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucket_AllowsWithinCapacity(t *testing.T) {
	b := NewBucket(60) // 1/sec
	require.True(t, b.Allow())
}

func TestBucket_AcquireDoesNotBlockWhenTokensAvailable(t *testing.T) {
	b := NewBucket(6000) // plenty of capacity
	start := time.Now()
	err := b.Acquire(context.Background(), 1)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBucket_AcquireWaitsForRefillWhenExhausted(t *testing.T) {
	b := NewBucket(60) // refill 1 token/sec
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx, 60)) // the bucket starts full; this drains all 60 tokens

	start := time.Now()
	require.NoError(t, b.Acquire(ctx, 1))
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestBucket_AcquireRespectsContextCancellation(t *testing.T) {
	b := NewBucket(1) // refill ~1 token per 60s, effectively exhausted after one Allow
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.True(t, b.Allow())

	err := b.Acquire(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucket_ConcurrentAcquireNeverDoubleGrants(t *testing.T) {
	b := NewBucket(6000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Acquire(context.Background(), 1)
		}()
	}
	wg.Wait()
}

type fakeKV struct {
	mu      sync.Mutex
	counts  map[string]int64
	expired map[string]time.Duration
}

func newFakeKV() *fakeKV {
	return &fakeKV{counts: map[string]int64{}, expired: map[string]time.Duration{}}
}

func (f *fakeKV) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[key] = ttl
	return nil
}

func TestSlidingWindow_AllowsUpToLimitThenBlocks(t *testing.T) {
	kv := newFakeKV()
	w := NewSlidingWindow(kv, "tg", 2, time.Second)

	ok1, err := w.Allow(context.Background(), "global")
	require.NoError(t, err)
	require.True(t, ok1)

	ok2, _ := w.Allow(context.Background(), "global")
	require.True(t, ok2)

	ok3, _ := w.Allow(context.Background(), "global")
	require.False(t, ok3)
}

func TestSlidingWindow_WaitUntilAllowedGivesUpAfterMaxWait(t *testing.T) {
	kv := newFakeKV()
	w := NewSlidingWindow(kv, "tg", 1, time.Hour)

	ok, err := w.Allow(context.Background(), "global")
	require.NoError(t, err)
	require.True(t, ok)

	allowed, err := w.WaitUntilAllowed(context.Background(), "global", 60*time.Millisecond, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, allowed)
}
