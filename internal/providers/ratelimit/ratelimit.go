// Package ratelimit implements the pipeline's two rate-limiting layers:
// a per-process token bucket for provider clients, and a KV-backed sliding
// window for limits that must hold across worker processes (card delivery).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket with capacity = rpm and refill = rpm/60 tokens
// per second. Acquire's critical section is deliberate: the
// mutex is released before sleeping, and re-checked/decremented under the
// mutex after waking; if the bucket is still short after that first wait
// (another goroutine drained it first), it sleeps the remaining deficit and
// forces the decrement rather than looping indefinitely.
type Bucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	lastRefill   time.Time
	now          func() time.Time
}

// NewBucket creates a token bucket refilling at rpm requests per minute,
// starting full.
func NewBucket(rpm float64) *Bucket {
	if rpm <= 0 {
		rpm = 60
	}
	return &Bucket{
		capacity:     rpm,
		tokens:       rpm,
		refillPerSec: rpm / 60,
		lastRefill:   time.Now(),
		now:          time.Now,
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// tryAcquireLocked must be called with mu held. It reports whether n tokens
// were available (and decrements if so) and, if not, how long the caller
// must wait for the deficit to refill.
func (b *Bucket) tryAcquireLocked(n float64) (ok bool, wait time.Duration) {
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	waitSec := deficit / b.refillPerSec
	return false, time.Duration(waitSec * float64(time.Second))
}

// Acquire blocks, without holding the mutex while sleeping, until n tokens
// are available, then decrements the bucket. Returns ctx.Err() if ctx is
// canceled while waiting.
func (b *Bucket) Acquire(ctx context.Context, n float64) error {
	b.mu.Lock()
	ok, wait := b.tryAcquireLocked(n)
	b.mu.Unlock()
	if ok {
		return nil
	}

	if err := sleepCtx(ctx, wait); err != nil {
		return err
	}

	b.mu.Lock()
	ok, wait = b.tryAcquireLocked(n)
	if ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	// Bucket still short (drained concurrently); sleep the remaining
	// deficit and force the decrement rather than retrying forever.
	if err := sleepCtx(ctx, wait); err != nil {
		return err
	}

	b.mu.Lock()
	b.refillLocked()
	b.tokens -= n
	b.mu.Unlock()
	return nil
}

// Allow reports whether a single token is available right now, without
// waiting. It decrements on success.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ok, _ := b.tryAcquireLocked(1)
	return ok
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KV is the minimal key-value surface the sliding-window limiter needs;
// internal/kvstore satisfies it.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// SlidingWindow enforces a cross-process rate limit using a KV counter
// keyed by the current one-second window, per the pipeline's documented
// "global rate-limit state lives in KV, not in a single process" policy.
type SlidingWindow struct {
	kv     KV
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewSlidingWindow creates a limiter allowing at most limit operations per
// window (the card-delivery default is 20 per second).
func NewSlidingWindow(kv KV, prefix string, limit int64, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{kv: kv, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow increments the current window's counter and reports whether the
// caller is within budget. On the first increment of a window it sets the
// window's expiry so abandoned keys don't accumulate in KV.
func (w *SlidingWindow) Allow(ctx context.Context, bucketKey string) (bool, error) {
	key := w.windowKey(bucketKey)
	n, err := w.kv.Incr(ctx, key)
	if err != nil {
		return false, err
	}
	if n == 1 {
		_ = w.kv.Expire(ctx, key, w.window*2)
	}
	return n <= w.limit, nil
}

// WaitUntilAllowed spin-waits up to maxWait, rechecking every interval, per
// the card-dispatcher's documented "spin-wait up to max_wait_ms rechecking
// every 50ms" contract. If still limited when maxWait elapses, it returns
// false so the caller can requeue the row instead of sending.
func (w *SlidingWindow) WaitUntilAllowed(ctx context.Context, bucketKey string, maxWait, interval time.Duration) (bool, error) {
	deadline := w.now().Add(maxWait)
	for {
		ok, err := w.Allow(ctx, bucketKey)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if w.now().After(deadline) {
			return false, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false, err
		}
	}
}

func (w *SlidingWindow) windowKey(bucketKey string) string {
	bucket := w.now().Truncate(w.window).Unix()
	return w.prefix + ":" + bucketKey + ":" + time.Unix(bucket, 0).UTC().Format("150405")
}
