package outbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/signalpipe/internal/messaging"
	"github.com/cryptopulse/signalpipe/internal/store"
)

// fakeEntryStore hands out queued entries one at a time and records every
// status transition the dispatcher asks for.
type fakeEntryStore struct {
	entries []store.OutboxEntry
	next    int
	backlog int

	doneIDs    []int64
	retries    []retryCall
	dlqed      []int64
	dlqPayload store.JSONB
	dlqErr     string
}

type retryCall struct {
	id        int64
	attempt   int
	nextTryAt time.Time
	lastErr   string
}

func (f *fakeEntryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeEntryStore) EnqueueOutbox(ctx context.Context, channelID string, threadID *string, eventKey string, payload store.JSONB) (int64, error) {
	f.entries = append(f.entries, store.OutboxEntry{
		ID:        int64(len(f.entries) + 1),
		ChannelID: channelID,
		ThreadID:  threadID,
		EventKey:  eventKey,
		Payload:   payload,
		Status:    store.OutboxPending,
	})
	return int64(len(f.entries)), nil
}

func (f *fakeEntryStore) ClaimNextOutbox(ctx context.Context) (store.OutboxEntry, error) {
	if f.next >= len(f.entries) {
		return store.OutboxEntry{}, store.ErrNotFound
	}
	e := f.entries[f.next]
	f.next++
	return e, nil
}

func (f *fakeEntryStore) MarkOutboxDone(ctx context.Context, id int64) error {
	f.doneIDs = append(f.doneIDs, id)
	return nil
}

func (f *fakeEntryStore) MarkOutboxRetry(ctx context.Context, id int64, attempt int, nextTryAt time.Time, lastErr string) error {
	f.retries = append(f.retries, retryCall{id: id, attempt: attempt, nextTryAt: nextTryAt, lastErr: lastErr})
	return nil
}

func (f *fakeEntryStore) MoveOutboxToDLQ(ctx context.Context, id int64, eventKey string, payload store.JSONB, lastErr string) error {
	f.dlqed = append(f.dlqed, id)
	f.dlqPayload = payload
	f.dlqErr = lastErr
	return nil
}

func (f *fakeEntryStore) OutboxBacklog(ctx context.Context) (int, error) {
	return f.backlog, nil
}

type fakeDLQ struct {
	fresh     []store.DLQSnapshot
	stale     []store.DLQSnapshot
	recovered []int64
	discarded []int64
}

func (f *fakeDLQ) RecoverableDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]store.DLQSnapshot, error) {
	return f.fresh, nil
}

func (f *fakeDLQ) StaleDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]store.DLQSnapshot, error) {
	return f.stale, nil
}

func (f *fakeDLQ) RecoverDLQSnapshot(ctx context.Context, snap store.DLQSnapshot) error {
	f.recovered = append(f.recovered, snap.ID)
	return nil
}

func (f *fakeDLQ) DiscardDLQSnapshot(ctx context.Context, id int64) error {
	f.discarded = append(f.discarded, id)
	return nil
}

type fakeIdemp struct {
	seen map[string]bool
	keys []string
}

func (f *fakeIdemp) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.keys = append(f.keys, key)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeLimiter struct {
	allowed bool
	calls   []string
}

func (f *fakeLimiter) WaitUntilAllowed(ctx context.Context, bucketKey string, maxWait, interval time.Duration) (bool, error) {
	f.calls = append(f.calls, bucketKey)
	return f.allowed, nil
}

type fakeSender struct {
	results []messaging.SendResult
	calls   int
	texts   []string
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, text, parseMode string, disableNotification bool) (messaging.SendResult, error) {
	f.texts = append(f.texts, text)
	res := f.results[f.calls%len(f.results)]
	f.calls++
	return res, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SnapshotDir = "" // no snapshot files in unit tests
	return cfg
}

func enqueueOne(t *testing.T, d *Dispatcher, eventKey string) {
	t.Helper()
	_, err := d.Enqueue(context.Background(), "chan-1", nil, eventKey, "hello", "HTML", false)
	require.NoError(t, err)
}

func TestDispatchBatch_SuccessMarksDone(t *testing.T) {
	st := &fakeEntryStore{}
	sender := &fakeSender{results: []messaging.SendResult{{OK: true, MessageID: 7, StatusCode: 200}}}
	d := New(testConfig(), st, &fakeDLQ{}, &fakeIdemp{}, nil, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Claimed)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, []int64{1}, st.doneIDs)
	require.Equal(t, []string{"hello"}, sender.texts)
}

func TestDispatchBatch_DuplicateIdempotencyKeySkipsSend(t *testing.T) {
	st := &fakeEntryStore{}
	idemp := &fakeIdemp{seen: map[string]bool{}}
	sender := &fakeSender{results: []messaging.SendResult{{OK: true, StatusCode: 200}}}
	d := New(testConfig(), st, &fakeDLQ{}, idemp, nil, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	// Same (event_key, channel, template_v): only the first claim reaches
	// the messaging client; the second is marked done without a send.
	require.Equal(t, 1, sender.calls)
	require.Equal(t, []int64{1, 2}, st.doneIDs)
}

func TestDispatchBatch_429UsesRetryAfter(t *testing.T) {
	st := &fakeEntryStore{}
	sender := &fakeSender{results: []messaging.SendResult{
		{OK: false, StatusCode: 429, RetryAfter: 30 * time.Second, Error: "Too Many Requests"},
	}}
	d := New(testConfig(), st, &fakeDLQ{}, nil, nil, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	before := time.Now()
	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Retried)
	require.Len(t, st.retries, 1)
	require.Equal(t, 1, st.retries[0].attempt)
	require.WithinDuration(t, before.Add(30*time.Second), st.retries[0].nextTryAt, 2*time.Second)
}

func TestDispatchBatch_5xxRetriesWithExponentialBackoff(t *testing.T) {
	st := &fakeEntryStore{}
	sender := &fakeSender{results: []messaging.SendResult{
		{OK: false, StatusCode: 500, Error: "Internal Server Error"},
	}}
	d := New(testConfig(), st, &fakeDLQ{}, nil, nil, sender, nil)
	d.randFn = func() float64 { return 0.5 } // jitter factor exactly 1.0
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	before := time.Now()
	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Retried)
	require.Len(t, st.retries, 1)
	// attempt 1: 2^1 * 2s = 4s, jitter 1.0
	require.WithinDuration(t, before.Add(4*time.Second), st.retries[0].nextTryAt, 2*time.Second)
}

func TestDispatchBatch_Permanent4xxMovesToDLQ(t *testing.T) {
	st := &fakeEntryStore{}
	sender := &fakeSender{results: []messaging.SendResult{
		{OK: false, StatusCode: 400, Error: "Bad Request: chat not found"},
	}}
	d := New(testConfig(), st, &fakeDLQ{}, nil, nil, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.DLQed)
	require.Equal(t, []int64{1}, st.dlqed)
	require.Equal(t, "Bad Request: chat not found", st.dlqErr)
	require.Empty(t, st.retries)
}

func TestDispatchBatch_ThrottledRowIsLeftForNextPass(t *testing.T) {
	st := &fakeEntryStore{}
	limiter := &fakeLimiter{allowed: false}
	sender := &fakeSender{results: []messaging.SendResult{{OK: true, StatusCode: 200}}}
	d := New(testConfig(), st, &fakeDLQ{}, nil, limiter, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	res, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Waited)
	require.Equal(t, 0, sender.calls)
	require.Empty(t, st.doneIDs)
	require.Empty(t, st.retries)
}

func TestDispatchBatch_ChecksGlobalThenChannelBucket(t *testing.T) {
	st := &fakeEntryStore{}
	limiter := &fakeLimiter{allowed: true}
	sender := &fakeSender{results: []messaging.SendResult{{OK: true, StatusCode: 200}}}
	d := New(testConfig(), st, &fakeDLQ{}, nil, limiter, sender, nil)
	enqueueOne(t, d, "EVK:TOKEN:0XAAAABBBB")

	_, err := d.DispatchBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"global", "chan-1"}, limiter.calls)
}

func TestBackoff_CapsAt600Seconds(t *testing.T) {
	d := New(testConfig(), &fakeEntryStore{}, &fakeDLQ{}, nil, nil, nil, nil)
	d.randFn = func() float64 { return 0.5 }
	require.Equal(t, 4*time.Second, d.backoff(1))
	require.Equal(t, 16*time.Second, d.backoff(3))
	require.Equal(t, 600*time.Second, d.backoff(20))
}

func TestIdempotencyKey_StableAndPrefixed(t *testing.T) {
	d := New(testConfig(), &fakeEntryStore{}, &fakeDLQ{}, nil, nil, nil, nil)
	e := store.OutboxEntry{EventKey: "EVK:TOKEN:0XAAAABBBB", ChannelID: "chan-1"}
	k1 := d.idempotencyKey(e)
	k2 := d.idempotencyKey(e)
	require.Equal(t, k1, k2)
	require.Contains(t, k1, "cards:idemp:")
	require.Len(t, k1, len("cards:idemp:")+40)
}

func TestRecoverDLQ_RecoversFreshDiscardsStale(t *testing.T) {
	dlq := &fakeDLQ{
		fresh: []store.DLQSnapshot{{ID: 1, OutboxID: 10}, {ID: 2, OutboxID: 11}},
		stale: []store.DLQSnapshot{{ID: 3, OutboxID: 12}},
	}
	d := New(testConfig(), &fakeEntryStore{}, dlq, nil, nil, nil, nil)

	res, err := d.RecoverDLQ(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Recovered)
	require.Equal(t, 1, res.Discarded)
	require.Equal(t, []int64{1, 2}, dlq.recovered)
	require.Equal(t, []int64{3}, dlq.discarded)
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{Text: "card text", ParseMode: "HTML", DisableNotification: true}
	got := payloadFromJSONB(p.toJSONB())
	require.Equal(t, p, got)
}

func TestWriteSnapshot_NamesFileByTimestampEventAndTrace(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotDir = t.TempDir()
	d := New(cfg, &fakeEntryStore{}, &fakeDLQ{}, nil, nil, nil, nil)

	entry := store.OutboxEntry{
		ID:        5,
		EventKey:  "EVK:TOKEN:0XAAAABBBBCCCCDDDD",
		ChannelID: "chan-1",
		Payload:   store.JSONB{"text": "hi"},
	}
	require.NoError(t, d.writeSnapshot(context.Background(), entry, "boom", 2))

	entries, err := os.ReadDir(cfg.SnapshotDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	require.Contains(t, name, "EVK:TOKEN:0XAAAA") // event frag truncated to 16
	require.Contains(t, name, "_2_")
	require.True(t, strings.HasSuffix(name, ".json"))
}
