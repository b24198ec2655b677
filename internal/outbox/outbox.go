// Package outbox implements the card-delivery dispatch loop: a
// durable queue (internal/store's push_outbox table) drained on a fixed
// schedule, rate-limited per channel and globally via a KV-backed sliding
// window, deduplicated by an idempotency key, and sent through the
// messaging client with outcome-specific retry/backoff/DLQ routing.
package outbox

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cryptopulse/signalpipe/internal/messaging"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// globalBucket is the sliding window's bucket key for the process-wide
// rate limit, distinct from any one channel's per-channel bucket.
const globalBucket = "global"

// retryPollInterval is how often a throttled row rechecks the limiter.
const retryPollInterval = 50 * time.Millisecond

// Sender is the subset of messaging.Client a dispatch needs.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text, parseMode string, disableNotification bool) (messaging.SendResult, error)
}

// EntryStore is the subset of *store.Store the dispatcher mutates.
type EntryStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	EnqueueOutbox(ctx context.Context, channelID string, threadID *string, eventKey string, payload store.JSONB) (int64, error)
	ClaimNextOutbox(ctx context.Context) (store.OutboxEntry, error)
	MarkOutboxDone(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, attempt int, nextTryAt time.Time, lastErr string) error
	MoveOutboxToDLQ(ctx context.Context, id int64, eventKey string, payload store.JSONB, lastErr string) error
	OutboxBacklog(ctx context.Context) (int, error)
}

// DLQStore is the subset of *store.Store the recovery job needs.
type DLQStore interface {
	RecoverableDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]store.DLQSnapshot, error)
	StaleDLQSnapshots(ctx context.Context, maxAge time.Duration) ([]store.DLQSnapshot, error)
	RecoverDLQSnapshot(ctx context.Context, snap store.DLQSnapshot) error
	DiscardDLQSnapshot(ctx context.Context, id int64) error
}

// IdempotencyKV is the narrow KV surface the dedup check needs;
// internal/kvstore satisfies it.
type IdempotencyKV interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Limiter is the narrow rate-limit surface the dispatch loop needs;
// internal/providers/ratelimit.SlidingWindow satisfies it.
type Limiter interface {
	WaitUntilAllowed(ctx context.Context, bucketKey string, maxWait, interval time.Duration) (bool, error)
}

// Config controls batch size, the rate-limit spin-wait, the idempotency
// window, and the on-error snapshot directory. Sourced from
// appconfig.OutboxConfig.
type Config struct {
	DispatchBatchSize int
	MaxWait           time.Duration
	DedupTTL          time.Duration
	TemplateVersion   string
	DLQMaxAge         time.Duration
	SnapshotDir       string
}

// DefaultConfig matches appconfig.OutboxConfig's documented defaults.
func DefaultConfig() Config {
	return Config{
		DispatchBatchSize: 50,
		MaxWait:           1000 * time.Millisecond,
		DedupTTL:          time.Hour,
		TemplateVersion:   "v1",
		DLQMaxAge:         3 * 24 * time.Hour,
		SnapshotDir:       "./snapshots",
	}
}

// Payload is the enqueued message body payload_json carries: a
// pre-rendered send, not the card itself, so the dispatcher never needs to
// re-render or re-pull provider data to retry a send.
type Payload struct {
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

func (p Payload) toJSONB() store.JSONB {
	return store.JSONB{
		"text":                 p.Text,
		"parse_mode":           p.ParseMode,
		"disable_notification": p.DisableNotification,
	}
}

func payloadFromJSONB(j store.JSONB) Payload {
	var p Payload
	if v, ok := j["text"].(string); ok {
		p.Text = v
	}
	if v, ok := j["parse_mode"].(string); ok {
		p.ParseMode = v
	}
	if v, ok := j["disable_notification"].(bool); ok {
		p.DisableNotification = v
	}
	return p
}

// Result summarizes one dispatch pass.
type Result struct {
	Claimed int
	Sent    int
	Retried int
	DLQed   int
	Waited  int
}

// RecoveryResult summarizes one DLQ recovery pass.
type RecoveryResult struct {
	Recovered int
	Discarded int
}

// Dispatcher drains the push outbox.
type Dispatcher struct {
	cfg     Config
	store   EntryStore
	dlq     DLQStore
	idemp   IdempotencyKV
	limiter Limiter
	sender  Sender
	log     *logger.Logger
	randFn  func() float64
}

// New constructs a Dispatcher. idemp/limiter may be nil, in which case
// dedup and rate limiting are skipped (useful for single-process tests),
// but production wiring always supplies both.
func New(cfg Config, st EntryStore, dlq DLQStore, idemp IdempotencyKV, limiter Limiter, sender Sender, log *logger.Logger) *Dispatcher {
	if cfg.DispatchBatchSize <= 0 {
		cfg.DispatchBatchSize = 50
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if log == nil {
		log = logger.NewFromEnv("outbox")
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		dlq:     dlq,
		idemp:   idemp,
		limiter: limiter,
		sender:  sender,
		log:     log,
		randFn:  rand.Float64,
	}
}

// Enqueue inserts a pending send.
func (d *Dispatcher) Enqueue(ctx context.Context, channelID string, threadID *string, eventKey, text, parseMode string, disableNotification bool) (int64, error) {
	p := Payload{Text: text, ParseMode: parseMode, DisableNotification: disableNotification}
	return d.store.EnqueueOutbox(ctx, channelID, threadID, eventKey, p.toJSONB())
}

// DispatchBatch claims and processes up to cfg.DispatchBatchSize rows,
// then recomputes the backlog gauge. A row that the rate
// limiter is still throttling when max_wait elapses is left untouched
// (requeued by inaction) rather than counted as an error.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (Result, error) {
	var result Result
	var errs *multierror.Error

	for i := 0; i < d.cfg.DispatchBatchSize; i++ {
		claimed, outcome, err := d.dispatchOne(ctx, i)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			errs = multierror.Append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !claimed {
			break
		}
		result.Claimed++
		switch outcome {
		case outcomeSent:
			result.Sent++
		case outcomeRetried:
			result.Retried++
		case outcomeDLQed:
			result.DLQed++
		case outcomeWaited:
			result.Waited++
		}
	}

	if n, err := d.store.OutboxBacklog(ctx); err == nil {
		metrics.SetOutboxBacklog(n)
	} else {
		errs = multierror.Append(errs, err)
	}

	return result, errs.ErrorOrNil()
}

type sendOutcome int

const (
	outcomeWaited sendOutcome = iota
	outcomeSent
	outcomeRetried
	outcomeDLQed
)

// dispatchOne claims one row and drives it through rate limiting,
// idempotency, send, and outcome classification inside a single
// transaction, matching store.ClaimNextOutbox's documented contract of
// claiming and updating status before the caller commits.
func (d *Dispatcher) dispatchOne(ctx context.Context, batchIdx int) (claimed bool, outcome sendOutcome, err error) {
	err = d.store.WithTx(ctx, func(ctx context.Context) error {
		entry, cErr := d.store.ClaimNextOutbox(ctx)
		if cErr != nil {
			return cErr
		}
		claimed = true

		if d.limiter != nil {
			for _, bucket := range []string{globalBucket, entry.ChannelID} {
				ok, lErr := d.limiter.WaitUntilAllowed(ctx, bucket, d.cfg.MaxWait, retryPollInterval)
				if lErr != nil {
					return lErr
				}
				if !ok {
					outcome = outcomeWaited
					return nil
				}
			}
		}

		if d.idemp != nil {
			key := d.idempotencyKey(entry)
			fresh, iErr := d.idemp.SetNX(ctx, key, "1", d.cfg.DedupTTL)
			if iErr == nil && !fresh {
				outcome = outcomeSent
				return d.store.MarkOutboxDone(ctx, entry.ID)
			}
		}

		o, sErr := d.send(ctx, entry, batchIdx)
		outcome = o
		return sErr
	})
	return claimed, outcome, err
}

// idempotencyKey computes the cards:idemp:sha1(...) dedup key.
func (d *Dispatcher) idempotencyKey(entry store.OutboxEntry) string {
	raw := fmt.Sprintf("%s|%s|%s", entry.EventKey, entry.ChannelID, d.cfg.TemplateVersion)
	sum := sha1.Sum([]byte(raw))
	return "cards:idemp:" + hex.EncodeToString(sum[:])
}

func (d *Dispatcher) send(ctx context.Context, entry store.OutboxEntry, batchIdx int) (sendOutcome, error) {
	p := payloadFromJSONB(entry.Payload)
	start := time.Now()
	res, err := d.sender.SendMessage(ctx, entry.ChannelID, p.Text, p.ParseMode, p.DisableNotification)
	latency := time.Since(start)
	if err != nil {
		return outcomeRetried, d.retry(ctx, entry, "send canceled: "+err.Error(), batchIdx)
	}

	code := statusClass(res.StatusCode)

	switch {
	case res.OK:
		metrics.ObserveTelegramSend("ok", code, latency)
		return outcomeSent, d.store.MarkOutboxDone(ctx, entry.ID)

	case res.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveTelegramSend("err", code, latency)
		metrics.IncTelegramRetry()
		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Duration(3+d.randFn()*2) * time.Second
		}
		return outcomeRetried, d.markRetry(ctx, entry, time.Now().Add(wait), res.Error, batchIdx)

	case res.StatusCode >= 500 || res.StatusCode == 0:
		metrics.ObserveTelegramSend("err", code, latency)
		metrics.IncTelegramRetry()
		return outcomeRetried, d.markRetry(ctx, entry, time.Now().Add(d.backoff(entry.Attempt+1)), res.Error, batchIdx)

	default:
		metrics.ObserveTelegramSend("err", code, latency)
		metrics.IncCardsPushFail(code)
		if wErr := d.writeSnapshot(ctx, entry, res.Error, batchIdx); wErr != nil {
			d.log.WithContext(ctx).WithField("event_key", entry.EventKey).Warn("write dlq snapshot file: " + wErr.Error())
		}
		return outcomeDLQed, d.store.MoveOutboxToDLQ(ctx, entry.ID, entry.EventKey, entry.Payload, res.Error)
	}
}

func (d *Dispatcher) retry(ctx context.Context, entry store.OutboxEntry, reason string, batchIdx int) error {
	return d.markRetry(ctx, entry, time.Now().Add(d.backoff(entry.Attempt+1)), reason, batchIdx)
}

func (d *Dispatcher) markRetry(ctx context.Context, entry store.OutboxEntry, nextTryAt time.Time, lastErr string, batchIdx int) error {
	if wErr := d.writeSnapshot(ctx, entry, lastErr, batchIdx); wErr != nil {
		d.log.WithContext(ctx).WithField("event_key", entry.EventKey).Warn("write retry snapshot file: " + wErr.Error())
	}
	return d.store.MarkOutboxRetry(ctx, entry.ID, entry.Attempt+1, nextTryAt, lastErr)
}

// backoff implements min(2^attempt · 2s, 600s) · jitter(0.7..1.3).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := math.Min(math.Pow(2, float64(attempt))*2.0, 600.0)
	f := 0.7 + d.randFn()*0.6
	return time.Duration(base * f * float64(time.Second))
}

// writeSnapshot writes the on-error snapshot file
// <ts>_<event[:16]>_<idx>_<trace[:8]>.json to the configured snapshot
// directory. A write failure only logs; it never blocks status transitions.
func (d *Dispatcher) writeSnapshot(ctx context.Context, entry store.OutboxEntry, lastErr string, idx int) error {
	if d.cfg.SnapshotDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.cfg.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}

	trace := logger.NewTraceID()
	if v, ok := ctx.Value(logger.TraceIDKey).(string); ok && v != "" {
		trace = v
	}
	eventFrag := entry.EventKey
	if len(eventFrag) > 16 {
		eventFrag = eventFrag[:16]
	}
	traceFrag := trace
	if len(traceFrag) > 8 {
		traceFrag = traceFrag[:8]
	}
	name := fmt.Sprintf("%s_%s_%d_%s.json", time.Now().UTC().Format("20060102T150405Z"), eventFrag, idx, traceFrag)

	doc := map[string]interface{}{
		"outbox_id":  entry.ID,
		"event_key":  entry.EventKey,
		"channel_id": entry.ChannelID,
		"attempt":    entry.Attempt,
		"payload":    entry.Payload,
		"last_error": lastErr,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return os.WriteFile(filepath.Join(d.cfg.SnapshotDir, name), raw, 0o644)
}

// RecoverDLQ implements the DLQ recovery job: snapshots within
// max_age_seconds are reset back onto the outbox for another attempt;
// older ones are discarded outright.
func (d *Dispatcher) RecoverDLQ(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult
	var errs *multierror.Error

	fresh, err := d.dlq.RecoverableDLQSnapshots(ctx, d.cfg.DLQMaxAge)
	if err != nil {
		return result, fmt.Errorf("list recoverable dlq snapshots: %w", err)
	}
	for _, snap := range fresh {
		if err := d.dlq.RecoverDLQSnapshot(ctx, snap); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		metrics.IncDLQRecovered()
		result.Recovered++
	}

	stale, err := d.dlq.StaleDLQSnapshots(ctx, d.cfg.DLQMaxAge)
	if err != nil {
		errs = multierror.Append(errs, err)
		return result, errs.ErrorOrNil()
	}
	for _, snap := range stale {
		if err := d.dlq.DiscardDLQSnapshot(ctx, snap.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		metrics.IncDLQDiscarded()
		result.Discarded++
	}

	return result, errs.ErrorOrNil()
}

// statusClass buckets an HTTP status into the coarse code label the
// telegram_send_total/cards_push_fail_total series carry ("2xx", "4xx",
// "5xx"); 0 means the transport never produced a status.
func statusClass(code int) string {
	switch {
	case code == 0:
		return "unknown"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
