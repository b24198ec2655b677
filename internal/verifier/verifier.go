// Package verifier implements the on-chain verifier: it scans
// candidate signals older than a configured delay, fetches on-chain
// features outside any lock, evaluates them against the on-chain rule
// thresholds, and — only while holding a per-key distributed lock —
// applies a compare-and-set state transition and records the verdict.
package verifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/internal/providers/onchain"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// Config controls the scan window, lock discipline, and cooldown policy,
// sourced from appconfig.OnchainConfig.
type Config struct {
	Env                 string
	Limit               int
	VerificationDelay   time.Duration
	LockTTL             time.Duration
	LockMaxRetry        int
	LockBackoffMin      time.Duration
	LockBackoffMax      time.Duration
	LockEnable          bool
	CASEnable           bool
	CooldownFails       int
	CooldownTTL         time.Duration
	OnchainRulesEnabled bool
	DowngradeState      string
}

// DefaultConfig applies the verifier's documented defaults.
func DefaultConfig() Config {
	return Config{
		Env:               "dev",
		Limit:             50,
		VerificationDelay: 180 * time.Second,
		LockTTL:           60 * time.Second,
		LockMaxRetry:      0,
		LockBackoffMin:    20 * time.Millisecond,
		LockBackoffMax:    40 * time.Millisecond,
		LockEnable:        true,
		CASEnable:         true,
		CooldownFails:     3,
		CooldownTTL:       45 * time.Second,
		DowngradeState:    store.StateRejected,
	}
}

// FeaturesProvider is the subset of onchain.Client the verifier needs.
type FeaturesProvider interface {
	Features(ctx context.Context, chain, address string) (onchain.Features, bool, error)
}

// Locker is the subset of kvstore.Store backing the distributed lock.
type Locker interface {
	AcquireLock(ctx context.Context, env, rawKey string, ttl time.Duration, maxRetry int, backoffMin, backoffMax time.Duration) (*kvstore.Lock, bool, error)
	Release(ctx context.Context, lock *kvstore.Lock) kvstore.LockReleaseStatus
}

// CooldownStore is the subset of kvstore.Store backing the per-key fail
// counter and cooldown gate.
type CooldownStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RelStore is the subset of store.Store the verifier reads and writes.
type RelStore interface {
	CandidatesOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]store.Signal, error)
	GetEvent(ctx context.Context, eventKey string) (store.Event, error)
	TransitionStateCAS(ctx context.Context, eventKey, observedState, newState string, onchainAsOf *time.Time, onchainConfidence float64) error
	SetSignalState(ctx context.Context, eventKey, newState string, onchainAsOf *time.Time, onchainConfidence float64) error
	InsertSignalEvent(ctx context.Context, e store.SignalEvent) error
}

// Verifier runs one on-chain verification pass.
type Verifier struct {
	cfg        Config
	rel        RelStore
	kv         CooldownStore
	locker     Locker
	provider   FeaturesProvider
	thMu       sync.RWMutex
	thresholds Thresholds
	log        *logger.Logger

	// OnUpgrade, if set, is invoked synchronously right after a candidate
	// is committed to StateVerified, inside the same pass that produced
	// the transition. The orchestrator wires this to the card
	// builder+outbox so a promotion triggers delivery without a separate
	// scheduled scan of "recently verified" rows.
	OnUpgrade func(ctx context.Context, eventKey string)
}

// New constructs a Verifier. thresholds should come from
// verifier.LoadThresholds(registry.GetNS("onchain")) and be refreshed by the
// caller whenever the hot-reload registry publishes a new snapshot.
func New(cfg Config, rel RelStore, kv CooldownStore, locker Locker, provider FeaturesProvider, thresholds Thresholds, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.NewFromEnv("verifier")
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.DowngradeState == "" {
		cfg.DowngradeState = store.StateRejected
	}
	return &Verifier{cfg: cfg, rel: rel, kv: kv, locker: locker, provider: provider, thresholds: thresholds, log: log}
}

// SetThresholds atomically replaces the on-chain rule thresholds this
// verifier evaluates against, the orchestrator's hook for wiring onchain.yml
// hot-reload into a running Verifier without reconstructing it.
func (v *Verifier) SetThresholds(th Thresholds) {
	v.thMu.Lock()
	v.thresholds = th
	v.thMu.Unlock()
}

func (v *Verifier) currentThresholds() Thresholds {
	v.thMu.RLock()
	defer v.thMu.RUnlock()
	return v.thresholds
}

// RunResult summarizes one verification pass.
type RunResult struct {
	Scanned    int
	Cooldowned int
	Upgraded   int
	Downgraded int
	Held       int
	Skipped    int
}

// RunOnce scans up to cfg.Limit candidates older than cfg.VerificationDelay
// and processes each one through the cooldown/lock/CAS sequence.
func (v *Verifier) RunOnce(ctx context.Context) (RunResult, error) {
	var result RunResult
	cutoff := time.Now().Add(-v.cfg.VerificationDelay)

	sigs, err := v.rel.CandidatesOlderThan(ctx, cutoff, v.cfg.Limit)
	if err != nil {
		return result, fmt.Errorf("scan candidates: %w", err)
	}

	for _, sig := range sigs {
		result.Scanned++
		start := time.Now()
		outcome := v.processOne(ctx, sig)
		metrics.ObserveOnchainProcess(time.Since(start))

		switch outcome {
		case outcomeCooldown:
			result.Cooldowned++
		case outcomeUpgraded:
			result.Upgraded++
		case outcomeDowngraded:
			result.Downgraded++
		case outcomeHeld:
			result.Held++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

type processOutcome int

const (
	outcomeSkipped processOutcome = iota
	outcomeCooldown
	outcomeUpgraded
	outcomeDowngraded
	outcomeHeld
)

// processOne drives a single candidate from cooldown check to lock release.
func (v *Verifier) processOne(ctx context.Context, sig store.Signal) processOutcome {
	// Step 2: per-key cooldown.
	cooldownKey := "cooldown:" + sig.EventKey
	if v.kv != nil {
		if _, found, err := v.kv.Get(ctx, cooldownKey); err == nil && found {
			metrics.IncOnchainCooldownHit()
			return outcomeCooldown
		}
	}

	ev, err := v.rel.GetEvent(ctx, sig.EventKey)
	if err != nil {
		v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: event lookup failed: " + err.Error())
		return outcomeSkipped
	}
	if ev.TokenCA == nil || *ev.TokenCA == "" {
		return outcomeSkipped
	}

	// Step 3: fetch features outside any lock.
	verdict := v.evaluate(ctx, sig, ev)

	// Step 5: acquire the distributed lock (unless disabled for single-
	// worker/test operation).
	var lock *kvstore.Lock
	if v.cfg.LockEnable {
		waitStart := time.Now()
		var ok bool
		lock, ok, err = v.locker.AcquireLock(ctx, v.cfg.Env, sig.EventKey, v.cfg.LockTTL, v.cfg.LockMaxRetry, v.cfg.LockBackoffMin, v.cfg.LockBackoffMax)
		metrics.ObserveOnchainLockWait(time.Since(waitStart))
		if err != nil {
			v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: lock acquire error: " + err.Error())
			return outcomeSkipped
		}
		if !ok {
			metrics.IncOnchainLockAcquire(string(kvstore.LockAcquireFail))
			v.recordLockFailure(ctx, sig.EventKey)
			return outcomeSkipped
		}
		metrics.IncOnchainLockAcquire(string(kvstore.LockAcquireOK))
	}
	holdStart := time.Now()
	defer func() {
		if lock == nil {
			return
		}
		status := v.locker.Release(ctx, lock)
		metrics.IncOnchainLockRelease(string(status))
		metrics.ObserveOnchainLockHold(time.Since(holdStart))
	}()

	newState, changed := v.nextState(sig.State, verdict.Decision)

	var asOf *time.Time
	if verdict.Decision != DecisionInsufficient {
		now := time.Now()
		asOf = &now
	}

	// Step 6: CAS the state transition (or an unconditional write if CAS is
	// disabled for this deployment).
	if v.cfg.CASEnable {
		if err := v.rel.TransitionStateCAS(ctx, sig.EventKey, sig.State, newState, asOf, verdict.Confidence); err != nil {
			if err == store.ErrCASConflict {
				metrics.IncOnchainCASConflict()
				v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: CAS conflict, skipping")
				return outcomeSkipped
			}
			v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: state transition failed: " + err.Error())
			return outcomeSkipped
		}
	} else {
		if err := v.rel.SetSignalState(ctx, sig.EventKey, newState, asOf, verdict.Confidence); err != nil {
			v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: state write failed: " + err.Error())
			return outcomeSkipped
		}
	}

	// Step 7: emit the audit row.
	var notePtr *string
	if verdict.Note != "" {
		notePtr = &verdict.Note
	}
	se := store.SignalEvent{
		EventKey:   sig.EventKey,
		Decision:   string(verdict.Decision),
		FromState:  sig.State,
		ToState:    newState,
		Confidence: verdict.Confidence,
		Note:       notePtr,
		Features:   store.JSONB{"chain": sig.MarketType, "token_ca": *ev.TokenCA},
	}
	if err := v.rel.InsertSignalEvent(ctx, se); err != nil {
		v.log.WithContext(ctx).WithField("event_key", sig.EventKey).Warn("verifier: signal event insert failed: " + err.Error())
	}

	if !changed {
		return outcomeHeld
	}
	switch newState {
	case store.StateVerified:
		if v.OnUpgrade != nil {
			v.OnUpgrade(ctx, sig.EventKey)
		}
		return outcomeUpgraded
	default:
		return outcomeDowngraded
	}
}

// evaluate fetches on-chain features and scores them, collapsing a failed or
// stale fetch into an "insufficient" verdict rather than propagating the
// fetch error — the verifier always has a verdict to record.
func (v *Verifier) evaluate(ctx context.Context, sig store.Signal, ev store.Event) Verdict {
	features, ok, err := v.provider.Features(ctx, sig.MarketType, *ev.TokenCA)
	if err != nil || !ok {
		return Verdict{Decision: DecisionInsufficient, Confidence: 0, Note: "on-chain features unavailable"}
	}
	return Evaluate(features, v.currentThresholds())
}

// nextState applies the state machine: only candidate→verified (upgrade,
// gated on OnchainRulesEnabled), candidate→downgradeState (downgrade), and
// candidate→candidate (hold/insufficient, attributes only) exist. changed
// reports whether the state actually moved.
func (v *Verifier) nextState(observed string, decision Decision) (newState string, changed bool) {
	switch decision {
	case DecisionUpgrade:
		if v.cfg.OnchainRulesEnabled {
			return store.StateVerified, true
		}
		return observed, false
	case DecisionDowngrade:
		if v.cfg.OnchainRulesEnabled {
			return v.cfg.DowngradeState, true
		}
		return observed, false
	default: // hold, insufficient
		return observed, false
	}
}

// recordLockFailure increments the per-key fail counter and, once it
// reaches cfg.CooldownFails, sets a cooldown key so subsequent passes skip
// this candidate without retrying the lock.
func (v *Verifier) recordLockFailure(ctx context.Context, eventKey string) {
	if v.kv == nil {
		return
	}
	failKey := "onchain:fail:" + eventKey
	n, err := v.kv.IncrWithTTL(ctx, failKey, time.Minute)
	if err != nil {
		return
	}
	if int(n) >= v.cfg.CooldownFails {
		cooldownKey := "cooldown:" + eventKey
		_ = v.kv.Set(ctx, cooldownKey, "1", v.cfg.CooldownTTL)
	}
}
