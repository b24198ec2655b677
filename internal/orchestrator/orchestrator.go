// Package orchestrator is the beat+worker-pool scheduler: a
// robfig/cron/v3 scheduler drives every periodic job (ingestion poll,
// enrichment scans, on-chain verification, outbox dispatch, DLQ recovery,
// config hot-reload) through a bounded worker pool, recording a liveness
// heartbeat and queue-backlog gauges the same way the platform's base
// service ticker-worker does, adapted from a fixed goroutine-per-ticker
// loop to a single cron scheduler so jobs can run on independent,
// configurable schedules.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/pkg/goroutine"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// Config controls job cadence, worker-pool sizing, and the liveness
// heartbeat, sourced from appconfig.ObservabilityConfig plus the
// per-component *ConfigS vars already named in their own packages.
type Config struct {
	IngestCron       string // robfig/cron 5-field schedule
	EnrichCron       string
	OnchainCron      string
	OutboxCron       string
	DLQCron          string
	ConfigReloadCron string
	HeartbeatEvery   time.Duration

	WorkerPoolSize int

	HeartbeatKey  string
	BeatMaxLag    time.Duration
	QueueNames    []string
	BacklogWarnAt int
}

// DefaultConfig applies the default cadences: ingestion and
// enrichment run every 20s, on-chain verification every 30s, outbox
// dispatch every 2s, DLQ recovery hourly, and the config registry is
// polled every 10s (ReloadIfStale itself throttles to MinCooldown).
func DefaultConfig() Config {
	return Config{
		IngestCron:       "@every 20s",
		EnrichCron:       "@every 20s",
		OnchainCron:      "@every 30s",
		OutboxCron:       "@every 2s",
		DLQCron:          "@every 1h",
		ConfigReloadCron: "@every 10s",
		HeartbeatEvery:   5 * time.Second,
		WorkerPoolSize:   8,
		HeartbeatKey:     "beat:last_heartbeat",
		BeatMaxLag:       2 * time.Minute,
		QueueNames:       []string{"ingest", "enrich", "onchain", "outbox"},
		BacklogWarnAt:    1000,
	}
}

// Job is one schedulable unit of work; Name labels its log lines and queue
// marker, Schedule is a robfig/cron expression, and Run does the work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Orchestrator owns the cron scheduler, the bounded worker pool semaphore,
// and the liveness heartbeat. It does not own any of the components its
// jobs call — those are constructed by cmd/ and wired in via RegisterJob.
type Orchestrator struct {
	cfg   Config
	cron  *cron.Cron
	kv    *kvstore.Store
	log   *logger.Logger
	sem   chan struct{}
	jobs  []Job
	stopC chan struct{}
}

// New constructs an Orchestrator. kv may be nil, in which case the
// heartbeat key and queue-backlog sampler are skipped (useful for
// single-process tests).
func New(cfg Config, kv *kvstore.Store, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewFromEnv("orchestrator")
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	return &Orchestrator{
		cfg:   cfg,
		cron:  cron.New(),
		kv:    kv,
		log:   log,
		sem:   make(chan struct{}, cfg.WorkerPoolSize),
		stopC: make(chan struct{}),
	}
}

// RegisterJob adds j to the scheduler. Call before Start; jobs added after
// Start are not picked up until the next Start.
func (o *Orchestrator) RegisterJob(j Job) {
	o.jobs = append(o.jobs, j)
}

// Start schedules every registered job plus the built-in heartbeat ticker,
// then starts the cron scheduler's own goroutine.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, j := range o.jobs {
		job := j
		if _, err := o.cron.AddFunc(job.Schedule, func() { o.runBounded(ctx, job) }); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}
	o.cron.Start()

	goroutine.SafeGo(func() { o.heartbeatLoop(ctx) }, func(err error) {
		o.log.WithFields(ctx, map[string]interface{}{"error": err.Error()}).Error("heartbeat loop panicked")
	})

	return nil
}

// Stop stops the cron scheduler, waits for every in-flight job to finish
// (by taking all worker-pool slots), and halts the heartbeat loop.
func (o *Orchestrator) Stop() {
	stopCtx := o.cron.Stop()
	<-stopCtx.Done()
	for i := 0; i < cap(o.sem); i++ {
		o.sem <- struct{}{}
	}
	close(o.stopC)
}

// runBounded acquires a worker-pool slot before running job, so a burst of
// overlapping cron fires never exceeds cfg.WorkerPoolSize concurrent jobs;
// SafeGo keeps one job's panic from taking the scheduler goroutine down.
func (o *Orchestrator) runBounded(ctx context.Context, job Job) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	goroutine.SafeGo(func() {
		defer func() { <-o.sem }()
		start := time.Now()
		err := job.Run(ctx)
		o.log.WithFields(ctx, map[string]interface{}{
			"job": job.Name, "duration_ms": time.Since(start).Milliseconds(),
		}).Info("job completed")
		if err != nil {
			o.log.WithFields(ctx, map[string]interface{}{
				"job": job.Name, "error": err.Error(),
			}).Warn("job returned error")
		}
	}, func(err error) {
		o.log.WithFields(ctx, map[string]interface{}{"job": job.Name, "error": err.Error()}).Error("job panicked")
	})
}

// heartbeatLoop records a beat_heartbeat tick on HeartbeatEvery, writing
// the KV liveness key (if kv is configured) and sampling process host
// stats the way the platform's system handlers surface cpu/mem, folded
// into the heartbeat log line rather than a separate endpoint.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopC:
			return
		case now := <-ticker.C:
			o.beat(ctx, now)
		}
	}
}

func (o *Orchestrator) beat(ctx context.Context, now time.Time) {
	metrics.IncBeatHeartbeat(now)

	if o.kv != nil {
		_ = o.kv.Set(ctx, o.cfg.HeartbeatKey, now.UTC().Format(time.RFC3339), 0)
		if raw, found, err := o.kv.Get(ctx, o.cfg.HeartbeatKey); err == nil && found {
			if last, perr := time.Parse(time.RFC3339, raw); perr == nil {
				metrics.SetBeatHeartbeatAge(time.Since(last))
			}
		}
	}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuPct float64
	if err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memPct float64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}
	o.log.WithFields(ctx, map[string]interface{}{
		"cpu_pct": cpuPct, "mem_pct": memPct,
	}).Debug("beat heartbeat")

	o.sampleQueueBacklog(ctx)
}

// sampleQueueBacklog reports each configured queue's list length to the
// celery_queue_backlog gauge and increments the warn counter for any queue
// over BacklogWarnAt.
func (o *Orchestrator) sampleQueueBacklog(ctx context.Context) {
	if o.kv == nil {
		return
	}
	for _, queue := range o.cfg.QueueNames {
		n, err := o.kv.QueueLen(ctx, queueKey(queue))
		if err != nil {
			continue
		}
		metrics.SetQueueBacklog(queue, int(n))
		if o.cfg.BacklogWarnAt > 0 && int(n) > o.cfg.BacklogWarnAt {
			metrics.IncBacklogWarn()
		}
	}
}

func queueKey(queue string) string {
	return "queue:" + queue
}
