// Package metrics exposes the Prometheus text-format series named in the
// pipeline's metrics surface: pipeline latency, card degradation, outbox
// delivery, config hot-reload, beat liveness, queue backlog, and the
// on-chain verifier's lock/CAS counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this process exposes.
var Registry = prometheus.NewRegistry()

var (
	up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "up",
		Help: "Whether this process is alive (always 1 once started).",
	})

	pipelineLatencyMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_latency_ms",
		Help:    "End-to-end latency from raw post observation to card dispatch, in milliseconds.",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
	})

	cardsDegradeCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cards_degrade_count",
		Help: "Count of built cards flagged meta.degrade=true.",
	})

	cardsPushFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cards_push_fail_total",
		Help: "Count of outbox sends that failed permanently, by HTTP code class.",
	}, []string{"code"})

	telegramSendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_send_total",
		Help: "Count of messaging-client send attempts by outcome status and code.",
	}, []string{"status", "code"})

	telegramRetryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telegram_retry_total",
		Help: "Count of outbox send retries scheduled.",
	})

	telegramSendLatencyMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telegram_send_latency_ms",
		Help:    "Latency of messaging-client send calls, in milliseconds.",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
	})

	outboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_backlog",
		Help: "Number of outbox rows in status pending|retry.",
	})

	configReloadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "config_reload_total",
		Help: "Count of rule-file hot-reload checks that resulted in a change.",
	})

	configReloadErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "config_reload_errors_total",
		Help: "Count of rule-file hot-reload attempts that failed validation or parsing.",
	})

	configVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "config_version",
		Help: "One-hot gauge set to 1 for the currently active rule snapshot's sha label.",
	}, []string{"sha"})

	configLastSuccessUnixtime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "config_last_success_unixtime",
		Help: "Unix timestamp of the last successful config snapshot publish.",
	})

	beatHeartbeat = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beat_heartbeat",
		Help: "Count of scheduler beat ticks.",
	})

	beatHeartbeatTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beat_heartbeat_timestamp",
		Help: "Unix timestamp of the last recorded beat heartbeat.",
	})

	beatHeartbeatAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beat_heartbeat_age_seconds",
		Help: "Age in seconds since the last beat heartbeat, sampled by the health checker.",
	})

	celeryQueueBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "celery_queue_backlog",
		Help: "Length of the task queue, by queue name.",
	}, []string{"queue"})

	celeryBacklogWarnTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "celery_backlog_warn_total",
		Help: "Count of samples where queue backlog exceeded the configured warn threshold.",
	})

	onchainLockAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onchain_lock_acquire_total",
		Help: "Count of on-chain verifier lock acquisition attempts by status.",
	}, []string{"status"})

	onchainLockReleaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "onchain_lock_release_total",
		Help: "Count of on-chain verifier lock release attempts by status.",
	}, []string{"status"})

	onchainStateCASConflictTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onchain_state_cas_conflict_total",
		Help: "Count of compare-and-set state transition conflicts.",
	})

	onchainCooldownHitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "onchain_cooldown_hit_total",
		Help: "Count of candidates skipped due to an active per-key cooldown.",
	})

	onchainProcessMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_process_ms",
		Help:    "Total wall-clock time to process one candidate through the verifier.",
		Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
	})

	onchainLockHoldMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_lock_hold_ms",
		Help:    "Time the verifier held the distributed lock.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
	})

	onchainLockWaitMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "onchain_lock_wait_ms",
		Help:    "Time spent waiting/retrying to acquire the distributed lock.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
	})

	dlqRecoveredCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_recovered_count",
		Help: "Count of DLQ snapshots reset back onto the outbox by the recovery job.",
	})

	dlqDiscardedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlq_discarded_count",
		Help: "Count of DLQ snapshots discarded outright for exceeding max_age_seconds.",
	})
)

func init() {
	Registry.MustRegister(
		up,
		pipelineLatencyMS,
		cardsDegradeCount,
		cardsPushFailTotal,
		telegramSendTotal,
		telegramRetryTotal,
		telegramSendLatencyMS,
		outboxBacklog,
		configReloadTotal,
		configReloadErrorsTotal,
		configVersion,
		configLastSuccessUnixtime,
		beatHeartbeat,
		beatHeartbeatTimestamp,
		beatHeartbeatAgeSeconds,
		celeryQueueBacklog,
		celeryBacklogWarnTotal,
		onchainLockAcquireTotal,
		onchainLockReleaseTotal,
		onchainStateCASConflictTotal,
		onchainCooldownHitTotal,
		onchainProcessMS,
		onchainLockHoldMS,
		onchainLockWaitMS,
		dlqRecoveredCount,
		dlqDiscardedCount,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	up.Set(1)
}

// Handler returns the Prometheus scrape handler (the text-format exposition
// protocol itself is an external collaborator; this just wires the
// registered collectors to it).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func ObservePipelineLatency(d time.Duration) { pipelineLatencyMS.Observe(float64(d.Milliseconds())) }

func IncCardsDegrade() { cardsDegradeCount.Inc() }

func IncCardsPushFail(codeClass string) { cardsPushFailTotal.WithLabelValues(codeClass).Inc() }

func ObserveTelegramSend(status, code string, d time.Duration) {
	telegramSendTotal.WithLabelValues(status, code).Inc()
	telegramSendLatencyMS.Observe(float64(d.Milliseconds()))
}

func IncTelegramRetry() { telegramRetryTotal.Inc() }

func SetOutboxBacklog(n int) { outboxBacklog.Set(float64(n)) }

func IncConfigReload() { configReloadTotal.Inc() }

func IncConfigReloadError() { configReloadErrorsTotal.Inc() }

// SetConfigVersion resets the one-hot gauge to the newly active sha.
func SetConfigVersion(sha string) {
	configVersion.Reset()
	if sha != "" {
		configVersion.WithLabelValues(sha).Set(1)
	}
	configLastSuccessUnixtime.Set(float64(time.Now().Unix()))
}

func IncBeatHeartbeat(at time.Time) {
	beatHeartbeat.Inc()
	beatHeartbeatTimestamp.Set(float64(at.Unix()))
}

func SetBeatHeartbeatAge(age time.Duration) {
	beatHeartbeatAgeSeconds.Set(age.Seconds())
}

func SetQueueBacklog(queue string, n int) {
	celeryQueueBacklog.WithLabelValues(queue).Set(float64(n))
}

func IncBacklogWarn() { celeryBacklogWarnTotal.Inc() }

func IncOnchainLockAcquire(status string) { onchainLockAcquireTotal.WithLabelValues(status).Inc() }

func IncOnchainLockRelease(status string) { onchainLockReleaseTotal.WithLabelValues(status).Inc() }

func IncOnchainCASConflict() { onchainStateCASConflictTotal.Inc() }

func IncOnchainCooldownHit() { onchainCooldownHitTotal.Inc() }

func ObserveOnchainProcess(d time.Duration) { onchainProcessMS.Observe(float64(d.Milliseconds())) }

func ObserveOnchainLockHold(d time.Duration) { onchainLockHoldMS.Observe(float64(d.Milliseconds())) }

func ObserveOnchainLockWait(d time.Duration) { onchainLockWaitMS.Observe(float64(d.Milliseconds())) }

func IncDLQRecovered() { dlqRecoveredCount.Inc() }

func IncDLQDiscarded() { dlqDiscardedCount.Inc() }
