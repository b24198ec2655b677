package orchestrator

import (
	"context"
	"time"

	"github.com/cryptopulse/signalpipe/internal/cards"
	"github.com/cryptopulse/signalpipe/internal/enrich"
	"github.com/cryptopulse/signalpipe/internal/ingest"
	"github.com/cryptopulse/signalpipe/internal/outbox"
	"github.com/cryptopulse/signalpipe/internal/rules"
	"github.com/cryptopulse/signalpipe/internal/rulesconfig"
	"github.com/cryptopulse/signalpipe/internal/verifier"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// Deps bundles every already-constructed component the jobs in this file
// drive; cmd/ builds one of these and passes it to RegisterDefaultJobs.
// None of these types are owned by the Orchestrator itself — it only ever
// calls through the interfaces/methods they already expose.
type Deps struct {
	Poller   *ingest.Poller
	Handles  []string
	Scanner  *enrich.Scanner
	Verifier *verifier.Verifier
	Builder  *cards.Builder
	Outbox   *outbox.Dispatcher
	Registry *rulesconfig.Registry
	RulesSrc *rules.Source

	ChannelID string
	ParseMode string

	Log *logger.Logger
}

// RegisterDefaultJobs wires the standard job set onto o: ingestion
// poll, the three enrichment scans, on-chain verification (with its
// OnUpgrade hook driving card build + outbox enqueue), outbox dispatch,
// DLQ recovery, and config hot-reload. Callers that only need a subset
// (e.g. a worker process that never ingests) can instead call
// o.RegisterJob directly with a hand-picked list.
func RegisterDefaultJobs(o *Orchestrator, d Deps) {
	if d.Verifier != nil && d.Builder != nil && d.Outbox != nil {
		d.Verifier.OnUpgrade = func(ctx context.Context, eventKey string) {
			deliverCard(ctx, d, eventKey)
		}
	}

	if d.Poller != nil {
		o.RegisterJob(Job{
			Name:     "ingest_poll",
			Schedule: o.cfg.IngestCron,
			Run: func(ctx context.Context) error {
				_, err := d.Poller.PollHandles(ctx, d.Handles)
				return err
			},
		})
	}

	if d.Scanner != nil {
		o.RegisterJob(Job{
			Name:     "enrich_security",
			Schedule: o.cfg.EnrichCron,
			Run: func(ctx context.Context) error {
				_, err := d.Scanner.RunSecurityScan(ctx)
				return err
			},
		})
		o.RegisterJob(Job{
			Name:     "enrich_market",
			Schedule: o.cfg.EnrichCron,
			Run: func(ctx context.Context) error {
				_, err := d.Scanner.RunMarketScan(ctx)
				return err
			},
		})
		o.RegisterJob(Job{
			Name:     "enrich_heat",
			Schedule: o.cfg.EnrichCron,
			Run: func(ctx context.Context) error {
				_, err := d.Scanner.RunHeatScan(ctx)
				return err
			},
		})
	}

	if d.Verifier != nil {
		o.RegisterJob(Job{
			Name:     "onchain_verify",
			Schedule: o.cfg.OnchainCron,
			Run: func(ctx context.Context) error {
				_, err := d.Verifier.RunOnce(ctx)
				return err
			},
		})
	}

	if d.Outbox != nil {
		o.RegisterJob(Job{
			Name:     "outbox_dispatch",
			Schedule: o.cfg.OutboxCron,
			Run: func(ctx context.Context) error {
				_, err := d.Outbox.DispatchBatch(ctx)
				return err
			},
		})
		o.RegisterJob(Job{
			Name:     "outbox_dlq_recover",
			Schedule: o.cfg.DLQCron,
			Run: func(ctx context.Context) error {
				_, err := d.Outbox.RecoverDLQ(ctx)
				return err
			},
		})
	}

	if d.Registry != nil {
		o.RegisterJob(Job{
			Name:     "config_reload",
			Schedule: o.cfg.ConfigReloadCron,
			Run: func(ctx context.Context) error {
				return reloadConfig(ctx, d)
			},
		})
	}
}

// deliverCard builds, renders, and enqueues the card for a signal the
// verifier just upgraded to verified — run inline inside the
// verification pass via the OnUpgrade hook rather than picked up by a
// separate scheduled scan.
func deliverCard(ctx context.Context, d Deps, eventKey string) {
	start := time.Now()
	defer func() { metrics.ObservePipelineLatency(time.Since(start)) }()

	card, err := d.Builder.Build(ctx, eventKey, true)
	if err != nil {
		d.Log.WithFields(ctx, map[string]interface{}{"event_key": eventKey, "error": err.Error()}).Warn("card build failed after verification upgrade")
		return
	}

	text, err := cards.RenderTelegram(card)
	if err != nil {
		d.Log.WithFields(ctx, map[string]interface{}{"event_key": eventKey, "error": err.Error()}).Warn("card render failed after verification upgrade")
		return
	}

	if _, err := d.Outbox.Enqueue(ctx, d.ChannelID, nil, eventKey, text, d.ParseMode, false); err != nil {
		d.Log.WithFields(ctx, map[string]interface{}{"event_key": eventKey, "error": err.Error()}).Warn("outbox enqueue failed after verification upgrade")
	}
}

// reloadConfig polls the registry for a newer snapshot and, if one loaded,
// republishes it to the ruleset compiler and the verifier's thresholds —
// both hot-reload consumers, run from one poll instead of each
// owning a SIGHUP handler.
func reloadConfig(ctx context.Context, d Deps) error {
	reloaded, err := d.Registry.ReloadIfStale(false)
	if err != nil {
		return err
	}
	if !reloaded {
		return nil
	}

	if d.RulesSrc != nil {
		if _, err := d.RulesSrc.Refresh(); err != nil {
			d.Log.WithFields(ctx, map[string]interface{}{"error": err.Error()}).Warn("ruleset refresh failed after config reload")
		}
	}

	if d.Verifier != nil {
		if ns, ok := d.Registry.GetNS("onchain"); ok {
			d.Verifier.SetThresholds(verifier.LoadThresholds(ns))
		}
	}

	return nil
}
