// Command signalpipe is the pipeline's single long-running process: it
// loads config, wires every component, and hands them to the orchestrator
// to run on their scheduled cadences until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cryptopulse/signalpipe/internal/cards"
	"github.com/cryptopulse/signalpipe/internal/enrich"
	"github.com/cryptopulse/signalpipe/internal/ingest"
	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/internal/messaging"
	"github.com/cryptopulse/signalpipe/internal/orchestrator"
	"github.com/cryptopulse/signalpipe/internal/outbox"
	"github.com/cryptopulse/signalpipe/internal/providers/market"
	"github.com/cryptopulse/signalpipe/internal/providers/onchain"
	"github.com/cryptopulse/signalpipe/internal/providers/ratelimit"
	"github.com/cryptopulse/signalpipe/internal/providers/security"
	"github.com/cryptopulse/signalpipe/internal/providers/social"
	"github.com/cryptopulse/signalpipe/internal/rules"
	"github.com/cryptopulse/signalpipe/internal/rulesconfig"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/internal/verifier"
	"github.com/cryptopulse/signalpipe/pkg/appconfig"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

func main() {
	log := logger.NewFromEnv("signalpipe")
	cfg := appconfig.MustLoad()

	rel, err := store.Open(cfg.Store.ConnectionString())
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("open relational store")
	}
	defer rel.Close()
	if err := rel.Migrate(); err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("run migrations")
	}

	kv, err := kvstore.Open(kvstore.Config{URL: cfg.Store.RedisURL})
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("open kv store")
	}
	defer kv.Close()

	registry, err := rulesconfig.New(cfg.Rules.Dir, map[string]string{
		"rules":      "rules.yml",
		"risk_rules": "risk_rules.yml",
		"onchain":    "onchain.yml",
	}, log)
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("build config registry")
	}
	if err := registry.LoadInitial(); err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("load initial config")
	}
	stopSignals := registry.InstallSignalHandler()
	defer stopSignals()

	rulesSrc := rules.NewSource(registry)
	if _, err := rulesSrc.Refresh(); err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Warn("initial ruleset compile failed")
	}

	securityClient := buildSecurityClient(cfg, registry, kv, rel, log)
	marketClient := buildMarketClient(cfg, kv, log)
	onchainClient := buildOnchainClient(cfg, rel.DB(), log)
	socialSource := buildSocialSource(cfg, log)

	poller := ingest.New(ingest.Config{Source: "x", FetchLimit: 100}, socialSource, kv, rel, log)

	scanner := enrich.New(enrich.Config{BatchSize: cfg.Enrich.BatchSize, IntervalSec: cfg.Enrich.IntervalSec}, rel, securityClient, marketClient, log)

	onchainThresholds := verifier.DefaultThresholds()
	if ns, ok := registry.GetNS("onchain"); ok {
		onchainThresholds = verifier.LoadThresholds(ns)
	}
	v := verifier.New(verifier.Config{
		Env:                 envName(),
		Limit:               50,
		VerificationDelay:   time.Duration(cfg.Onchain.VerificationDelaySec) * time.Second,
		LockTTL:             time.Duration(cfg.Onchain.LockTTLSec) * time.Second,
		LockMaxRetry:        cfg.Onchain.LockMaxRetry,
		LockBackoffMin:      time.Duration(cfg.Onchain.LockBackoffMSMin) * time.Millisecond,
		LockBackoffMax:      time.Duration(cfg.Onchain.LockBackoffMSMax) * time.Millisecond,
		LockEnable:          cfg.Onchain.LockEnable,
		CASEnable:           cfg.Onchain.CASEnable,
		CooldownFails:       cfg.Onchain.CooldownFails,
		CooldownTTL:         time.Duration(cfg.Onchain.CooldownTTLSec) * time.Second,
		OnchainRulesEnabled: cfg.Rules.OnchainRulesEnabled(),
	}, rel, kv, kv, onchainClient, onchainThresholds, log)

	builder := cards.New(cards.Config{
		SummaryBackend:   cfg.Cards.SummaryBackend,
		SummaryMaxChars:  cfg.Cards.SummaryMaxChars,
		RiskNoteMaxChars: cfg.Cards.RiskNoteMaxChars,
	}, rel, orchestrator.NewSecurityProvider(securityClient), orchestrator.NewMarketProvider(marketClient), onchainClient, rulesSrc, nil, log)

	msgClient, err := messaging.New(messaging.Config{
		BotToken:    cfg.Telegram.BotToken,
		RateLimit:   cfg.Telegram.RateLimit,
		TimeoutSecs: cfg.Telegram.TimeoutSecs,
		Sandbox:     cfg.Telegram.Sandbox,
	}, log)
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("build messaging client")
	}

	limiter := ratelimit.NewSlidingWindow(kv, "outbox", int64(cfg.Outbox.RateLimitPerSec), time.Second)
	dispatcher := outbox.New(outbox.Config{
		DispatchBatchSize: cfg.Outbox.DispatchBatchSize,
		MaxWait:           time.Duration(cfg.Outbox.MaxWaitMS) * time.Millisecond,
		DedupTTL:          time.Duration(cfg.Outbox.DedupTTLSec) * time.Second,
		TemplateVersion:   cfg.Outbox.TemplateVersion,
		DLQMaxAge:         time.Duration(cfg.Outbox.DLQMaxAgeSec) * time.Second,
		SnapshotDir:       cfg.Outbox.SnapshotDir,
	}, rel, rel, kv, limiter, msgClient, log)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.HeartbeatKey = cfg.Observability.BeatHeartbeatKey
	orchCfg.BeatMaxLag = time.Duration(cfg.Observability.BeatMaxLagSec) * time.Second
	orchCfg.BacklogWarnAt = cfg.Observability.CeleryBacklogWarn

	orch := orchestrator.New(orchCfg, kv, log)
	orchestrator.RegisterDefaultJobs(orch, orchestrator.Deps{
		Poller:    poller,
		Handles:   cfg.Social.Handles(),
		Scanner:   scanner,
		Verifier:  v,
		Builder:   builder,
		Outbox:    dispatcher,
		Registry:  registry,
		RulesSrc:  rulesSrc,
		ChannelID: cfg.Telegram.ChannelID,
		ParseMode: "HTML",
		Log:       log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("start orchestrator")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.WithFields(nil, nil).Info("shutting down")
	cancel()
	orch.Stop()
}

func buildSecurityClient(cfg *appconfig.Config, registry *rulesconfig.Registry, kv *kvstore.Store, rel *store.Store, log *logger.Logger) *security.Client {
	fetcher, err := security.NewGoPlusFetcher(security.GoPlusConfig{
		AccessToken:  cfg.GoPlus.AccessToken,
		APIKey:       cfg.GoPlus.APIKey,
		ClientID:     cfg.GoPlus.ClientID,
		Secret:       cfg.GoPlus.Secret,
		TimeoutMS:    cfg.GoPlus.TimeoutMS,
		RateLimitRPM: cfg.GoPlus.RateLimitRPM,
	})
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("build goplus fetcher")
	}
	return security.New(security.Config{
		Backend:      cfg.Security.Backend,
		CacheTTLS:    cfg.Security.CacheTTLS,
		DBTTLS:       cfg.Security.DBTTLS,
		AllowStale:   cfg.Security.AllowStale,
		StaleMaxS:    cfg.Security.StaleMaxS,
		RateLimitRPM: cfg.GoPlus.RateLimitRPM,
		MaxRetries:   cfg.GoPlus.Retry,
		Thresholds:   securityThresholdsFrom(registry),
	}, fetcher, nil, kv, rel, registry, log)
}

func securityThresholdsFrom(registry *rulesconfig.Registry) security.Thresholds {
	return security.Thresholds{
		TaxRedPct:     percentOrDefault(registry.GetPath("risk_rules.tax_red_pct", 10.0)),
		LPYellowDays:  floatOrDefault(registry.GetPath("risk_rules.lp_yellow_days", 30.0)),
		HoneypotRed:   true,
		MinConfidence: floatOrDefault(registry.GetPath("risk_rules.min_confidence", 0.5)),
	}
}

func buildMarketClient(cfg *appconfig.Config, kv *kvstore.Store, log *logger.Logger) *market.Client {
	var primary, secondary market.Fetcher
	if cfg.Dex.PrimaryBaseURL != "" {
		f, err := market.NewDexFetcher(market.DexConfig{
			Name: cfg.Dex.PrimaryName, BaseURL: cfg.Dex.PrimaryBaseURL, APIKey: cfg.Dex.PrimaryAPIKey, TimeoutMS: cfg.Dex.TimeoutS * 1000,
		})
		if err != nil {
			log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Warn("primary dex fetcher unavailable")
		} else {
			primary = f
		}
	}
	if cfg.Dex.SecondaryBaseURL != "" {
		f, err := market.NewDexFetcher(market.DexConfig{
			Name: cfg.Dex.SecondaryName, BaseURL: cfg.Dex.SecondaryBaseURL, APIKey: cfg.Dex.SecondaryAPIKey, TimeoutMS: cfg.Dex.TimeoutS * 1000,
		})
		if err != nil {
			log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Warn("secondary dex fetcher unavailable")
		} else {
			secondary = f
		}
	}
	return market.New(market.Config{
		BucketTTLS: cfg.Dex.CacheTTLS, LastOkTTLS: 86400, RateLimitRPM: 60, MaxRetries: 3,
	}, primary, secondary, nil, kv, log)
}

func buildOnchainClient(cfg *appconfig.Config, db *sqlx.DB, log *logger.Logger) *onchain.Client {
	view := fmt.Sprintf("%s.%s.%s", cfg.Onchain.WarehouseProject, cfg.Onchain.WarehouseDataset, cfg.Onchain.WarehouseView)
	querier, err := onchain.NewSQLQuerier(db, view)
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("build warehouse querier")
	}
	return onchain.New(onchain.Config{
		Project: cfg.Onchain.WarehouseProject, Dataset: cfg.Onchain.WarehouseDataset,
		View: cfg.Onchain.WarehouseView, WindowMinutes: cfg.Onchain.WarehouseWindowMinutes,
	}, querier, log)
}

func buildSocialSource(cfg *appconfig.Config, log *logger.Logger) *social.MultiSource {
	src, err := social.BuildMultiSource(cfg.Social.BackendNames(), func(name string) (string, string, int) {
		return cfg.Social.BackendBaseURL(name), cfg.Social.BackendAPIKey(name), cfg.Social.BackendTimeoutMS(name)
	}, nil, log)
	if err != nil {
		log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Fatal("build social source")
	}
	return src
}

func envName() string {
	if v := os.Getenv("APP_ENV"); v != "" {
		return v
	}
	return "dev"
}

func percentOrDefault(v interface{}) float64 { return floatOrDefault(v) }

func floatOrDefault(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
