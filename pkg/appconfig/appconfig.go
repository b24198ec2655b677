// Package appconfig loads the pipeline's closed set of environment
// variables into a typed Config, following the same envdecode+godotenv
// loading order the rest of this codebase's services use: .env file first
// (best effort), then struct-tagged env overrides, then normalization.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// StoreConfig controls the Redis KV tier and the Postgres relational tier.
type StoreConfig struct {
	RedisURL    string `env:"REDIS_URL"`
	PostgresURL string `env:"POSTGRES_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// ConnectionString returns POSTGRES_URL, falling back to DATABASE_URL.
func (s StoreConfig) ConnectionString() string {
	if s.PostgresURL != "" {
		return s.PostgresURL
	}
	return s.DatabaseURL
}

// RulesConfig controls the hot-reloading rule-file registry.
type RulesConfig struct {
	Dir                 string `env:"RULES_DIR"`
	HotReloadEnabled    bool   `env:"CONFIG_HOTRELOAD_ENABLED"`
	HotReloadTTLSeconds int    `env:"CONFIG_HOTRELOAD_TTL_SECONDS,default=30"`
	OnchainRules        string `env:"ONCHAIN_RULES,default=off"`
}

// OnchainRulesEnabled reports whether ONCHAIN_RULES=on.
func (r RulesConfig) OnchainRulesEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(r.OnchainRules), "on")
}

// GoPlusConfig controls the GoPlus security-scan provider client.
type GoPlusConfig struct {
	AccessToken  string `env:"GOPLUS_ACCESS_TOKEN"`
	APIKey       string `env:"GOPLUS_API_KEY"`
	ClientID     string `env:"GOPLUS_CLIENT_ID"`
	Secret       string `env:"GOPLUS_SECRET"`
	TimeoutMS    int    `env:"GOPLUS_TIMEOUT_MS,default=3000"`
	Retry        int    `env:"GOPLUS_RETRY,default=2"`
	RateLimitRPM int    `env:"GOPLUS_RATELIMIT_RPM,default=60"`
}

// SecurityConfig controls caching/degrade behavior for the security scan
// provider, independent of which scan backend is configured.
type SecurityConfig struct {
	Backend    string `env:"SECURITY_BACKEND,default=goplus"`
	CacheTTLS  int    `env:"SECURITY_CACHE_TTL_S,default=300"`
	DBTTLS     int    `env:"SECURITY_DB_TTL_S,default=3600"`
	AllowStale bool   `env:"SECURITY_ALLOW_STALE,default=true"`
	StaleMaxS  int    `env:"SECURITY_STALE_MAX_S,default=86400"`
}

// DexConfig controls the market-data (DEX) provider client: cache TTLs
// plus the primary/secondary upstream fall-through ladder's credentials.
type DexConfig struct {
	CacheTTLS int `env:"DEX_CACHE_TTL_S,default=60"`
	TimeoutS  int `env:"DEX_TIMEOUT_S,default=5"`

	PrimaryName      string `env:"DEX_PRIMARY_NAME,default=dex-primary"`
	PrimaryBaseURL   string `env:"DEX_PRIMARY_BASE_URL"`
	PrimaryAPIKey    string `env:"DEX_PRIMARY_API_KEY"`
	SecondaryName    string `env:"DEX_SECONDARY_NAME,default=dex-secondary"`
	SecondaryBaseURL string `env:"DEX_SECONDARY_BASE_URL"`
	SecondaryAPIKey  string `env:"DEX_SECONDARY_API_KEY"`
}

// OnchainConfig controls the on-chain verifier: lock discipline, cooldowns,
// and the distance between a candidate's observation and its re-check.
type OnchainConfig struct {
	VerificationDelaySec int  `env:"ONCHAIN_VERIFICATION_DELAY_SEC,default=60"`
	LockTTLSec           int  `env:"ONCHAIN_LOCK_TTL_SEC,default=30"`
	LockMaxRetry         int  `env:"ONCHAIN_LOCK_MAX_RETRY,default=5"`
	LockBackoffMSMin     int  `env:"ONCHAIN_LOCK_BACKOFF_MS_MIN,default=50"`
	LockBackoffMSMax     int  `env:"ONCHAIN_LOCK_BACKOFF_MS_MAX,default=500"`
	LockEnable           bool `env:"ONCHAIN_LOCK_ENABLE,default=true"`
	CASEnable            bool `env:"ONCHAIN_CAS_ENABLE,default=true"`
	CooldownFails        int  `env:"ONCHAIN_COOLDOWN_FAILS,default=3"`
	CooldownTTLSec       int  `env:"ONCHAIN_COOLDOWN_TTL_SEC,default=900"`

	WarehouseProject       string `env:"ONCHAIN_WAREHOUSE_PROJECT,default=signalpipe"`
	WarehouseDataset       string `env:"ONCHAIN_WAREHOUSE_DATASET,default=onchain"`
	WarehouseView          string `env:"ONCHAIN_WAREHOUSE_VIEW,default=wallet_features"`
	WarehouseWindowMinutes int    `env:"ONCHAIN_WAREHOUSE_WINDOW_MINUTES,default=60"`
}

// TelegramConfig controls the card-delivery messaging client.
type TelegramConfig struct {
	BotToken     string `env:"TG_BOT_TOKEN"`
	ChannelID    string `env:"TG_CHANNEL_ID"`
	RateLimit    int    `env:"TG_RATE_LIMIT,default=20"`
	TimeoutSecs  int    `env:"TG_TIMEOUT_SECS,default=10"`
	Sandbox      bool   `env:"TG_SANDBOX"`
	SandboxChats string `env:"TG_SANDBOX_CHAT_IDS"`
}

// ObservabilityConfig controls the process's metrics/orchestrator surface.
type ObservabilityConfig struct {
	MetricsExposed    bool   `env:"METRICS_EXPOSED,default=true"`
	BeatHeartbeatKey  string `env:"BEAT_HEARTBEAT_KEY,default=beat:last_heartbeat"`
	BeatMaxLagSec     int    `env:"BEAT_MAX_LAG_SEC,default=120"`
	CeleryBacklogWarn int    `env:"CELERY_BACKLOG_WARN,default=1000"`
}

// CardsConfig controls the card-builder's summarization backend and
// output-size limits.
type CardsConfig struct {
	SummaryBackend   string `env:"CARDS_SUMMARY_BACKEND,default=template"`
	SummaryTimeoutMS int    `env:"CARDS_SUMMARY_TIMEOUT_MS,default=2000"`
	SummaryMaxChars  int    `env:"CARDS_SUMMARY_MAX_CHARS,default=280"`
	RiskNoteMaxChars int    `env:"CARDS_RISKNOTE_MAX_CHARS,default=160"`
}

// OutboxConfig controls the push-outbox dispatch loop: batch size, the
// per-channel/global rate-limit spin-wait, the idempotency dedup window,
// the DLQ recovery cutoff, and the on-error snapshot directory. These
// knobs are not individually named in the closed environment-variable
// set's abridged listing, so names follow the existing OUTBOX_/CARD_
// prefixes used by the rest of this config.
type OutboxConfig struct {
	DispatchBatchSize int    `env:"OUTBOX_DISPATCH_BATCH,default=50"`
	MaxWaitMS         int    `env:"OUTBOX_MAX_WAIT_MS,default=1000"`
	RateLimitPerSec   int    `env:"OUTBOX_RATE_LIMIT_PER_SEC,default=20"`
	DedupTTLSec       int    `env:"OUTBOX_DEDUP_TTL_SEC,default=3600"`
	TemplateVersion   string `env:"OUTBOX_TEMPLATE_VERSION,default=v1"`
	DLQMaxAgeSec      int    `env:"OUTBOX_DLQ_MAX_AGE_SEC,default=259200"`
	SnapshotDir       string `env:"CARD_SNAPSHOT_DIR,default=./snapshots"`
}

// RefineConfig controls the enrichment stage's NLP refiner and sentiment
// thresholds.
type RefineConfig struct {
	RulesRefiner       string  `env:"RULES_REFINER,default=lexicon"`
	TimeoutMS          int     `env:"REFINE_TIMEOUT_MS,default=1500"`
	SentimentPosThresh float64 `env:"SENTIMENT_POS_THRESH,default=0.2"`
	SentimentNegThresh float64 `env:"SENTIMENT_NEG_THRESH,default=-0.2"`
}

// EnrichConfig controls the enrichment scanners' batch size, inter-batch
// sleep, and per-scanner feature flags.
type EnrichConfig struct {
	BatchSize      int  `env:"ENRICH_BATCH_SIZE,default=50"`
	IntervalSec    int  `env:"ENRICH_INTERVAL_S,default=20"`
	EnableSecurity bool `env:"ENABLE_SECURITY_SCAN,default=true"`
	EnableMarket   bool `env:"ENABLE_MARKET_SCAN,default=true"`
	EnableHeat     bool `env:"ENABLE_HEAT_SCAN,default=true"`
}

// SocialConfig controls the X/Twitter ingestion pollers.
type SocialConfig struct {
	Backends        string `env:"X_BACKENDS"`
	BackendsTweets  string `env:"X_BACKENDS_TWEETS"`
	BackendsProfile string `env:"X_BACKENDS_PROFILE"`
	KOLHandles      string `env:"X_KOL_HANDLES"`
	EnableIngestor  bool   `env:"ENABLE_X_INGESTOR,default=true"`
	EnableGoPlus    bool   `env:"ENABLE_GOPLUS_SCAN,default=true"`
}

// Handles splits the comma-separated X_KOL_HANDLES list.
func (s SocialConfig) Handles() []string {
	return splitCSV(s.KOLHandles)
}

// BackendNames splits the comma-separated X_BACKENDS ordered fall-through
// list (e.g. "graphql,api,off").
func (s SocialConfig) BackendNames() []string {
	return splitCSV(s.Backends)
}

// BackendBaseURL reads SOCIAL_<NAME>_BASE_URL for a dynamically-named
// backend from X_BACKENDS, ad hoc rather than struct-decoded since the
// backend list's length isn't fixed at compile time.
func (s SocialConfig) BackendBaseURL(name string) string {
	return Getenv("SOCIAL_"+strings.ToUpper(name)+"_BASE_URL", "")
}

// BackendAPIKey reads SOCIAL_<NAME>_API_KEY for a dynamically-named backend.
func (s SocialConfig) BackendAPIKey(name string) string {
	return Getenv("SOCIAL_"+strings.ToUpper(name)+"_API_KEY", "")
}

// BackendTimeoutMS reads SOCIAL_<NAME>_TIMEOUT_MS, defaulting to 5000.
func (s SocialConfig) BackendTimeoutMS(name string) int {
	v := Getenv("SOCIAL_"+strings.ToUpper(name)+"_TIMEOUT_MS", "5000")
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 5000
	}
	return ms
}

// Config is the top-level configuration for every component in the
// pipeline; each embedded section is independently constructible for
// component-level tests.
type Config struct {
	Store         StoreConfig
	Rules         RulesConfig
	GoPlus        GoPlusConfig
	Security      SecurityConfig
	Dex           DexConfig
	Onchain       OnchainConfig
	Telegram      TelegramConfig
	Observability ObservabilityConfig
	Cards         CardsConfig
	Outbox        OutboxConfig
	Refine        RefineConfig
	Enrich        EnrichConfig
	Social        SocialConfig
}

// Load reads a .env file if present (best effort, missing file is not an
// error), then decodes the closed environment-variable set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	return cfg, nil
}

// MustLoad is Load but panics on failure; used by command entrypoints where
// a misconfigured process should not start.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Getenv reads a single variable outside the struct-decoded set, with a
// fallback default; used for ad hoc overrides in tests and tooling.
func Getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
