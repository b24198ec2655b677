package store

import "time"

// RawPost is an immutable record of one observed social post. It is
// written once by ingestion and never updated.
type RawPost struct {
	ID           int64      `db:"id"`
	Source       string     `db:"source"`
	Author       string     `db:"author"`
	Text         string     `db:"text"`
	TS           time.Time  `db:"ts"`
	URLs         JSONList   `db:"urls"`
	TokenCA      *string    `db:"token_ca"`
	Symbol       *string    `db:"symbol"`
	IsCandidate  bool       `db:"is_candidate"`
	NativePostID *string    `db:"native_post_id"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Event is a de-duplicated happening keyed by event_key, aggregating one
// or more raw posts.
type Event struct {
	EventKey       string    `db:"event_key"`
	Type           string    `db:"type"`
	Summary        string    `db:"summary"`
	Score          float64   `db:"score"`
	Evidence       JSONB     `db:"evidence"`
	ImpactedAssets JSONList  `db:"impacted_assets"`
	StartTS        time.Time `db:"start_ts"`
	LastTS         time.Time `db:"last_ts"`
	Heat10m        float64   `db:"heat_10m"`
	Heat30m        float64   `db:"heat_30m"`
	TopicHash      *string   `db:"topic_hash"`
	TopicEntities  JSONList  `db:"topic_entities"`
	CandidateScore float64   `db:"candidate_score"`
	TokenCA        *string   `db:"token_ca"`
	Symbol         *string   `db:"symbol"`
	CreatedAt      time.Time `db:"created_at"`
}

// Signal states. Transitions may only originate from StateCandidate;
// Verified and Rejected are terminal.
const (
	StateCandidate  = "candidate"
	StateVerified   = "verified"
	StateRejected   = "rejected"
	StateDowngraded = "downgraded"
)

// Signal is the per-event enrichment snapshot consumed by the rule engine.
type Signal struct {
	EventKey          string     `db:"event_key"`
	Type              string     `db:"type"`
	MarketType        string     `db:"market_type"`
	State             string     `db:"state"`
	GoPlusRisk        string     `db:"goplus_risk"`
	BuyTax            *float64   `db:"buy_tax"`
	SellTax           *float64   `db:"sell_tax"`
	LPLockDays        *float64   `db:"lp_lock_days"`
	DexLiquidity      *float64   `db:"dex_liquidity"`
	DexVolume1h       *float64   `db:"dex_volume_1h"`
	HeatSlope         float64    `db:"heat_slope"`
	OnchainAsOfTS     *time.Time `db:"onchain_asof_ts"`
	OnchainConfidence float64    `db:"onchain_confidence"`
	UpdatedAt         time.Time  `db:"updated_at"`
	TS                time.Time  `db:"ts"`
}

// ProviderCacheEntry is the relational tier of the multi-level provider
// cache (memo -> KV -> relational), keyed by (endpoint, chain, key),
// keeping only the most recent fetch.
type ProviderCacheEntry struct {
	Endpoint  string    `db:"endpoint"`
	Chain     string    `db:"chain"`
	Key       string    `db:"key"`
	Payload   JSONB     `db:"payload"`
	FetchedAt time.Time `db:"fetched_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// Outbox entry states. Only Pending and Retry are dispatchable; DLQ is
// terminal until an explicit recovery job resets the row.
const (
	OutboxPending = "pending"
	OutboxRetry   = "retry"
	OutboxDone    = "done"
	OutboxDLQ     = "dlq"
)

// OutboxEntry is a durable queue row for one pending card send.
type OutboxEntry struct {
	ID        int64      `db:"id"`
	ChannelID string     `db:"channel_id"`
	ThreadID  *string    `db:"thread_id"`
	EventKey  string     `db:"event_key"`
	Payload   JSONB      `db:"payload"`
	Status    string     `db:"status"`
	Attempt   int        `db:"attempt"`
	NextTryAt *time.Time `db:"next_try_at"`
	LastError *string    `db:"last_error"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// DLQSnapshot preserves a dead-lettered outbox payload for later recovery
// or audit.
type DLQSnapshot struct {
	ID        int64     `db:"id"`
	OutboxID  int64     `db:"outbox_id"`
	EventKey  string    `db:"event_key"`
	Payload   JSONB     `db:"payload"`
	LastError *string   `db:"last_error"`
	MovedAt   time.Time `db:"moved_at"`
}
