// Package cards implements the card builder: given an event_key it
// pulls the security/market/on-chain/rules sections, classifies the card
// type, generates a bounded summary/risk_note, validates the assembled
// object against a closed JSON-schema-style contract, and optionally
// renders it for Telegram/HTML delivery.
package cards

import "time"

// Card is the schema-validated object this package produces.
type Card struct {
	EventKey string   `json:"event_key"`
	CardType string   `json:"card_type"`
	Symbol   string   `json:"symbol,omitempty"`
	Data     Data     `json:"data"`
	Summary  string   `json:"summary"`
	RiskNote string   `json:"risk_note"`
	Evidence []Item   `json:"evidence"`
	Meta     Meta     `json:"meta"`
}

// Card type enum.
const (
	TypePrimary    = "primary"
	TypeSecondary  = "secondary"
	TypeTopic      = "topic"
	TypeMarketRisk = "market_risk"
)

// Data is the card's typed data section, one sub-object per source.
type Data struct {
	GoPlus  GoPlusData  `json:"goplus"`
	Market  MarketData  `json:"market"`
	Onchain OnchainData `json:"onchain"`
	Rules   RulesData   `json:"rules"`
}

// GoPlusData mirrors security.Client's payload plus the degrade fallback
// shape used when the source is missing.
type GoPlusData struct {
	Risk       string     `json:"risk"`
	RiskSource string     `json:"risk_source,omitempty"`
	BuyTax     float64    `json:"buy_tax,omitempty"`
	SellTax    float64    `json:"sell_tax,omitempty"`
	LPLockDays float64    `json:"lp_lock_days,omitempty"`
	AsOf       *time.Time `json:"as_of,omitempty"`
	Missing    bool       `json:"-"`
}

// MarketData mirrors market.Client's payload; an empty struct with
// Missing=true is the documented `{}` degrade fallback.
type MarketData struct {
	PriceUSD     float64    `json:"price_usd,omitempty"`
	LiquidityUSD float64    `json:"liquidity_usd,omitempty"`
	Volume1h     float64    `json:"volume_1h,omitempty"`
	AsOf         *time.Time `json:"as_of,omitempty"`
	Missing      bool       `json:"-"`
}

// OnchainData mirrors onchain.Features.
type OnchainData struct {
	ActiveAddrPctl float64    `json:"active_addr_pctl,omitempty"`
	GrowthRatio    float64    `json:"growth_ratio,omitempty"`
	Top10Share     float64    `json:"top10_share,omitempty"`
	SelfLoopRatio  float64    `json:"self_loop_ratio,omitempty"`
	AsOf           *time.Time `json:"as_of,omitempty"`
	Present        bool       `json:"-"`
}

// RulesData mirrors the rule engine's verdict.
type RulesData struct {
	Level   string   `json:"level"`
	Score   float64  `json:"score,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Item is one evidence entry surfaced on the card.
type Item struct {
	Type string `json:"type"`
	Desc string `json:"desc"`
}

// Meta carries build provenance.
type Meta struct {
	Version        string    `json:"version"`
	DataAsOf       time.Time `json:"data_as_of"`
	SummaryBackend string    `json:"summary_backend"`
	UsedRefiner    bool      `json:"used_refiner,omitempty"`
	Degrade        bool      `json:"degrade,omitempty"`
	DegradeReasons []string  `json:"degrade_reasons,omitempty"`
}

// CardVersion is the fixed schema version stamped on every built card.
const CardVersion = "1"
