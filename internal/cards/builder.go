package cards

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptopulse/signalpipe/internal/providers/market"
	"github.com/cryptopulse/signalpipe/internal/providers/onchain"
	"github.com/cryptopulse/signalpipe/internal/providers/security"
	"github.com/cryptopulse/signalpipe/internal/rules"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/metrics"
)

// SecurityProvider is the narrow slice of security.Client the builder
// depends on.
type SecurityProvider interface {
	TokenSecurity(ctx context.Context, chainID, address string) (security.Payload, error)
}

// MarketProvider is the narrow slice of market.Client the builder depends
// on.
type MarketProvider interface {
	Snapshot(ctx context.Context, chain, contract string) (market.Payload, error)
}

// OnchainProvider is the narrow slice of onchain.Client the builder depends
// on.
type OnchainProvider interface {
	Features(ctx context.Context, chain, address string) (onchain.Features, bool, error)
}

// RulesetProvider exposes the hot-reloadable compiled rule set the
// builder scores a signal's row against, mirroring the RCU pointer
// internal/rulesconfig hands every other consumer.
type RulesetProvider interface {
	Current() *rules.Ruleset
}

// EventStore is the relational slice the builder reads.
type EventStore interface {
	GetEvent(ctx context.Context, eventKey string) (store.Event, error)
	GetSignal(ctx context.Context, eventKey string) (store.Signal, error)
}

// Config controls the builder's summary backend and output-size limits,
// sourced from the CARDS_* env set.
type Config struct {
	SummaryBackend   string
	SummaryMaxChars  int
	RiskNoteMaxChars int
}

// DefaultConfig matches appconfig.CardsConfig's documented defaults.
func DefaultConfig() Config {
	return Config{SummaryBackend: "template", SummaryMaxChars: maxSummaryChars, RiskNoteMaxChars: maxRiskNoteChars}
}

// Builder assembles the schema-validated Card object.
type Builder struct {
	cfg      Config
	store    EventStore
	security SecurityProvider
	market   MarketProvider
	onchain  OnchainProvider
	rulesets RulesetProvider
	refiner  Refiner
	log      *logger.Logger
}

// New constructs a Builder. refiner may be nil; security/market/onchain
// may individually be nil when that source is not wired for a deployment,
// in which case the builder always falls back to that source's degrade
// default.
func New(cfg Config, st EventStore, sec SecurityProvider, mkt MarketProvider, oc OnchainProvider, rs RulesetProvider, refiner Refiner, log *logger.Logger) *Builder {
	if log == nil {
		log = logger.NewFromEnv("cards")
	}
	return &Builder{cfg: cfg, store: st, security: sec, market: mkt, onchain: oc, rulesets: rs, refiner: refiner, log: log}
}

// Build assembles the card for one event_key, returning a
// schema-validated Card. render controls whether the optional
// Telegram/HTML renderers run (step 8); a render failure never fails the
// build, it is only logged as a warning.
func (b *Builder) Build(ctx context.Context, eventKey string, render bool) (Card, error) {
	// Step 1: validate event_key.
	if err := ValidateEventKey(eventKey); err != nil {
		return Card{}, err
	}

	ev, err := b.store.GetEvent(ctx, eventKey)
	if err != nil {
		return Card{}, fmt.Errorf("load event %s: %w", eventKey, err)
	}
	sig, err := b.store.GetSignal(ctx, eventKey)
	if err != nil {
		return Card{}, fmt.Errorf("load signal %s: %w", eventKey, err)
	}

	var degradeReasons []string

	// Step 2: pull each source independently; a failing source degrades to
	// its documented fallback rather than failing the whole build.
	goplus, goplusRaw, gdr := b.pullSecurity(ctx, ev, sig)
	degradeReasons = append(degradeReasons, gdr...)

	mkt, mktRaw, mdr := b.pullMarket(ctx, ev, sig)
	degradeReasons = append(degradeReasons, mdr...)

	oc, ocRaw, odr := b.pullOnchain(ctx, ev, sig)
	degradeReasons = append(degradeReasons, odr...)

	rulesData, rulesRaw, rulesMissing := b.pullRules(sig, marketWideRiskFired(oc))
	if rulesMissing {
		degradeReasons = append(degradeReasons, "missing rules")
	}

	if goplus.Missing && mkt.Missing {
		return Card{}, apperrors.Validation("no_usable_sources: security and market both unavailable for %s", eventKey)
	}

	// Step 3: classify card type.
	cardType := classify(oc, rulesData)

	// Step 4: compute data_as_of as the oldest as_of across usable sources.
	dataAsOf, ok := oldestAsOf(goplusRaw, mktRaw, ocRaw, rulesRaw)
	if !ok {
		dataAsOf = time.Now().UTC()
		degradeReasons = append(degradeReasons, "missing data_as_of")
	}

	// Step 5/6: generate the bounded summary + risk_note.
	in := SummaryInput{Symbol: symbolOf(ev), GoPlus: goplus, Market: mkt, Onchain: oc, Rules: rulesData}
	summary, riskNote, usedRefiner, refineDegrade := BuildSummary(ctx, in, b.cfg.SummaryBackend, b.refiner, b.cfg.SummaryMaxChars, b.cfg.RiskNoteMaxChars)
	if refineDegrade {
		degradeReasons = append(degradeReasons, "summary_refiner_unavailable")
	}

	evidence := buildEvidence(ev, rulesData)

	card := Card{
		EventKey: eventKey,
		CardType: cardType,
		Symbol:   in.Symbol,
		Data:     Data{GoPlus: goplus, Market: mkt, Onchain: oc, Rules: rulesData},
		Summary:  summary,
		RiskNote: riskNote,
		Evidence: evidence,
		Meta: Meta{
			Version:        CardVersion,
			DataAsOf:       dataAsOf,
			SummaryBackend: b.cfg.SummaryBackend,
			UsedRefiner:    usedRefiner,
			Degrade:        len(degradeReasons) > 0,
			DegradeReasons: dedupStrings(degradeReasons),
		},
	}

	// Step 7: validate against the closed schema before returning.
	if err := Validate(card); err != nil {
		return Card{}, fmt.Errorf("assembled card failed validation: %w", err)
	}
	if card.Meta.Degrade {
		metrics.IncCardsDegrade()
	}

	// Step 8: optional non-fatal rendering.
	if render {
		if _, err := RenderTelegram(card); err != nil {
			b.log.WithContext(ctx).WithFields(map[string]interface{}{"event_key": eventKey, "error": err.Error()}).Warn("telegram render failed")
		}
		if _, err := RenderHTML(card); err != nil {
			b.log.WithContext(ctx).WithFields(map[string]interface{}{"event_key": eventKey, "error": err.Error()}).Warn("html render failed")
		}
	}

	return card, nil
}

func (b *Builder) pullSecurity(ctx context.Context, ev store.Event, sig store.Signal) (GoPlusData, *security.Payload, []string) {
	contract := tokenCA(ev)
	if b.security == nil || contract == "" {
		return GoPlusData{Risk: "gray", RiskSource: "unavailable", Missing: true}, nil, []string{"missing goplus"}
	}
	payload, err := b.security.TokenSecurity(ctx, sig.MarketType, contract)
	if err != nil {
		b.log.WithContext(ctx).WithFields(map[string]interface{}{"error": err.Error()}).Warn("security pull failed")
		return GoPlusData{Risk: "gray", RiskSource: "unavailable", Missing: true}, nil, []string{"missing goplus"}
	}
	asOf := payload.AsOf
	return GoPlusData{
		Risk:       string(payload.Risk),
		RiskSource: "goplus",
		BuyTax:     payload.BuyTax,
		SellTax:    payload.SellTax,
		LPLockDays: payload.LPLockDays,
		AsOf:       &asOf,
	}, &payload, nil
}

func (b *Builder) pullMarket(ctx context.Context, ev store.Event, sig store.Signal) (MarketData, *market.Payload, []string) {
	contract := tokenCA(ev)
	if b.market == nil || contract == "" {
		return MarketData{Missing: true}, nil, []string{"missing market"}
	}
	payload, err := b.market.Snapshot(ctx, sig.MarketType, contract)
	if err != nil {
		b.log.WithContext(ctx).WithFields(map[string]interface{}{"error": err.Error()}).Warn("market pull failed")
		return MarketData{Missing: true}, nil, []string{"missing market"}
	}
	asOf := payload.AsOf
	return MarketData{
		PriceUSD:     payload.PriceUSD,
		LiquidityUSD: payload.LiquidityUSD,
		Volume1h:     payload.OHLC.H1,
		AsOf:         &asOf,
	}, &payload, nil
}

func (b *Builder) pullOnchain(ctx context.Context, ev store.Event, sig store.Signal) (OnchainData, *onchain.Features, []string) {
	contract := tokenCA(ev)
	if b.onchain == nil || contract == "" {
		return OnchainData{}, nil, nil
	}
	feats, ok, err := b.onchain.Features(ctx, sig.MarketType, contract)
	if err != nil || !ok {
		return OnchainData{}, nil, nil
	}
	asOf := feats.AsofTS
	return OnchainData{
		ActiveAddrPctl: feats.ActiveAddrPctl,
		GrowthRatio:    feats.GrowthRatio,
		Top10Share:     feats.Top10Share,
		SelfLoopRatio:  feats.SelfLoopRatio,
		AsOf:           &asOf,
		Present:        true,
	}, &feats, nil
}

func (b *Builder) pullRules(sig store.Signal, marketRisk bool) (RulesData, *rules.Verdict, bool) {
	var rs *rules.Ruleset
	if b.rulesets != nil {
		rs = b.rulesets.Current()
	}
	if rs == nil {
		return RulesData{Level: rules.MapLevelToCard(rules.LevelObserve, marketRisk), Missing: []string{"rules"}}, nil, true
	}
	in := rules.Input{
		GoplusRisk:   strPtr(sig.GoPlusRisk),
		BuyTax:       sig.BuyTax,
		SellTax:      sig.SellTax,
		LPLockDays:   sig.LPLockDays,
		DexLiquidity: sig.DexLiquidity,
		DexVolume1h:  sig.DexVolume1h,
		HeatSlope:    &sig.HeatSlope,
	}
	verdict := rules.Evaluate(rs, in, false)
	return RulesData{
		Level:   rules.MapLevelToCard(verdict.Level, marketRisk),
		Score:   verdict.Score,
		Reasons: verdict.Reasons,
		Missing: verdict.Missing,
	}, &verdict, false
}

// marketWideRiskThreshold is the implementation's stand-in for "a
// market-wide risk rule fires": no rule file names the triggering
// condition, so a high holder-concentration reading from the on-chain feature
// set is treated as that trigger; rules.MapLevelToCard then folds it into
// data.rules.level == "risk" the same way a dedicated market-risk rule
// group firing would.
const marketWideRiskThreshold = 0.5

func marketWideRiskFired(oc OnchainData) bool {
	return oc.Present && oc.Top10Share > marketWideRiskThreshold
}

// classify decides the card type: the
// market-wide risk override takes priority, then primary/secondary/topic
// is decided from on-chain presence and the rule engine's card-facing
// level.
func classify(oc OnchainData, rd RulesData) string {
	switch {
	case rd.Level == rules.CardLevelRisk:
		return TypeMarketRisk
	case oc.Present && rd.Level == rules.CardLevelCaution:
		return TypePrimary
	case rd.Level == rules.CardLevelWatch:
		return TypeSecondary
	default:
		return TypeTopic
	}
}

func symbolOf(ev store.Event) string {
	if ev.Symbol != nil {
		return *ev.Symbol
	}
	return ""
}

func tokenCA(ev store.Event) string {
	if ev.TokenCA != nil {
		return *ev.TokenCA
	}
	return ""
}

func buildEvidence(ev store.Event, rd RulesData) []Item {
	items := make([]Item, 0, len(rd.Reasons)+1)
	for _, reason := range rd.Reasons {
		items = append(items, Item{Type: "rule", Desc: reason})
	}
	if ev.Summary != "" {
		items = append(items, Item{Type: "event", Desc: ev.Summary})
	}
	return items
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
