package rules

import (
	"fmt"
	"sort"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// MaxRulesPerFile is the hard safety limit: at most 200 rules
// across a single rules.yml.
const MaxRulesPerFile = 200

// Levels the engine's primary (rules.yml) variant can produce.
const (
	LevelOpportunity = "opportunity"
	LevelCaution     = "caution"
	LevelObserve     = "observe"
)

// Card-facing levels (data.rules.level in the cards schema).
const (
	CardLevelNone    = "none"
	CardLevelWatch   = "watch"
	CardLevelCaution = "caution"
	CardLevelRisk    = "risk"
)

// missingReasonPriority is the fixed priority at which a
// missing-source reason surfaces, guaranteeing it competes for the top-3
// slots alongside genuinely fired rules.
const missingReasonPriority = 100

// Rule is one scored condition inside a Group.
type Rule struct {
	ID        string
	Priority  int
	Condition string
	Score     float64
	Reason    string
	compiled  *compiledCondition
}

// Group is an ordered (by Priority desc) set of rules sharing a name.
type Group struct {
	Name     string
	Priority int
	Rules    []Rule
}

// Thresholds are the score cutoffs from rules.yml's scoring.thresholds.
type Thresholds struct {
	Opportunity float64
	Caution     float64
	Observe     float64
}

// defaultMissingConditions supplies the built-in detection condition for
// the three sources the rule files conventionally track
// (dex, hf, goplus); any missing_map entry for one of these that is a
// plain string (no explicit condition) uses this default instead of being
// treated as "never missing" — the open question's documented decision
// for sources outside this set (see DESIGN.md open question #3).
var defaultMissingConditions = map[string]string{
	"dex":    "dex_liquidity is null and dex_volume_1h is null",
	"hf":     "heat_slope is null",
	"goplus": "goplus_risk is null",
}

// MissingSource is one missing_map entry: a condition whose firing marks a
// data source as missing, contributing a fixed-priority reason.
type MissingSource struct {
	Key       string
	Condition string
	Reason    string
	compiled  *compiledCondition
}

// Ruleset is the compiled, immutable form of one rules.yml namespace,
// keyed to the registry snapshot version it was built from.
type Ruleset struct {
	Version    string
	Groups     []Group
	Thresholds Thresholds
	Missing    map[string]MissingSource
}

// Load parses a rules.yml namespace (as returned by
// rulesconfig.Registry.GetNS("rules")) into a compiled Ruleset, rejecting
// the whole file if any condition fails validation/compilation — this
// mirrors the hot-reload registry's own "never replace a good version
// with a bad one" discipline one layer up: a bad rules.yml must fail here
// before the caller ever swaps a live Ruleset pointer.
func Load(ns map[string]interface{}, version string) (*Ruleset, error) {
	rs := &Ruleset{Version: version, Missing: map[string]MissingSource{}}

	groupsRaw, _ := ns["groups"].([]interface{})
	totalRules := 0
	for _, gRaw := range groupsRaw {
		gMap, ok := gRaw.(map[string]interface{})
		if !ok {
			continue
		}
		group := Group{
			Name:     asString(gMap["name"]),
			Priority: asInt(gMap["priority"]),
		}
		rulesRaw, _ := gMap["rules"].([]interface{})
		for _, rRaw := range rulesRaw {
			rMap, ok := rRaw.(map[string]interface{})
			if !ok {
				continue
			}
			totalRules++
			if totalRules > MaxRulesPerFile {
				return nil, apperrors.Validation("rules.yml exceeds %d rules", MaxRulesPerFile)
			}
			cond := asString(rMap["condition"])
			if cond == "" {
				cond = asString(rMap["when"])
			}
			compiled, err := compileCondition(cond)
			if err != nil {
				return nil, fmt.Errorf("group %s rule %v: %w", group.Name, rMap["id"], err)
			}
			priority := asInt(rMap["priority"])
			if priority == 0 {
				priority = group.Priority
			}
			group.Rules = append(group.Rules, Rule{
				ID:        asString(rMap["id"]),
				Priority:  priority,
				Condition: cond,
				Score:     asFloat(rMap["score"]),
				Reason:    asString(rMap["reason"]),
				compiled:  compiled,
			})
		}
		rs.Groups = append(rs.Groups, group)
	}
	sort.SliceStable(rs.Groups, func(i, j int) bool { return rs.Groups[i].Priority > rs.Groups[j].Priority })

	scoring, _ := ns["scoring"].(map[string]interface{})
	thresholdsRaw, _ := scoring["thresholds"].(map[string]interface{})
	rs.Thresholds = Thresholds{
		Opportunity: asFloat(thresholdsRaw["opportunity"]),
		Caution:     asFloat(thresholdsRaw["caution"]),
		Observe:     asFloat(thresholdsRaw["observe"]),
	}

	missingRaw, _ := ns["missing_map"].(map[string]interface{})
	for key, v := range missingRaw {
		switch mv := v.(type) {
		case string:
			cond, hasDefault := defaultMissingConditions[key]
			if !hasDefault {
				// Open question #3: sources outside {dex, hf, goplus} with a
				// plain-string entry are never treated as missing.
				rs.Missing[key] = MissingSource{Key: key, Reason: mv}
				continue
			}
			compiled, err := compileCondition(cond)
			if err != nil {
				return nil, fmt.Errorf("missing_map default condition for %s: %w", key, err)
			}
			rs.Missing[key] = MissingSource{Key: key, Condition: cond, Reason: mv, compiled: compiled}
		case map[string]interface{}:
			cond := asString(mv["condition"])
			compiled, err := compileCondition(cond)
			if err != nil {
				return nil, fmt.Errorf("missing_map entry %s: %w", key, err)
			}
			rs.Missing[key] = MissingSource{Key: key, Condition: cond, Reason: asString(mv["reason"]), compiled: compiled}
		}
	}

	return rs, nil
}

// Input is the combined {signal fields} ∪ {event fields} row the engine
// evaluates, restricted to the whitelist identifiers. A nil pointer means
// "missing from the input" (evaluates to null).
type Input struct {
	GoplusRisk         *string
	BuyTax             *float64
	SellTax            *float64
	LPLockDays         *float64
	DexLiquidity       *float64
	DexVolume1h        *float64
	HeatSlope          *float64
	LastSentimentScore *float64
}

func (in Input) vars() map[string]interface{} {
	v := make(map[string]interface{}, len(allowedIdentifiers))
	v["goplus_risk"] = strPtrToIface(in.GoplusRisk)
	v["buy_tax"] = floatPtrToIface(in.BuyTax)
	v["sell_tax"] = floatPtrToIface(in.SellTax)
	v["lp_lock_days"] = floatPtrToIface(in.LPLockDays)
	v["dex_liquidity"] = floatPtrToIface(in.DexLiquidity)
	v["dex_volume_1h"] = floatPtrToIface(in.DexVolume1h)
	v["heat_slope"] = floatPtrToIface(in.HeatSlope)
	v["last_sentiment_score"] = floatPtrToIface(in.LastSentimentScore)
	return v
}

func strPtrToIface(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtrToIface(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// reasonEntry is one fired rule or missing-source contribution, ranked by
// (Priority desc, |Score| desc).
type reasonEntry struct {
	Priority int
	Score    float64
	Reason   string
}

// Verdict is the engine's pure output for one evaluation.
type Verdict struct {
	Level        string
	Score        float64
	Reasons      []string
	AllReasons   []string
	Missing      []string
	RulesVersion string
	HotReloaded  bool
	RefineUsed   bool
}

// Evaluate is the engine core, a side-effect-free function: it scores
// in against every rule in rs (ordered by group priority desc), then
// every configured missing_map source, and derives level/reasons/missing.
// Given the same (in, rs.Version) it is byte-identically reproducible
// since reasonEntry ordering is a deterministic sort.
func Evaluate(rs *Ruleset, in Input, hotReloaded bool) Verdict {
	vars := in.vars()

	var total float64
	var entries []reasonEntry
	for _, group := range rs.Groups {
		for _, rule := range group.Rules {
			if !rule.compiled.evaluate(vars) {
				continue
			}
			total += rule.Score
			entries = append(entries, reasonEntry{Priority: rule.Priority, Score: rule.Score, Reason: rule.Reason})
		}
	}

	// Iterate missing_map in sorted key order; map ranging would make the
	// tie-broken reason order differ between otherwise identical runs.
	missingKeys := make([]string, 0, len(rs.Missing))
	for key := range rs.Missing {
		missingKeys = append(missingKeys, key)
	}
	sort.Strings(missingKeys)

	var missing []string
	for _, key := range missingKeys {
		ms := rs.Missing[key]
		if ms.compiled == nil {
			continue // plain-string entry with no detection condition configured
		}
		if !ms.compiled.evaluate(vars) {
			continue
		}
		missing = append(missing, key)
		entries = append(entries, reasonEntry{Priority: missingReasonPriority, Score: 0, Reason: ms.Reason})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return absf(entries[i].Score) > absf(entries[j].Score)
	})

	allReasons := dedupReasons(entries)
	top3 := allReasons
	if len(top3) > 3 {
		top3 = top3[:3]
	}

	return Verdict{
		Level:        level(total, rs.Thresholds),
		Score:        total,
		Reasons:      top3,
		AllReasons:   allReasons,
		Missing:      missing,
		RulesVersion: rs.Version,
		HotReloaded:  hotReloaded,
	}
}

func level(score float64, th Thresholds) string {
	switch {
	case score >= th.Opportunity:
		return LevelOpportunity
	case score <= th.Caution:
		return LevelCaution
	default:
		return LevelObserve
	}
}

// MapLevelToCard translates the rules.yml opportunity/caution/observe
// variant onto the cards schema's none/watch/caution/risk enum: an opportunity
// signal is surfaced as a watch-worthy card (it is upside, not danger), a
// caution-scoring signal keeps the caution label, and anything in between
// renders as no particular call-out. marketRisk is set by a dedicated
// market-wide rule group (if any fires independently of the per-event
// score) and always wins, producing the schema's market_risk-adjacent
// "risk" level.
func MapLevelToCard(level string, marketRisk bool) string {
	if marketRisk {
		return CardLevelRisk
	}
	switch level {
	case LevelOpportunity:
		return CardLevelWatch
	case LevelCaution:
		return CardLevelCaution
	default:
		return CardLevelNone
	}
}

func dedupReasons(entries []reasonEntry) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Reason == "" || seen[e.Reason] {
			continue
		}
		seen[e.Reason] = true
		out = append(out, e.Reason)
	}
	return out
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
