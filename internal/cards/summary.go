package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/cryptopulse/signalpipe/pkg/textutil"
)

// RefineBudget is the hard per-call timeout for the optional LLM
// summary backend.
const RefineBudget = 1200 * time.Millisecond

// asOfPaths is the field-name search order for the
// data_as_of computation.
var asOfPaths = []string{"$.as_of", "$.ts", "$.updated_at", "$.created_at", "$.timestamp"}

// SummaryInput is what a refiner backend receives.
type SummaryInput struct {
	Symbol  string
	GoPlus  GoPlusData
	Market  MarketData
	Onchain OnchainData
	Rules   RulesData
}

// SummaryOutput is the strict JSON contract required of an LLM
// refiner: exactly {summary, risk_note}.
type SummaryOutput struct {
	Summary  string `json:"summary"`
	RiskNote string `json:"risk_note"`
}

// Refiner is the optional LLM summary backend.
type Refiner interface {
	Refine(ctx context.Context, in SummaryInput) (SummaryOutput, error)
}

// templateSummary renders the always-available template backend,
// dropping any piece whose source is missing.
func templateSummary(in SummaryInput) string {
	var parts []string
	if in.Symbol != "" {
		parts = append(parts, in.Symbol)
	}
	if in.Market.PriceUSD > 0 {
		parts = append(parts, fmt.Sprintf("价格≈$%s", formatNumber(in.Market.PriceUSD)))
	}
	if in.Market.LiquidityUSD > 0 {
		parts = append(parts, fmt.Sprintf("流动性≈$%s", formatNumber(in.Market.LiquidityUSD)))
	}
	parts = append(parts, fmt.Sprintf("规则判定%s", in.Rules.Level))
	return strings.Join(parts, " | ")
}

// templateRiskNote renders the always-available risk_note
// template.
func templateRiskNote(in SummaryInput) string {
	risk := in.GoPlus.Risk
	if risk == "" {
		risk = "gray"
	}
	return fmt.Sprintf("合约体检%s；关注税率/LP/交易限制", risk)
}

// BuildSummary runs the constrained summary generator: the
// template backend always runs first so there is a fallback ready; when
// refiner is non-nil and the backend is "llm", it is given RefineBudget to
// produce a strict {summary, risk_note} replacement, falling back to the
// template (and flagging degrade) on any failure.
func BuildSummary(ctx context.Context, in SummaryInput, backend string, refiner Refiner, summaryMaxChars, riskNoteMaxChars int) (summary, riskNote string, usedRefiner, degrade bool) {
	summary = normalizeText(templateSummary(in), summaryMaxChars)
	riskNote = normalizeText(templateRiskNote(in), riskNoteMaxChars)

	if backend != "llm" || refiner == nil {
		return summary, riskNote, false, false
	}

	rctx, cancel := context.WithTimeout(ctx, RefineBudget)
	defer cancel()

	type outcome struct {
		out SummaryOutput
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := refiner.Refine(rctx, in)
		ch <- outcome{out, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil || textutil.IsEmpty(o.out.Summary) {
			return summary, riskNote, false, true
		}
		return normalizeText(o.out.Summary, summaryMaxChars), normalizeText(o.out.RiskNote, riskNoteMaxChars), true, false
	case <-rctx.Done():
		return summary, riskNote, false, true
	}
}

var trailingPunct = regexp.MustCompile(`[\s.,;:!?，。；：！？]+$`)
var multiSpace = regexp.MustCompile(`\s+`)

// normalizeText collapses whitespace, strips trailing punctuation, and
// truncates to maxChars with a single "…" appended only when truncation
// actually happened.
func normalizeText(s string, maxChars int) string {
	s = multiSpace.ReplaceAllString(strings.TrimSpace(s), " ")
	s = trailingPunct.ReplaceAllString(s, "")
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	if maxChars <= 1 {
		return "…"
	}
	return string(runes[:maxChars-1]) + "…"
}

func formatNumber(v float64) string {
	if v >= 1_000_000 {
		return fmt.Sprintf("%.1fM", v/1_000_000)
	}
	if v >= 1_000 {
		return fmt.Sprintf("%.1fK", v/1_000)
	}
	return fmt.Sprintf("%.2f", v)
}

// oldestAsOf computes data_as_of: the oldest as_of|ts|
// updated_at|created_at|timestamp value across the given source payloads.
// Each payload is walked via jsonpath against its JSON-decoded form rather
// than reflected directly, so any source's field naming is resolved the
// same uniform way. Returns (zero, false) if no source carried a
// recognizable timestamp.
func oldestAsOf(sources ...interface{}) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, src := range sources {
		if src == nil {
			continue
		}
		raw, err := json.Marshal(src)
		if err != nil {
			continue
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		ts, ok := firstTimestamp(doc)
		if !ok {
			continue
		}
		if !found || ts.Before(oldest) {
			oldest = ts
			found = true
		}
	}
	return oldest, found
}

func firstTimestamp(doc interface{}) (time.Time, bool) {
	for _, path := range asOfPaths {
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			continue
		}
		if ts, ok := parseTimestamp(v); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(t), 0).UTC(), true
	}
	return time.Time{}, false
}
