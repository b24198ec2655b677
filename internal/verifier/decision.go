package verifier

import "github.com/cryptopulse/signalpipe/internal/providers/onchain"

// Decision is the on-chain rule snapshot's verdict for one candidate,
// after its features are evaluated against the loaded thresholds.
type Decision string

const (
	DecisionUpgrade      Decision = "upgrade"
	DecisionDowngrade    Decision = "downgrade"
	DecisionHold         Decision = "hold"
	DecisionInsufficient Decision = "insufficient"
)

// Thresholds is the parsed onchain.yml thresholds block.
type Thresholds struct {
	ActiveAddrPctlHigh float64
	GrowthRatioFast    float64
	Top10ShareHighRisk float64
	SelfLoopSuspicious float64
}

// DefaultThresholds mirrors a conservative onchain.yml: high organic
// activity plus fast growth reads as upgrade-worthy, heavy concentration
// or wash-trading-shaped self-loops reads as downgrade-worthy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ActiveAddrPctlHigh: 0.8,
		GrowthRatioFast:    2.0,
		Top10ShareHighRisk: 0.6,
		SelfLoopSuspicious: 0.3,
	}
}

// LoadThresholds reads the onchain.yml namespace map (as returned by
// rulesconfig.Registry.GetNS("onchain")) into a Thresholds, falling back to
// DefaultThresholds for any field left unset.
func LoadThresholds(ns map[string]interface{}) Thresholds {
	th := DefaultThresholds()
	raw, _ := ns["thresholds"].(map[string]interface{})
	if raw == nil {
		return th
	}
	if v, ok := nestedFloat(raw, "active_addr_pctl", "high"); ok {
		th.ActiveAddrPctlHigh = v
	}
	if v, ok := nestedFloat(raw, "growth_ratio", "fast"); ok {
		th.GrowthRatioFast = v
	}
	if v, ok := nestedFloat(raw, "top10_share", "high_risk"); ok {
		th.Top10ShareHighRisk = v
	}
	if v, ok := nestedFloat(raw, "self_loop_ratio", "suspicious"); ok {
		th.SelfLoopSuspicious = v
	}
	return th
}

func nestedFloat(m map[string]interface{}, key, sub string) (float64, bool) {
	inner, _ := m[key].(map[string]interface{})
	if inner == nil {
		return 0, false
	}
	switch v := inner[sub].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Verdict is the evaluator's output for one feature set.
type Verdict struct {
	Decision   Decision
	Confidence float64
	Note       string
}

// Evaluate scores f against th. A downgrade signal (high top10 concentration
// or a wash-trading-shaped self-loop ratio) always wins over an upgrade
// signal, since concentration/self-dealing risk is the safety-critical
// direction: the engine would rather hold a good signal back for another
// pass than upgrade a card under false organic-growth cover.
func Evaluate(f onchain.Features, th Thresholds) Verdict {
	concentrated := f.Top10Share >= th.Top10ShareHighRisk
	selfLooping := f.SelfLoopRatio >= th.SelfLoopSuspicious
	if concentrated || selfLooping {
		conf := 0.5
		note := ""
		switch {
		case concentrated && selfLooping:
			conf = 0.9
			note = "high top10 concentration and self-loop ratio"
		case concentrated:
			conf = 0.7
			note = "high top10 concentration"
		default:
			conf = 0.7
			note = "suspicious self-loop ratio"
		}
		return Verdict{Decision: DecisionDowngrade, Confidence: conf, Note: note}
	}

	active := f.ActiveAddrPctl >= th.ActiveAddrPctlHigh
	growing := f.GrowthRatio >= th.GrowthRatioFast
	if active && growing {
		return Verdict{Decision: DecisionUpgrade, Confidence: 0.8, Note: "high active-address percentile with fast growth"}
	}
	if active || growing {
		return Verdict{Decision: DecisionHold, Confidence: 0.4, Note: "partial organic-growth signal"}
	}
	return Verdict{Decision: DecisionHold, Confidence: 0.2, Note: "no qualifying on-chain signal"}
}
