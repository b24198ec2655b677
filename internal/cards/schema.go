package cards

import (
	"regexp"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// EventKeyPattern is the closed event_key format.
var EventKeyPattern = regexp.MustCompile(`^[A-Z0-9:_\-\.]{8,128}$`)

const (
	maxSummaryChars  = 280
	maxRiskNoteChars = 160
	maxEvidenceType  = 32
	maxEvidenceDesc  = 240
)

var validCardTypes = map[string]bool{
	TypePrimary: true, TypeSecondary: true, TypeTopic: true, TypeMarketRisk: true,
}

var validGoplusRisk = map[string]bool{
	"green": true, "yellow": true, "red": true, "gray": true,
}

var validRulesLevel = map[string]bool{
	"none": true, "watch": true, "caution": true, "risk": true,
}

// ValidateEventKey enforces the event_key pattern, returning the
// documented invalid_event_key failure reason on rejection.
func ValidateEventKey(key string) error {
	if !EventKeyPattern.MatchString(key) {
		return apperrors.Validation("invalid_event_key: %q does not match %s", key, EventKeyPattern.String())
	}
	return nil
}

// Validate runs the closed-schema checks required before a card
// may be returned to a caller. It intentionally re-validates fields this
// package itself set, so a future bug in the builder fails loudly here
// instead of shipping a malformed card.
func Validate(c Card) error {
	if err := ValidateEventKey(c.EventKey); err != nil {
		return err
	}
	if !validCardTypes[c.CardType] {
		return apperrors.Validation("card_type %q not in {primary,secondary,topic,market_risk}", c.CardType)
	}
	if !validGoplusRisk[c.Data.GoPlus.Risk] {
		return apperrors.Validation("data.goplus.risk %q not in {green,yellow,red,gray}", c.Data.GoPlus.Risk)
	}
	if !validRulesLevel[c.Data.Rules.Level] {
		return apperrors.Validation("data.rules.level %q not in {none,watch,caution,risk}", c.Data.Rules.Level)
	}
	if len([]rune(c.Summary)) > maxSummaryChars {
		return apperrors.Validation("summary exceeds %d chars", maxSummaryChars)
	}
	if len([]rune(c.RiskNote)) > maxRiskNoteChars {
		return apperrors.Validation("risk_note exceeds %d chars", maxRiskNoteChars)
	}
	for i, ev := range c.Evidence {
		if len([]rune(ev.Type)) > maxEvidenceType {
			return apperrors.Validation("evidence[%d].type exceeds %d chars", i, maxEvidenceType)
		}
		if len([]rune(ev.Desc)) > maxEvidenceDesc {
			return apperrors.Validation("evidence[%d].desc exceeds %d chars", i, maxEvidenceDesc)
		}
	}
	if c.EventKey == "" {
		return apperrors.Validation("event_key is required")
	}
	return nil
}
