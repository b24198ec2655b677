// Package rules implements the rule engine: a side-effect-free
// evaluator that scores a signal/event input against a snapshot of
// configured rule groups using a restricted, whitelist-identifier
// condition grammar compiled with github.com/PaesslerAG/gval.
package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/PaesslerAG/gval"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// allowedIdentifiers is the exact identifier whitelist. Any other
// bare identifier in a condition is rejected at load time.
var allowedIdentifiers = map[string]bool{
	"goplus_risk":          true,
	"buy_tax":              true,
	"sell_tax":             true,
	"lp_lock_days":         true,
	"dex_liquidity":        true,
	"dex_volume_1h":        true,
	"heat_slope":           true,
	"last_sentiment_score": true,
}

// keywords are grammar tokens, not identifiers subject to the whitelist.
var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "is": true,
	"null": true, "None": true, "true": true, "false": true,
}

var (
	identifierPattern   = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	funcCallPattern     = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	floatLiteralPattern = regexp.MustCompile(`\d+\.\d+`)

	wordAnd = regexp.MustCompile(`\band\b`)
	wordOr  = regexp.MustCompile(`\bor\b`)
	wordNot = regexp.MustCompile(`\bnot\b`)
)

// ValidateCondition rejects any expression containing a forbidden
// construct: function calls, attribute access,
// comprehensions/list literals, or an identifier outside the whitelist
// (including anything starting with underscore). It operates on the raw
// token text rather than a parsed AST, so it never needs to trust that a
// later parse step resolved every construct the same way.
func ValidateCondition(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return apperrors.Validation("empty rule condition")
	}
	// String literals may hold any text; blank their contents so the scans
	// below only see the expression's own tokens.
	trimmed = regexp.MustCompile(`"[^"]*"|'[^']*'`).ReplaceAllString(trimmed, `""`)
	if strings.ContainsAny(trimmed, "[]") {
		return apperrors.Validation("condition %q contains a forbidden list/comprehension construct", raw)
	}

	// Attribute access shows up as "." outside of a float literal like 0.5;
	// strip legitimate float literals first, then anything left is illegal.
	withoutFloats := floatLiteralPattern.ReplaceAllString(trimmed, "0")
	if strings.Contains(withoutFloats, ".") {
		return apperrors.Validation("condition %q contains forbidden attribute access", raw)
	}

	for _, m := range funcCallPattern.FindAllStringSubmatch(trimmed, -1) {
		name := m[1]
		if name == "and" || name == "or" || name == "not" || name == "is" {
			continue // grouping parens after a boolean keyword, not a call
		}
		return apperrors.Validation("condition %q contains a forbidden function call %q", raw, name)
	}

	for _, tok := range identifierPattern.FindAllString(trimmed, -1) {
		if keywords[tok] {
			continue
		}
		if strings.HasPrefix(tok, "_") {
			return apperrors.Validation("condition %q contains a forbidden underscore identifier %q", raw, tok)
		}
		if !allowedIdentifiers[tok] {
			return apperrors.Validation("condition %q references identifier %q outside the whitelist", raw, tok)
		}
	}
	return nil
}

// toGvalSyntax rewrites the restricted Python-flavored grammar (the
// documented "and/or/not", "is null"/"is not null", "None" literal) onto
// gval's C-style operators, after the raw text has already passed
// ValidateCondition.
func toGvalSyntax(raw string) string {
	expr := raw
	expr = strings.ReplaceAll(expr, "is not null", "!= null")
	expr = strings.ReplaceAll(expr, "is null", "== null")
	expr = strings.ReplaceAll(expr, "None", "null")
	expr = wordAnd.ReplaceAllString(expr, "&&")
	expr = wordOr.ReplaceAllString(expr, "||")
	expr = wordNot.ReplaceAllString(expr, "!")
	return expr
}

// nullLiteralType marks the null/None literal token, distinct from the
// plain nil a missing identifier evaluates to. The distinction is what
// lets "x != null" (the is-not-null rewrite) answer true for a present
// value while a generic "x != 100" against a missing x stays false.
type nullLiteralType struct{}

var nullLiteral = nullLiteralType{}

func isNullLiteral(v interface{}) bool {
	_, ok := v.(nullLiteralType)
	return ok
}

// conditionLanguage is gval.Full() with the comparison operators replaced
// by null-safe versions: a comparison involving a missing (nil) identifier
// evaluates to false rather than raising, while comparisons against the
// null literal keep their is-null/is-not-null predicate meaning.
var conditionLanguage = gval.NewLanguage(
	gval.Full(),
	gval.Constant("null", nullLiteral),
	gval.InfixOperator("==", nullSafeEq),
	gval.InfixOperator("!=", nullSafeNeq),
	gval.InfixOperator("<", nullSafeCompare(func(a, b float64) bool { return a < b })),
	gval.InfixOperator("<=", nullSafeCompare(func(a, b float64) bool { return a <= b })),
	gval.InfixOperator(">", nullSafeCompare(func(a, b float64) bool { return a > b })),
	gval.InfixOperator(">=", nullSafeCompare(func(a, b float64) bool { return a >= b })),
)

// compiledCondition is a validated, gval-compiled condition ready to
// evaluate against a flat identifier map.
type compiledCondition struct {
	raw  string
	eval gval.Evaluable
}

// compileCondition validates raw against the whitelist grammar, rewrites
// it to gval syntax, and compiles it once so repeated evaluations (one per
// candidate row) don't re-parse the expression.
func compileCondition(raw string) (*compiledCondition, error) {
	if err := ValidateCondition(raw); err != nil {
		return nil, err
	}
	eval, err := conditionLanguage.NewEvaluable(toGvalSyntax(raw))
	if err != nil {
		return nil, apperrors.Parse("rule condition", err)
	}
	return &compiledCondition{raw: raw, eval: eval}, nil
}

// evaluate runs the compiled condition against vars, treating any runtime
// evaluation error as "condition does not fire" rather than propagating it
// — the engine is side-effect-free and must never raise on a well-formed
// but partially-null input.
func (c *compiledCondition) evaluate(vars map[string]interface{}) bool {
	if c == nil {
		return false
	}
	v, err := c.eval.EvalBool(context.Background(), vars)
	if err != nil {
		return false
	}
	return v
}

func nullSafeEq(a, b interface{}) (interface{}, error) {
	if isNullLiteral(a) && isNullLiteral(b) {
		return true, nil
	}
	if isNullLiteral(b) {
		return a == nil, nil
	}
	if isNullLiteral(a) {
		return b == nil, nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb, nil
		}
	}
	fa, aok := toFloat64(a)
	fb, bok := toFloat64(b)
	if aok && bok {
		return fa == fb, nil
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb, nil
		}
	}
	return false, nil
}

func nullSafeNeq(a, b interface{}) (interface{}, error) {
	if isNullLiteral(a) && isNullLiteral(b) {
		return false, nil
	}
	if isNullLiteral(b) {
		return a != nil, nil
	}
	if isNullLiteral(a) {
		return b != nil, nil
	}
	if a == nil || b == nil {
		return false, nil
	}
	eq, _ := nullSafeEq(a, b)
	return !eq.(bool), nil
}

func nullSafeCompare(cmp func(a, b float64) bool) func(a, b interface{}) (interface{}, error) {
	return func(a, b interface{}) (interface{}, error) {
		if a == nil || b == nil {
			return false, nil
		}
		fa, aok := toFloat64(a)
		fb, bok := toFloat64(b)
		if !aok || !bok {
			return false, nil
		}
		return cmp(fa, fb), nil
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
