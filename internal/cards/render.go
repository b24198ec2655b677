package cards

import (
	"fmt"
	"html"
	"strings"
)

// RenderTelegram renders a card into the plain-text message body the
// messaging package sends via send_message, staying under Telegram's
// 4096-character hard cap. Rendering never fails the build that
// produced the card; callers log and move on.
func RenderTelegram(c Card) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", nonEmpty(c.Symbol, c.EventKey), c.CardType)
	fmt.Fprintf(&b, "%s\n", c.Summary)
	if c.RiskNote != "" {
		fmt.Fprintf(&b, "⚠️ %s\n", c.RiskNote)
	}
	if !c.Data.Market.Missing {
		fmt.Fprintf(&b, "价格 $%.6f | 流动性 $%.0f\n", c.Data.Market.PriceUSD, c.Data.Market.LiquidityUSD)
	}
	for _, ev := range c.Evidence {
		fmt.Fprintf(&b, "- %s\n", ev.Desc)
	}
	out := b.String()
	if runes := []rune(out); len(runes) > 4096 {
		out = string(runes[:4095]) + "…"
	}
	return out, nil
}

// RenderHTML renders a card into the small HTML fragment the dashboard UI
// embeds. All interpolated values are HTML-escaped.
func RenderHTML(c Card) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="card card-%s">`, html.EscapeString(c.CardType))
	fmt.Fprintf(&b, `<h3>%s</h3>`, html.EscapeString(nonEmpty(c.Symbol, c.EventKey)))
	fmt.Fprintf(&b, `<p>%s</p>`, html.EscapeString(c.Summary))
	if c.RiskNote != "" {
		fmt.Fprintf(&b, `<p class="risk">%s</p>`, html.EscapeString(c.RiskNote))
	}
	b.WriteString("</div>")
	return b.String(), nil
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
