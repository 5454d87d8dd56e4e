package alert

import (
	"fmt"
	"html"
	"strings"

	"github.com/spbarathg/callsbotonchain-sub001/internal/stats"
)

// Format renders the HTML chat message for a signal. It never returns an
// empty string for a signal with a token.
func Format(sig Signal) string {
	s := sig.Stats
	if s == nil {
		s = &stats.TokenStats{TokenAddress: sig.Token()}
	}
	var b strings.Builder

	header := "🚀"
	if sig.SmartMoney {
		header = "🧠"
	}
	name := s.Symbol
	if name == "" {
		name = shortAddr(s.TokenAddress)
	}
	fmt.Fprintf(&b, "%s <b>%s</b>", header, html.EscapeString(name))
	if s.Name != "" && s.Name != s.Symbol {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(s.Name))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "<b>Score:</b> %d/10 | <i>%s</i>\n", sig.FinalScore, html.EscapeString(sig.Conviction.String()))
	fmt.Fprintf(&b, "<code>%s</code>\n\n", html.EscapeString(s.TokenAddress))

	line := func(label string, v *float64, f func(float64) string) {
		if v != nil {
			fmt.Fprintf(&b, "%s: %s\n", label, f(*v))
		}
	}
	line("💰 Price", s.PriceUSD, formatPrice)
	line("📊 MCap", s.MarketCapUSD, formatUSD)
	line("💧 Liquidity", s.LiquidityUSD, formatUSD)
	line("📈 Vol 24h", s.Volume24hUSD, formatUSD)
	line("⏱ 1h", s.Change1h, formatPct)
	line("🗓 24h", s.Change24h, formatPct)
	if s.Top10Pct != nil {
		fmt.Fprintf(&b, "👥 Top10: %.1f%%\n", *s.Top10Pct)
	}

	var flags []string
	if s.IsLPLocked != nil && *s.IsLPLocked {
		flags = append(flags, "LP locked")
	}
	if s.IsMintRevoked != nil && *s.IsMintRevoked {
		flags = append(flags, "mint revoked")
	}
	if sig.SmartMoney {
		flags = append(flags, "smart money")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&b, "✅ %s\n", strings.Join(flags, " · "))
	}

	addr := s.TokenAddress
	fmt.Fprintf(&b, "\n<a href=\"https://dexscreener.com/solana/%s\">DexScreener</a> | ", addr)
	fmt.Fprintf(&b, "<a href=\"https://birdeye.so/token/%s?chain=solana\">Birdeye</a> | ", addr)
	fmt.Fprintf(&b, "<a href=\"https://solscan.io/token/%s\">Solscan</a>", addr)
	return b.String()
}

func shortAddr(a string) string {
	if len(a) <= 10 {
		return a
	}
	return a[:4] + "…" + a[len(a)-4:]
}

func formatUSD(v float64) string {
	switch {
	case v >= 1_000_000:
		return fmt.Sprintf("$%.2fM", v/1_000_000)
	case v >= 1_000:
		return fmt.Sprintf("$%.1fK", v/1_000)
	}
	return fmt.Sprintf("$%.0f", v)
}

func formatPrice(v float64) string {
	if v >= 0.01 {
		return fmt.Sprintf("$%.4f", v)
	}
	return fmt.Sprintf("$%.8f", v)
}

func formatPct(v float64) string { return fmt.Sprintf("%+.1f%%", v) }
