package model

import "strings"

// ResolveDirection maps the position being acted on plus the intent to the
// exchange order side and the hedge-mode position side that must accompany it.
//
//	open  LONG  -> BUY,  LONG
//	open  SHORT -> SELL, SHORT
//	close LONG  -> SELL, LONG
//	close SHORT -> BUY,  SHORT
func ResolveDirection(side PositionSide, intent Intent) (Side, PositionSide) {
	switch {
	case side == Long && intent == IntentClose:
		return Sell, Long
	case side == Short && intent == IntentClose:
		return Buy, Short
	case side == Short:
		return Sell, Short
	default:
		return Buy, Long
	}
}

// SideForOpen returns the position an opening order of the given side creates.
func SideForOpen(s Side) PositionSide {
	if s == Sell {
		return Short
	}
	return Long
}

// ParsePositionSide accepts LONG/SHORT in any case ("long", "short" from OKX).
func ParsePositionSide(s string) (PositionSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return Long, true
	case "SHORT":
		return Short, true
	default:
		return "", false
	}
}

// NormalizeSymbol converts user-entered symbols ("BTC/USDT", "btc-usdt", "BTCUSDT")
// into the exchange's instrument naming.
func NormalizeSymbol(exchange ExchangeType, raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "-SWAP")
	base, quote := splitPair(s)
	switch exchange {
	case ExchangeOKX:
		if quote == "" {
			return s
		}
		return base + "-" + quote + "-SWAP"
	default:
		return base + quote
	}
}

func splitPair(s string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if i := strings.Index(s, sep); i > 0 {
			return s[:i], s[i+1:]
		}
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote), quote
		}
	}
	return s, ""
}

// BinanceSymbol converts an OKX instrument id back to the flat form ("BTC-USDT-SWAP" -> "BTCUSDT").
func BinanceSymbol(instID string) string {
	return NormalizeSymbol(ExchangeBinance, instID)
}
