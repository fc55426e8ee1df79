package source

import "strings"

// symbolOverrides pins the upstream ticker symbol for currencies whose
// listings do not follow the usual pattern.
var symbolOverrides = map[string]map[string]string{
	"COTI": {
		Binance:       "COTIUSDT",
		KuCoin:        "COTI-USDT",
		Coinbase:      "COTI-USD",
		CryptoCom:     "cotiusdc",
		CoinMarketCap: "COTI",
	},
	"ETH": {
		Binance:       "ETHUSDT",
		KuCoin:        "ETH-USDT",
		Coinbase:      "ETH-USD",
		CryptoCom:     "ethusdc",
		CoinMarketCap: "ETH",
	},
	"GCOTI": {
		Binance:       "GCOTIUSDT",
		KuCoin:        "GCOTI-USDT",
		Coinbase:      "GCOTI-USD",
		CryptoCom:     "gcotiusdc",
		CoinMarketCap: "GCOTI",
	},
}

// UpstreamSymbol maps a tracked currency symbol to the ticker one upstream
// expects, falling back to each exchange's conventional USD pair format.
func UpstreamSymbol(sourceName, currency string) string {
	currency = strings.ToUpper(currency)
	if pairs, ok := symbolOverrides[currency]; ok {
		if sym, ok := pairs[sourceName]; ok {
			return sym
		}
	}

	switch sourceName {
	case Binance:
		return currency + "USDT"
	case KuCoin:
		return currency + "-USDT"
	case Coinbase:
		return currency + "-USD"
	case CryptoCom:
		return strings.ToLower(currency) + "usdc"
	default:
		return currency
	}
}
