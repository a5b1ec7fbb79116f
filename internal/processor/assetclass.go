package processor

import (
	"regexp"
	"strings"

	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
)

var brokerSuffixPattern = regexp.MustCompile(`(?i)[._](I|M|SB|RAW|PRO|ECN|STD)$`)

var forexCurrencies = []string{"EUR", "USD", "GBP", "JPY", "AUD", "NZD", "CAD", "CHF"}

var cryptoTickers = []string{"BTC", "ETH", "LTC", "XRP", "ADA", "SOL", "DOGE"}

var commodityTickers = []string{
	"XAU", "GOLD", "XAG", "SILVER", "OIL", "BRENT", "WTI",
	"USOIL", "UKOIL", "NGAS", "COPPER",
}

var indexTickers = []string{
	"US30", "DJ30", "NAS100", "NDX", "USTEC", "SPX", "SP500", "US500",
	"GER30", "GER40", "DE30", "DE40", "UK100", "JP225", "JPN225",
	"AUS200", "FRA40", "HK50", "CHINA50",
}

// DetectAssetType classifies a broker symbol by substring heuristics after
// stripping common broker suffixes (.i, _SB, .raw, ...). Ambiguous symbols
// default to FOREX.
func DetectAssetType(symbol string) tradestore.AssetType {
	upper := brokerSuffixPattern.ReplaceAllString(strings.ToUpper(symbol), "")

	currencyHits := 0
	for _, currency := range forexCurrencies {
		if strings.Contains(upper, currency) {
			currencyHits++
		}
	}
	if currencyHits >= 2 && len(upper) <= 7 {
		return tradestore.AssetForex
	}
	if containsAny(upper, cryptoTickers) {
		return tradestore.AssetCrypto
	}
	if containsAny(upper, commodityTickers) {
		return tradestore.AssetCommodities
	}
	if containsAny(upper, indexTickers) {
		return tradestore.AssetIndices
	}
	return tradestore.AssetForex
}

func containsAny(symbol string, tickers []string) bool {
	for _, ticker := range tickers {
		if strings.Contains(symbol, ticker) {
			return true
		}
	}
	return false
}
