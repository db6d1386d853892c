package cost

import "strings"

// ModelPrice is USD per million tokens for one model family.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Longest-prefix pricing table. Dated snapshots price like their family, so
// "claude-sonnet-4-20250514" resolves through the "claude-sonnet" row.
var pricingTable = []struct {
	prefix string
	price  ModelPrice
}{
	{"claude-3-5-haiku", ModelPrice{InputPerMTok: 0.80, OutputPerMTok: 4.00}},
	{"claude-3-5-sonnet", ModelPrice{InputPerMTok: 3.00, OutputPerMTok: 15.00}},
	{"claude-3-opus", ModelPrice{InputPerMTok: 15.00, OutputPerMTok: 75.00}},
	{"claude-haiku", ModelPrice{InputPerMTok: 0.80, OutputPerMTok: 4.00}},
	{"claude-sonnet", ModelPrice{InputPerMTok: 3.00, OutputPerMTok: 15.00}},
	{"claude-opus", ModelPrice{InputPerMTok: 15.00, OutputPerMTok: 75.00}},
}

// defaultPrice covers unknown models, including the mock provider. Cost must
// never come out zero for a completed model call, so the fallback is a real
// mid-tier price rather than free.
var defaultPrice = ModelPrice{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// PriceFor resolves the pricing row for a model name.
func PriceFor(model string) ModelPrice {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, row := range pricingTable {
		if strings.HasPrefix(model, row.prefix) {
			return row.price
		}
	}
	return defaultPrice
}

// CostUSD prices a completed call from its token counts.
func CostUSD(model string, inputTokens, outputTokens int64) float64 {
	p := PriceFor(model)
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}
