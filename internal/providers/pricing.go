package providers

import "strings"

// modelPrice holds USD per million tokens. Cache reads bill at a tenth
// of the input rate, cache writes at 1.25x.
type modelPrice struct {
	input  float64
	output float64
}

// Prices for providers that do not report cost on the wire. Matched by
// prefix so dated snapshots ("claude-sonnet-4-5-20250929") share the
// base model's row.
var modelPrices = map[string]modelPrice{
	"claude-opus-4":   {input: 15, output: 75},
	"claude-sonnet-4": {input: 3, output: 15},
	"claude-haiku-4":  {input: 1, output: 5},
	"claude-3-7":      {input: 3, output: 15},
	"claude-3-5":      {input: 0.8, output: 4},
}

// EstimateCost computes the dollar cost of a call from the static price
// table. Unknown models cost zero rather than guessing.
func EstimateCost(model string, u Usage) float64 {
	var price modelPrice
	var matched string
	for prefix, p := range modelPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(matched) {
			price = p
			matched = prefix
		}
	}
	if matched == "" {
		return 0
	}

	perTok := 1e-6
	cost := float64(u.InputTokens) * price.input * perTok
	cost += float64(u.OutputTokens) * price.output * perTok
	cost += float64(u.CacheReadTokens) * price.input * 0.1 * perTok
	cost += float64(u.CacheWriteTokens) * price.input * 1.25 * perTok
	return cost
}
