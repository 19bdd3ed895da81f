package llm

import (
	"strings"

	"ListingRadar/internal/config"
)

// DefaultPricing is USD per 1K tokens for models we have seen in production.
var DefaultPricing = map[string]config.ModelPrice{
	"gpt-4":         {Input: 0.03, Output: 0.06},
	"gpt-4-turbo":   {Input: 0.01, Output: 0.03},
	"gpt-4o":        {Input: 0.0025, Output: 0.01},
	"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
	"gpt-3.5-turbo": {Input: 0.001, Output: 0.002},
}

// Pricing resolves per-model token prices; configured entries win over defaults.
type Pricing struct {
	table map[string]config.ModelPrice
}

// NewPricing merges overrides into the default table.
func NewPricing(overrides map[string]config.ModelPrice) Pricing {
	table := make(map[string]config.ModelPrice, len(DefaultPricing)+len(overrides))
	for model, p := range DefaultPricing {
		table[model] = p
	}
	for model, p := range overrides {
		table[strings.ToLower(model)] = p
	}
	return Pricing{table: table}
}

// Cost returns the USD cost of one call. Unknown models cost nothing.
// Dated model names ("gpt-4o-2024-08-06") fall back to the longest known prefix.
func (p Pricing) Cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := p.lookup(strings.ToLower(model))
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*price.Input + float64(completionTokens)/1000*price.Output
}

func (p Pricing) lookup(model string) (config.ModelPrice, bool) {
	if price, ok := p.table[model]; ok {
		return price, true
	}
	best := ""
	for known := range p.table {
		if strings.HasPrefix(model, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best == "" {
		return config.ModelPrice{}, false
	}
	return p.table[best], true
}
