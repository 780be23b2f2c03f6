package budget

import (
	"log"
	"strings"
)

// ModelPricing is the per-million-token price for one model tier.
type ModelPricing struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// defaultTier prices unknown models. Deliberately the most expensive tier so
// unpriced usage over-counts rather than under-counts.
const defaultTier = "default"

var pricingTable = map[string]ModelPricing{
	"gpt-4o":            {PromptPerMillion: 2.50, CompletionPerMillion: 10.00},
	"gpt-4o-mini":       {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
	"claude-sonnet":     {PromptPerMillion: 3.00, CompletionPerMillion: 15.00},
	"claude-haiku":      {PromptPerMillion: 0.80, CompletionPerMillion: 4.00},
	"llama-3.1-70b":     {PromptPerMillion: 0.90, CompletionPerMillion: 0.90},
	"mistral-large":     {PromptPerMillion: 2.00, CompletionPerMillion: 6.00},
	defaultTier:         {PromptPerMillion: 5.00, CompletionPerMillion: 15.00},
}

// TokenCost translates model token usage into the cost dimension's unit
// (dollars). Unknown models fall back to the default tier with a warning.
func TokenCost(model string, promptTokens, completionTokens int) float64 {
	pricing, ok := pricingTable[strings.ToLower(model)]
	if !ok {
		log.Printf("[budget] unknown model %q, pricing at %s tier", model, defaultTier)
		pricing = pricingTable[defaultTier]
	}
	return float64(promptTokens)/1e6*pricing.PromptPerMillion +
		float64(completionTokens)/1e6*pricing.CompletionPerMillion
}
