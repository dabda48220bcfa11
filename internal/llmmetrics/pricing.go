// Package llmmetrics implements LLM usage cost estimation and retention,
// grounded on original_source/services/model_pricing.py's ModelPricing.
package llmmetrics

import "path/filepath"

// ModelPrice is the per-1k-token cost pair for one model.
type ModelPrice struct {
	InputPer1k  float64
	OutputPer1k float64
}

// priceTable holds published per-1k-token prices as of January 2025, one
// provider map per entry, seeded verbatim from the original service.
var priceTable = map[string]map[string]ModelPrice{
	"openai": {
		"gpt-4o":                  {0.0025, 0.01},
		"gpt-4o-2024-11-20":       {0.0025, 0.01},
		"gpt-4o-2024-08-06":       {0.0025, 0.01},
		"gpt-4o-mini":             {0.00015, 0.0006},
		"gpt-4o-mini-2024-07-18":  {0.00015, 0.0006},
		"gpt-4-turbo":             {0.01, 0.03},
		"gpt-4-turbo-2024-04-09":  {0.01, 0.03},
		"gpt-4-turbo-preview":     {0.01, 0.03},
		"gpt-4":                  {0.03, 0.06},
		"gpt-4-0613":              {0.03, 0.06},
		"gpt-3.5-turbo":           {0.0005, 0.0015},
		"gpt-3.5-turbo-0125":      {0.0005, 0.0015},
		"o1":                      {0.015, 0.06},
		"o1-preview":              {0.015, 0.06},
		"o1-mini":                 {0.003, 0.012},
	},
	"anthropic": {
		"claude-3-5-sonnet":          {0.003, 0.015},
		"claude-3-5-sonnet-20241022": {0.003, 0.015},
		"claude-3-5-sonnet-20240620": {0.003, 0.015},
		"claude-3-5-haiku":           {0.001, 0.005},
		"claude-3-5-haiku-20241022":  {0.001, 0.005},
		"claude-3-opus":              {0.015, 0.075},
		"claude-3-opus-20240229":     {0.015, 0.075},
		"claude-3-sonnet":            {0.003, 0.015},
		"claude-3-sonnet-20240229":   {0.003, 0.015},
		"claude-3-haiku":             {0.00025, 0.00125},
		"claude-3-haiku-20240307":    {0.00025, 0.00125},
	},
	"azure": {
		"gpt-4o":       {0.0025, 0.01},
		"gpt-4o-mini":  {0.00015, 0.0006},
		"gpt-4-turbo":  {0.01, 0.03},
		"gpt-4":        {0.03, 0.06},
		"gpt-35-turbo": {0.0005, 0.0015},
	},
	"ollama": {
		"*": {0, 0},
	},
	"custom": {
		"*": {0, 0},
	},
}

var defaultPrice = ModelPrice{0, 0}

// getPrice resolves a (provider, model) pair to a price, matching the
// model exactly first and falling back to a glob-pattern entry
// (path.Match-style, translated from the original's fnmatch usage).
func getPrice(provider, model string) (ModelPrice, bool) {
	prices, ok := priceTable[provider]
	if !ok {
		return defaultPrice, false
	}
	if price, ok := prices[model]; ok {
		return price, true
	}
	for pattern, price := range prices {
		if pattern == model {
			continue
		}
		if matched, _ := filepath.Match(pattern, model); matched {
			return price, true
		}
	}
	return defaultPrice, false
}
