package providers

import (
	"log/slog"

	"github.com/parlancehq/parlance/pkg/models"
)

// pricePer1K holds USD prices per 1000 tokens.
type pricePer1K struct {
	Input  float64
	Output float64
}

// pricing maps provider -> model -> price table. Prices are advisory and
// drift as vendors reprice; unknown models cost zero.
var pricing = map[string]map[string]pricePer1K{
	"openai": {
		"gpt-4o":        {Input: 0.0025, Output: 0.01},
		"gpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
		"gpt-4-turbo":   {Input: 0.01, Output: 0.03},
		"gpt-4":         {Input: 0.03, Output: 0.06},
		"gpt-3.5-turbo": {Input: 0.0005, Output: 0.0015},
		"o1":            {Input: 0.015, Output: 0.06},
		"o1-mini":       {Input: 0.003, Output: 0.012},
	},
	"anthropic": {
		"claude-sonnet-4-20250514":   {Input: 0.003, Output: 0.015},
		"claude-3-7-sonnet-20250219": {Input: 0.003, Output: 0.015},
		"claude-3-5-sonnet-20241022": {Input: 0.003, Output: 0.015},
		"claude-3-5-haiku-20241022":  {Input: 0.0008, Output: 0.004},
		"claude-3-opus-20240229":     {Input: 0.015, Output: 0.075},
		"claude-3-haiku-20240307":    {Input: 0.00025, Output: 0.00125},
	},
	"google": {
		"gemini-2.0-flash":      {Input: 0.0001, Output: 0.0004},
		"gemini-2.0-flash-lite": {Input: 0.000075, Output: 0.0003},
		"gemini-1.5-pro":        {Input: 0.00125, Output: 0.005},
		"gemini-1.5-flash":      {Input: 0.000075, Output: 0.0003},
	},
	// Local models have no per-token cost.
	"ollama": {},
}

// EstimateCost returns the advisory USD cost of a completion based on the
// static price table. Unrecognized provider/model pairs return 0; callers
// log the miss rather than failing the request.
func EstimateCost(provider, model string, usage models.Usage) (cost float64, known bool) {
	table, ok := pricing[provider]
	if !ok {
		return 0, false
	}
	price, ok := table[model]
	if !ok {
		return 0, provider == "ollama"
	}
	cost = float64(usage.PromptTokens)/1000*price.Input +
		float64(usage.CompletionTokens)/1000*price.Output
	return cost, true
}

// estimateCostLogged returns the advisory cost and warns when the model is
// missing from the price table, so zero-cost usage records stay traceable.
func estimateCostLogged(logger *slog.Logger, provider, model string, usage models.Usage) float64 {
	cost, known := EstimateCost(provider, model, usage)
	if !known {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("model missing from price table, recording zero cost",
			"provider", provider, "model", model)
	}
	return cost
}
