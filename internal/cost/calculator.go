// Package cost prices inference token usage and accumulates it per document.
package cost

import (
	"sync"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/model"
)

// Calculator computes costs for inference usage.
type Calculator struct {
	rates map[string]config.ModelPricing
}

// NewCalculator creates a Calculator. Models in pricing override the defaults.
func NewCalculator(pricing config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, r := range pricing.Models {
		rates[name] = r
	}
	return &Calculator{rates: rates}
}

// Tokens computes the cost of one call's usage. Unknown models cost 0.
func (c *Calculator) Tokens(modelID string, isBatch bool, u inference.Usage) float64 {
	rate, ok := c.rates[modelID]
	if !ok {
		return 0
	}

	batchMul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		batchMul = rate.BatchDiscount
	}

	inCost := (float64(u.PromptTokens) / 1e6) * rate.Input * batchMul
	outCost := (float64(u.CompletionTokens) / 1e6) * rate.Output * batchMul
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul * batchMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul * batchMul

	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates (USD per million tokens).
func DefaultRates() map[string]config.ModelPricing {
	return map[string]config.ModelPricing{
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00,
			BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00,
			BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"claude-opus-4-6": {
			Input: 15.00, Output: 75.00,
			BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1,
		},
		"gpt-4o": {
			Input: 2.50, Output: 10.00,
			BatchDiscount: 0.5, CacheReadMul: 0.5,
		},
		"gemini-2.5-pro": {
			Input: 1.25, Output: 10.00,
			BatchDiscount: 0.5, CacheReadMul: 0.25,
		},
	}
}

// Tracker sums priced usage per document. Observe matches
// inference.UsageObserver.
type Tracker struct {
	calc         *Calculator
	defaultModel string

	mu    sync.Mutex
	usage map[string]*model.TokenUsage
}

// NewTracker returns a tracker pricing with calc. defaultModel prices
// results that do not name their model.
func NewTracker(calc *Calculator, defaultModel string) *Tracker {
	return &Tracker{calc: calc, defaultModel: defaultModel, usage: make(map[string]*model.TokenUsage)}
}

// Observe records one completed call.
func (t *Tracker) Observe(req inference.Request, res *inference.Result) {
	if res == nil {
		return
	}
	modelID := res.Model
	if modelID == "" {
		modelID = req.Model
	}
	if modelID == "" {
		modelID = t.defaultModel
	}
	price := t.calc.Tokens(modelID, res.Batch, res.Usage)

	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[req.Meta.DocID]
	if !ok {
		u = &model.TokenUsage{}
		t.usage[req.Meta.DocID] = u
	}
	u.Add(model.TokenUsage{
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		CacheWriteTokens: res.Usage.CacheWriteTokens,
		CacheReadTokens:  res.Usage.CacheReadTokens,
		Calls:            1,
		Cost:             price,
	})
}

// Usage returns the accumulated usage of a document.
func (t *Tracker) Usage(docID string) model.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.usage[docID]; ok {
		return *u
	}
	return model.TokenUsage{}
}

// Total returns usage across all documents.
func (t *Tracker) Total() model.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total model.TokenUsage
	for _, u := range t.usage {
		total.Add(*u)
	}
	return total
}

// Reset forgets a document's usage.
func (t *Tracker) Reset(docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.usage, docID)
}
