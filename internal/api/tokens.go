package api

import "sync"

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 5.00, OutputPerMillion: 25.00},
	"claude-opus-4-1-20250805":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-5-20250929": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-7-sonnet-20250219": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// fallbackPricing is used for models missing from the table.
var fallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// PricingFor returns the pricing for a model, Bedrock names included.
func PricingFor(model string) ModelPricing {
	if p, ok := DefaultModelPricing[baseModel(model)]; ok {
		return p
	}
	return fallbackPricing
}

// Cost returns the USD cost of the given token counts.
func (p ModelPricing) Cost(input, output int64) float64 {
	return float64(input)/1_000_000*p.InputPerMillion +
		float64(output)/1_000_000*p.OutputPerMillion
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	pricing   ModelPricing
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a tracker priced for model.
func NewTokenTracker(model string) *TokenTracker {
	return &TokenTracker{pricing: PricingFor(model)}
}

// SetPricing overrides the pricing used by Cost.
func (t *TokenTracker) SetPricing(p ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing = p
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}

// Cost returns the USD cost of everything tracked so far.
func (t *TokenTracker) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pricing.Cost(t.inputTok, t.outputTok)
}

// CostOf prices a single call without recording it.
func (t *TokenTracker) CostOf(input, output int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pricing.Cost(input, output)
}
