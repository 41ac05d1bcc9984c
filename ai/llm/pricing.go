package llm

// Pricing converts token usage into USD, with rates per million tokens.
type Pricing struct {
	InputPerM       float64
	CachedInputPerM float64
	OutputPerM      float64
}

// Cost computes the USD cost of a call's usage.
func (p Pricing) Cost(u Usage) float64 {
	const million = 1_000_000
	return float64(u.InputTokens)*p.InputPerM/million +
		float64(u.CachedInputTokens)*p.CachedInputPerM/million +
		float64(u.OutputTokens)*p.OutputPerM/million
}
