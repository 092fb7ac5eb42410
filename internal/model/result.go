package model

// GradingResult is the uniform outcome of scoring one answer. A nil Score
// means the strategy could not produce one and the answer needs a human.
type GradingResult struct {
	Score                *float64       `json:"score"`
	Feedback             string         `json:"feedback"`
	Confidence           float64        `json:"confidence"`
	GradedBy             GradedBy       `json:"method"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	RequiresManualReview bool           `json:"requires_manual_review"`
}

// Scored reports whether the result carries a score.
func (r GradingResult) Scored() bool {
	return r.Score != nil
}

// Float returns a pointer to v. Handy for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
