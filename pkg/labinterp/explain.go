package labinterp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ExplainRequest is what an Explainer receives for one classified result.
type ExplainRequest struct {
	Parameter string  `json:"parameter"`
	Value     string  `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Status    Status  `json:"status"`
	Patient   Patient `json:"patient"`
}

// Explainer produces a natural-language explanation for one result. It is
// allowed to fail; callers substitute FallbackExplanation.
type Explainer interface {
	Explain(ctx context.Context, req ExplainRequest) (string, error)
}

// ExplainerFunc adapts a function to the Explainer interface.
type ExplainerFunc func(ctx context.Context, req ExplainRequest) (string, error)

// Explain calls f.
func (f ExplainerFunc) Explain(ctx context.Context, req ExplainRequest) (string, error) {
	return f(ctx, req)
}

// FallbackExplanation builds the deterministic explanation for a result.
func FallbackExplanation(r ClassifiedResult, p Patient) string {
	name := r.Parameter
	if name == "" {
		name = "this test"
	}
	reading := strings.TrimSpace(r.Value + " " + r.Unit)

	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Your %s level of %s is within the normal range%s.",
			name, reading, describeRange(r.ReferenceRange.Active(p.Gender), r.Unit))
	case StatusHigh:
		return fmt.Sprintf("Your %s level of %s is above the normal range%s. Please discuss this result with your healthcare provider.",
			name, reading, describeRange(r.ReferenceRange.Active(p.Gender), r.Unit))
	case StatusLow:
		return fmt.Sprintf("Your %s level of %s is below the normal range%s. Please discuss this result with your healthcare provider.",
			name, reading, describeRange(r.ReferenceRange.Active(p.Gender), r.Unit))
	case StatusTextResult:
		return fmt.Sprintf("Your %s result was reported as %q. Your healthcare provider can explain what this means for you.",
			name, r.Value)
	}
	return fmt.Sprintf("No reference range is available for %s, so this result could not be compared automatically. Please review it with your healthcare provider.", name)
}

func describeRange(bound *Range, unit string) string {
	if bound == nil {
		return ""
	}
	s := " (" + formatNumber(bound.Min) + "-" + formatNumber(bound.Max)
	if unit != "" {
		s += " " + unit
	}
	return s + ")"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
