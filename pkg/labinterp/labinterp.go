// Package labinterp interprets lab test results against reference ranges.
//
// Each reading is classified (normal, high, low, unknown or text_result),
// assigned a severity tier from fixed critical thresholds, annotated with a
// clinical significance note and an explanation, and the whole set is
// aggregated into an Assessment carrying a 0-100 risk score.
//
// Classification is a pure function of its inputs. The only suspension point
// is the optional Explainer, whose failures always degrade to a deterministic
// template.
package labinterp

import (
	"errors"
	"strings"
)

// ErrNilResults is returned when Interpret is called without a result slice.
var ErrNilResults = errors.New("labinterp: results must not be nil")

// Status is the classification of a single reading against its reference range.
type Status string

const (
	StatusNormal     Status = "normal"
	StatusHigh       Status = "high"
	StatusLow        Status = "low"
	StatusUnknown    Status = "unknown"
	StatusTextResult Status = "text_result"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNormal, StatusHigh, StatusLow, StatusUnknown, StatusTextResult:
		return true
	}
	return false
}

// Severity is the clinical tier derived from a Status and the critical thresholds.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityAbnormal Severity = "abnormal"
	SeverityCritical Severity = "critical"
)

// UrgencyImmediate marks entries of Assessment.CriticalValues.
const UrgencyImmediate = "immediate_attention_required"

const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// Range is an acceptable numeric interval. Both ends count as normal.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// ReferenceRange describes the bounds for one test parameter. Normal is the
// fallback; Male and Female override it for matching patients.
type ReferenceRange struct {
	Normal *Range `json:"normal,omitempty" yaml:"normal,omitempty"`
	Male   *Range `json:"male,omitempty" yaml:"male,omitempty"`
	Female *Range `json:"female,omitempty" yaml:"female,omitempty"`
}

// Active returns the bound that applies to a patient of the given gender,
// or nil when the range has no normal bound.
func (rr *ReferenceRange) Active(gender string) *Range {
	if rr == nil || rr.Normal == nil {
		return nil
	}
	switch normalizeGender(gender) {
	case GenderMale:
		if rr.Male != nil {
			return rr.Male
		}
	case GenderFemale:
		if rr.Female != nil {
			return rr.Female
		}
	}
	return rr.Normal
}

// Patient carries the demographics used for range selection and explanations.
type Patient struct {
	Age    *float64 `json:"age,omitempty"`
	Gender string   `json:"gender,omitempty"`
}

// ResultInput is one raw measurement as reported by the lab.
type ResultInput struct {
	Parameter      string          `json:"parameter"`
	Value          string          `json:"value"`
	Unit           string          `json:"unit,omitempty"`
	ReferenceRange *ReferenceRange `json:"referenceRange,omitempty"`
}

// ClassifiedResult is the interpretation of one ResultInput.
type ClassifiedResult struct {
	Parameter            string          `json:"parameter"`
	Value                string          `json:"value"`
	Unit                 string          `json:"unit,omitempty"`
	ReferenceRange       *ReferenceRange `json:"referenceRange,omitempty"`
	Status               Status          `json:"status"`
	Severity             Severity        `json:"severity"`
	Explanation          string          `json:"explanation"`
	ClinicalSignificance string          `json:"clinicalSignificance"`
	Urgency              string          `json:"urgency,omitempty"`
}

// Assessment aggregates the classified results of one report.
type Assessment struct {
	AnalyzedResults []ClassifiedResult `json:"analyzedResults"`
	CriticalValues  []ClassifiedResult `json:"criticalValues"`
	RiskScore       int                `json:"riskScore"`
	Recommendations []string           `json:"recommendations"`
}

// HasAbnormal reports whether any analyzed result is not normal.
func (a *Assessment) HasAbnormal() bool {
	for _, r := range a.AnalyzedResults {
		if r.Status != StatusNormal {
			return true
		}
	}
	return false
}

func normalizeGender(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}

func normalizeParameter(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
