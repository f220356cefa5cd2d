package labinterp

import "math"

var (
	normalRecommendations = []string{
		"Continue regular health checkups",
		"Maintain healthy lifestyle",
		"Follow up as recommended by your doctor",
	}
	abnormalRecommendations = []string{
		"Discuss results with your healthcare provider",
		"Follow any treatment recommendations",
		"Schedule follow-up testing if advised",
		"Monitor symptoms and report changes",
	}
)

// NormalRecommendations returns the list given when every result is normal.
func NormalRecommendations() []string {
	return append([]string(nil), normalRecommendations...)
}

// AbnormalRecommendations returns the list given when any result is not normal.
func AbnormalRecommendations() []string {
	return append([]string(nil), abnormalRecommendations...)
}

func severityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityAbnormal:
		return 1
	}
	return 0
}

// RiskScore weighs critical results 3, abnormal 1 and normal 0, and
// normalizes the sum against the all-critical maximum to 0-100. An empty
// set scores 0.
func RiskScore(results []ClassifiedResult) int {
	if len(results) == 0 {
		return 0
	}
	sum := 0
	for _, r := range results {
		sum += severityWeight(r.Severity)
	}
	return int(math.Round(float64(sum) / float64(3*len(results)) * 100))
}

// Recommendations picks the fixed list matching whether any result is not normal.
func Recommendations(results []ClassifiedResult) []string {
	for _, r := range results {
		if r.Status != StatusNormal {
			return AbnormalRecommendations()
		}
	}
	return NormalRecommendations()
}

// Aggregate combines classified results into an Assessment. Input order is
// preserved in both AnalyzedResults and CriticalValues.
func Aggregate(results []ClassifiedResult) Assessment {
	analyzed := make([]ClassifiedResult, len(results))
	copy(analyzed, results)

	critical := make([]ClassifiedResult, 0)
	for _, r := range analyzed {
		if r.Severity == SeverityCritical {
			r.Urgency = UrgencyImmediate
			critical = append(critical, r)
		}
	}

	return Assessment{
		AnalyzedResults: analyzed,
		CriticalValues:  critical,
		RiskScore:       RiskScore(analyzed),
		Recommendations: Recommendations(analyzed),
	}
}
