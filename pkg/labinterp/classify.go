package labinterp

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// numericPrefix matches the leading decimal number of a reported value, so
// "5.6 H" and "140 mmol/L" are read as 5.6 and 140.
var numericPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseValue extracts the numeric reading from a reported value. It returns
// false for values with no leading number, such as "trace", "" or "<0.5".
func ParseValue(s string) (float64, bool) {
	m := numericPrefix.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0, false
	}
	// "Infinity" never matches the prefix and "1e400" overflows; both are text.
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ClassifyStatus maps a reported value to a Status.
//
// A missing range or a range without a normal bound yields StatusUnknown, and
// a value with no numeric reading yields StatusTextResult. Otherwise the value
// is compared against the patient's active bound: strictly below Min is low,
// strictly above Max is high, and anything else, including either boundary,
// is normal.
func ClassifyStatus(value string, rr *ReferenceRange, p Patient) Status {
	bound := rr.Active(p.Gender)
	if bound == nil {
		return StatusUnknown
	}
	v, ok := ParseValue(value)
	if !ok {
		return StatusTextResult
	}
	switch {
	case v < bound.Min:
		return StatusLow
	case v > bound.Max:
		return StatusHigh
	}
	return StatusNormal
}
