package labinterp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CriticalThreshold holds the bounds beyond which an out-of-range reading
// needs immediate attention.
type CriticalThreshold struct {
	High float64 `json:"high" yaml:"high"`
	Low  float64 `json:"low" yaml:"low"`
}

// DefaultSignificance is returned when no significance note is known for a
// parameter and status.
const DefaultSignificance = "Consult your healthcare provider for interpretation of this result"

// Tables holds the lookup data used by severity classification and the
// clinical significance lookup. Keys are lower-cased parameter names.
type Tables struct {
	Critical     map[string]CriticalThreshold
	Significance map[string]map[Status]string
}

// DefaultTables returns a fresh copy of the built-in tables.
func DefaultTables() Tables {
	return Tables{
		Critical: map[string]CriticalThreshold{
			"glucose":    {High: 400, Low: 40},
			"creatinine": {High: 5.0, Low: 0},
			"hemoglobin": {High: 20, Low: 7},
			"platelets":  {High: 1000, Low: 50},
			"potassium":  {High: 6.0, Low: 2.5},
			"sodium":     {High: 155, Low: 125},
		},
		Significance: map[string]map[Status]string{
			"glucose": {
				StatusHigh: "Elevated glucose may indicate diabetes or prediabetes",
				StatusLow:  "Low glucose may cause dizziness, confusion or fainting",
			},
			"cholesterol": {
				StatusHigh: "High cholesterol increases the risk of heart disease and stroke",
				StatusLow:  "Very low cholesterol may be linked to malnutrition or liver problems",
			},
			"hemoglobin": {
				StatusHigh: "High hemoglobin may indicate dehydration or a lung or heart condition",
				StatusLow:  "Low hemoglobin may indicate anemia",
			},
		},
	}
}

// Threshold returns the critical threshold for a parameter.
func (t Tables) Threshold(parameter string) (CriticalThreshold, bool) {
	th, ok := t.Critical[normalizeParameter(parameter)]
	return th, ok
}

// Severity assigns a severity tier to a classified reading. Normal readings
// short-circuit to SeverityNormal. An out-of-range reading is critical only
// when a threshold exists for the parameter and the numeric value reaches it
// in the direction of the status; unparseable values never escalate.
func (t Tables) Severity(parameter, value string, status Status) Severity {
	if status == StatusNormal {
		return SeverityNormal
	}
	if th, ok := t.Threshold(parameter); ok {
		if v, ok := ParseValue(value); ok {
			if (status == StatusHigh && v >= th.High) || (status == StatusLow && v <= th.Low) {
				return SeverityCritical
			}
		}
	}
	return SeverityAbnormal
}

// ClinicalSignificance returns the significance note for a parameter and
// status, or DefaultSignificance when none is known.
func (t Tables) ClinicalSignificance(parameter string, status Status) string {
	if byStatus, ok := t.Significance[normalizeParameter(parameter)]; ok {
		if note, ok := byStatus[status]; ok && note != "" {
			return note
		}
	}
	return DefaultSignificance
}

type tablesFile struct {
	Critical     map[string]CriticalThreshold `yaml:"critical"`
	Significance map[string]map[string]string `yaml:"significance"`
}

// LoadTables reads a YAML tables file and merges it over DefaultTables.
func LoadTables(path string) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("read tables file: %w", err)
	}
	t, err := ParseTables(data)
	if err != nil {
		return Tables{}, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTables decodes YAML table overrides and merges them over
// DefaultTables. Entries for the same parameter replace the default entry;
// significance notes are merged per status.
//
//	critical:
//	  troponin: {high: 0.4, low: 0}
//	significance:
//	  troponin:
//	    high: Elevated troponin may indicate heart muscle damage
func ParseTables(data []byte) (Tables, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Tables{}, fmt.Errorf("parse tables: %w", err)
	}

	t := DefaultTables()
	for name, th := range f.Critical {
		key := normalizeParameter(name)
		if key == "" {
			return Tables{}, fmt.Errorf("critical threshold with empty parameter name")
		}
		if th.High < th.Low {
			return Tables{}, fmt.Errorf("critical threshold for %q: high %v is below low %v", key, th.High, th.Low)
		}
		t.Critical[key] = th
	}
	for name, notes := range f.Significance {
		key := normalizeParameter(name)
		if key == "" {
			return Tables{}, fmt.Errorf("significance entry with empty parameter name")
		}
		byStatus, ok := t.Significance[key]
		if !ok {
			byStatus = make(map[Status]string, len(notes))
			t.Significance[key] = byStatus
		}
		for status, note := range notes {
			s := Status(status)
			if !s.Valid() {
				return Tables{}, fmt.Errorf("significance for %q: unknown status %q", key, status)
			}
			byStatus[s] = note
		}
	}
	return t, nil
}
