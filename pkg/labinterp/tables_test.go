package labinterp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSeverity(t *testing.T) {
	tables := DefaultTables()
	tests := []struct {
		name      string
		parameter string
		value     string
		status    Status
		want      Severity
	}{
		{"glucose above critical high", "glucose", "450", StatusHigh, SeverityCritical},
		{"glucose at critical high", "Glucose", "400", StatusHigh, SeverityCritical},
		{"glucose high but not critical", "glucose", "150", StatusHigh, SeverityAbnormal},
		{"potassium at or below critical low", "potassium", "2.0", StatusLow, SeverityCritical},
		{"potassium at critical low", "POTASSIUM", "2.5", StatusLow, SeverityCritical},
		{"potassium low but not critical", "potassium", "3.2", StatusLow, SeverityAbnormal},
		{"sodium critical high", "sodium", "160", StatusHigh, SeverityCritical},
		{"sodium critical low", "sodium", "120", StatusLow, SeverityCritical},
		{"creatinine low never below zero", "creatinine", "0.3", StatusLow, SeverityAbnormal},
		{"platelets critical low", "platelets", "40", StatusLow, SeverityCritical},
		{"hemoglobin critical high", "hemoglobin", "21", StatusHigh, SeverityCritical},
		{"high value checked only against high", "glucose", "30", StatusHigh, SeverityAbnormal},
		{"unknown parameter", "ferritin", "9999", StatusHigh, SeverityAbnormal},
		{"normal short circuits", "glucose", "9999", StatusNormal, SeverityNormal},
		{"text result", "glucose", "trace", StatusTextResult, SeverityAbnormal},
		{"unknown status", "glucose", "450", StatusUnknown, SeverityAbnormal},
		{"unparseable value never critical", "glucose", "high", StatusHigh, SeverityAbnormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tables.Severity(tt.parameter, tt.value, tt.status); got != tt.want {
				t.Errorf("Severity(%q, %q, %s) = %s, want %s", tt.parameter, tt.value, tt.status, got, tt.want)
			}
		})
	}
}

func TestDefaultTables_CriticalThresholds(t *testing.T) {
	want := map[string]CriticalThreshold{
		"glucose":    {High: 400, Low: 40},
		"creatinine": {High: 5.0, Low: 0},
		"hemoglobin": {High: 20, Low: 7},
		"platelets":  {High: 1000, Low: 50},
		"potassium":  {High: 6.0, Low: 2.5},
		"sodium":     {High: 155, Low: 125},
	}
	tables := DefaultTables()
	for name, th := range want {
		got, ok := tables.Threshold(name)
		if !ok {
			t.Errorf("missing threshold for %s", name)
			continue
		}
		if got != th {
			t.Errorf("%s: got %+v, want %+v", name, got, th)
		}
	}
}

func TestDefaultTables_ReturnsCopy(t *testing.T) {
	a := DefaultTables()
	a.Critical["glucose"] = CriticalThreshold{High: 1, Low: 0}
	delete(a.Significance, "glucose")

	b := DefaultTables()
	if b.Critical["glucose"].High != 400 {
		t.Error("mutating one copy must not affect another")
	}
	if _, ok := b.Significance["glucose"]; !ok {
		t.Error("significance table shared between copies")
	}
}

func TestClinicalSignificance(t *testing.T) {
	tables := DefaultTables()
	for _, name := range []string{"glucose", "cholesterol", "hemoglobin"} {
		for _, s := range []Status{StatusHigh, StatusLow} {
			got := tables.ClinicalSignificance(strings.ToUpper(name), s)
			if got == "" || got == DefaultSignificance {
				t.Errorf("%s/%s: expected a specific note, got %q", name, s, got)
			}
		}
	}
	if got := tables.ClinicalSignificance("glucose", StatusHigh); got != "Elevated glucose may indicate diabetes or prediabetes" {
		t.Errorf("unexpected glucose/high note %q", got)
	}
	if got := tables.ClinicalSignificance("ferritin", StatusHigh); got != DefaultSignificance {
		t.Errorf("unknown parameter: got %q", got)
	}
	if got := tables.ClinicalSignificance("glucose", StatusNormal); got != DefaultSignificance {
		t.Errorf("unknown status within parameter: got %q", got)
	}
	var empty Tables
	if got := empty.ClinicalSignificance("glucose", StatusHigh); got != DefaultSignificance {
		t.Errorf("empty tables: got %q", got)
	}
}

func TestParseTables_MergesOverDefaults(t *testing.T) {
	data := []byte(`
critical:
  Troponin: {high: 0.4, low: 0}
  glucose: {high: 350, low: 50}
significance:
  troponin:
    high: Elevated troponin may indicate heart muscle damage
  glucose:
    normal: Glucose is within the expected range
`)
	tables, err := ParseTables(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if th, ok := tables.Threshold("troponin"); !ok || th.High != 0.4 {
		t.Errorf("troponin threshold not loaded: %+v %v", th, ok)
	}
	if th, _ := tables.Threshold("glucose"); th.High != 350 || th.Low != 50 {
		t.Errorf("glucose override not applied: %+v", th)
	}
	if th, _ := tables.Threshold("sodium"); th.High != 155 {
		t.Errorf("sodium default lost: %+v", th)
	}
	if got := tables.ClinicalSignificance("troponin", StatusHigh); got != "Elevated troponin may indicate heart muscle damage" {
		t.Errorf("troponin note: %q", got)
	}
	if got := tables.ClinicalSignificance("glucose", StatusNormal); got != "Glucose is within the expected range" {
		t.Errorf("glucose normal note: %q", got)
	}
	if got := tables.ClinicalSignificance("glucose", StatusHigh); got != "Elevated glucose may indicate diabetes or prediabetes" {
		t.Errorf("glucose high note should be kept: %q", got)
	}
}

func TestParseTables_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid yaml", "critical: [unclosed"},
		{"high below low", "critical:\n  glucose: {high: 10, low: 20}\n"},
		{"unknown status", "significance:\n  glucose:\n    elevated: nope\n"},
		{"empty parameter", "critical:\n  \"  \": {high: 1, low: 0}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTables([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	if err := os.WriteFile(path, []byte("critical:\n  lactate: {high: 4, low: 0}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tables.Threshold("lactate"); !ok {
		t.Error("lactate threshold not loaded")
	}

	if _, err := LoadTables(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
