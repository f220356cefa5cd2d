package labreport

import (
	"time"

	"github.com/google/uuid"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

// Report statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusAnalyzed  = "analyzed"
	StatusReviewed  = "reviewed"
	StatusCancelled = "cancelled"
)

// Report is a lab report ordered for a patient together with its results.
type Report struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PatientID  uuid.UUID  `db:"patient_id" json:"patient_id"`
	OrderedBy  *uuid.UUID `db:"ordered_by" json:"ordered_by,omitempty"`
	TestName   string     `db:"test_name" json:"test_name"`
	Status     string     `db:"status" json:"status"`
	Notes      *string    `db:"notes" json:"notes,omitempty"`
	ReportDate *time.Time `db:"report_date" json:"report_date,omitempty"`
	Results    []Result   `db:"-" json:"results,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Result is a single measured parameter of a report.
type Result struct {
	ID             uuid.UUID                 `db:"id" json:"id"`
	ReportID       uuid.UUID                 `db:"report_id" json:"report_id"`
	Position       int                       `db:"position" json:"position"`
	Parameter      string                    `db:"parameter" json:"parameter"`
	Value          string                    `db:"value" json:"value"`
	Unit           string                    `db:"unit" json:"unit,omitempty"`
	ReferenceRange *labinterp.ReferenceRange `db:"reference_range" json:"reference_range,omitempty"`
}

// Input converts the stored result into interpreter input.
func (r Result) Input() labinterp.ResultInput {
	return labinterp.ResultInput{
		Parameter:      r.Parameter,
		Value:          r.Value,
		Unit:           r.Unit,
		ReferenceRange: r.ReferenceRange,
	}
}

// Inputs returns the report's results as interpreter input in position order.
func (r *Report) Inputs() []labinterp.ResultInput {
	inputs := make([]labinterp.ResultInput, 0, len(r.Results))
	for _, res := range r.Results {
		inputs = append(inputs, res.Input())
	}
	return inputs
}

// Demographics holds the patient attributes that influence interpretation.
type Demographics struct {
	PatientID uuid.UUID  `db:"id" json:"patient_id"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    string     `db:"gender" json:"gender,omitempty"`
}

// Patient derives the interpreter's patient context as of now. Age is in
// whole years and omitted when the birth date is unknown or in the future.
func (d *Demographics) Patient(now time.Time) labinterp.Patient {
	if d == nil {
		return labinterp.Patient{}
	}
	p := labinterp.Patient{Gender: d.Gender}
	if d.BirthDate != nil && !d.BirthDate.After(now) {
		b := d.BirthDate.UTC()
		n := now.UTC()
		years := n.Year() - b.Year()
		if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
			years--
		}
		age := float64(years)
		p.Age = &age
	}
	return p
}

// Analysis is a persisted interpretation of a report.
type Analysis struct {
	ID            uuid.UUID            `db:"id" json:"id"`
	ReportID      uuid.UUID            `db:"report_id" json:"report_id"`
	PatientID     uuid.UUID            `db:"patient_id" json:"patient_id"`
	OrderedBy     *uuid.UUID           `db:"ordered_by" json:"ordered_by,omitempty"`
	TestName      string               `db:"test_name" json:"test_name,omitempty"`
	Assessment    labinterp.Assessment `db:"assessment" json:"assessment"`
	RiskScore     int                  `db:"risk_score" json:"risk_score"`
	CriticalCount int                  `db:"critical_count" json:"critical_count"`
	AnalyzedBy    string               `db:"analyzed_by" json:"analyzed_by,omitempty"`
	AnalyzedAt    time.Time            `db:"analyzed_at" json:"analyzed_at"`
}
