package labreport

import (
	"context"

	"github.com/google/uuid"
)

type ReportRepository interface {
	// Create stores the report and its results atomically.
	Create(ctx context.Context, r *Report) error
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Report, int, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Report, int, error)
}

type PatientRepository interface {
	GetDemographics(ctx context.Context, patientID uuid.UUID) (*Demographics, error)
	// Upsert creates the patient or replaces its demographics.
	Upsert(ctx context.Context, d *Demographics) error
}

type AnalysisRepository interface {
	Save(ctx context.Context, a *Analysis) error
	GetLatestByReport(ctx context.Context, reportID uuid.UUID) (*Analysis, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Analysis, int, error)
}
