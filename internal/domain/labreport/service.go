package labreport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carepoint/backoffice/internal/platform/cache"
	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/internal/platform/hl7v2"
	"github.com/carepoint/backoffice/internal/platform/notification"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("invalid lab report")
)

// AssessmentCache stores analyses keyed by tenant and report.
type AssessmentCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CriticalNotifier alerts clinicians about critical values.
type CriticalNotifier interface {
	NotifyCritical(ctx context.Context, alert notification.CriticalAlert) error
}

type Service struct {
	reports  ReportRepository
	patients PatientRepository
	analyses AnalysisRepository
	interp   *labinterp.Interpreter

	cache     AssessmentCache
	cacheTTL  time.Duration
	notifiers []CriticalNotifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(reports ReportRepository, patients PatientRepository, analyses AnalysisRepository, interp *labinterp.Interpreter) *Service {
	if interp == nil {
		interp = labinterp.New()
	}
	return &Service{
		reports:  reports,
		patients: patients,
		analyses: analyses,
		interp:   interp,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetCache attaches an optional assessment cache.
func (s *Service) SetCache(c AssessmentCache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
}

// SetNotifier attaches critical-value notifiers. Each is called in order and
// a failure in one does not stop the others.
func (s *Service) SetNotifier(ns ...CriticalNotifier) {
	s.notifiers = ns
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// -- Report Workflow --

var reportTransitions = map[string][]string{
	StatusPending:   {StatusCompleted, StatusAnalyzed, StatusCancelled},
	StatusCompleted: {StatusAnalyzed, StatusReviewed, StatusCancelled},
	StatusAnalyzed:  {StatusReviewed, StatusCancelled},
	StatusReviewed:  {},
	StatusCancelled: {},
}

// ValidateTransition checks if a report may move from one status to another.
func ValidateTransition(from, to string) error {
	allowed, ok := reportTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, from)
	}
	if _, ok := reportTransitions[to]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition from %s to %s", ErrValidation, from, to)
}

// -- Reports --

func (s *Service) CreateReport(ctx context.Context, r *Report) error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	r.TestName = strings.TrimSpace(r.TestName)
	if r.TestName == "" {
		return fmt.Errorf("%w: test_name is required", ErrValidation)
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if _, ok := reportTransitions[r.Status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, r.Status)
	}
	for i := range r.Results {
		if strings.TrimSpace(r.Results[i].Parameter) == "" {
			return fmt.Errorf("%w: result %d has no parameter", ErrValidation, i)
		}
		r.Results[i].Position = i
	}
	if err := s.reports.Create(ctx, r); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: patient %s", ErrNotFound, r.PatientID)
		}
		return fmt.Errorf("create lab report: %w", err)
	}
	return nil
}

// -- Patients --

// SavePatient creates or replaces the demographics used to interpret a
// patient's reports. A lab report can only be created for a known patient.
func (s *Service) SavePatient(ctx context.Context, d *Demographics) error {
	if s.patients == nil {
		return fmt.Errorf("save patient: no patient repository")
	}
	if d.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	d.Gender = strings.ToLower(strings.TrimSpace(d.Gender))
	switch d.Gender {
	case "", labinterp.GenderMale, labinterp.GenderFemale:
	default:
		return fmt.Errorf("%w: gender must be male or female", ErrValidation)
	}
	if d.BirthDate != nil && d.BirthDate.After(s.now()) {
		return fmt.Errorf("%w: birth_date is in the future", ErrValidation)
	}
	if err := s.patients.Upsert(ctx, d); err != nil {
		return fmt.Errorf("save patient: %w", err)
	}
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Demographics, error) {
	if s.patients == nil {
		return nil, ErrNotFound
	}
	return s.patients.GetDemographics(ctx, id)
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (*Report, error) {
	return s.reports.GetByID(ctx, id)
}

func (s *Service) ListReportsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Report, int, error) {
	return s.reports.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) SearchReports(ctx context.Context, params map[string]string, limit, offset int) ([]*Report, int, error) {
	return s.reports.Search(ctx, params, limit, offset)
}

func (s *Service) DeleteReport(ctx context.Context, id uuid.UUID) error {
	return s.reports.Delete(ctx, id)
}

// UpdateStatus moves a report along its workflow.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status string) (*Report, error) {
	r, err := s.reports.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(r.Status, status); err != nil {
		return nil, err
	}
	if err := s.reports.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	r.Status = status
	return r, nil
}

// -- Analysis --

// AnalyzeReport interprets a stored report, persists the analysis and fans
// out critical values. Cache and notifier failures are logged, not returned.
func (s *Service) AnalyzeReport(ctx context.Context, reportID uuid.UUID, analyzedBy string) (*Analysis, error) {
	r, err := s.reports.GetByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: report is cancelled", ErrValidation)
	}

	patient, err := s.patientContext(ctx, r.PatientID)
	if err != nil {
		return nil, err
	}

	assessment, err := s.interp.Interpret(ctx, r.Inputs(), patient)
	if err != nil {
		return nil, fmt.Errorf("interpret report: %w", err)
	}

	a := &Analysis{
		ReportID:      r.ID,
		PatientID:     r.PatientID,
		OrderedBy:     r.OrderedBy,
		TestName:      r.TestName,
		Assessment:    *assessment,
		RiskScore:     assessment.RiskScore,
		CriticalCount: len(assessment.CriticalValues),
		AnalyzedBy:    analyzedBy,
	}
	if err := s.analyses.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("save analysis: %w", err)
	}

	if r.Status == StatusPending || r.Status == StatusCompleted {
		if err := s.reports.UpdateStatus(ctx, r.ID, StatusAnalyzed); err != nil {
			return nil, fmt.Errorf("update status: %w", err)
		}
	}

	s.logger.Info().
		Str("report_id", r.ID.String()).
		Int("risk_score", a.RiskScore).
		Int("critical_count", a.CriticalCount).
		Msg("lab report analyzed")

	s.storeCached(ctx, a)

	if a.CriticalCount > 0 {
		alert := notification.CriticalAlert{
			ReportID:   r.ID.String(),
			PatientRef: r.PatientID.String(),
			TestName:   r.TestName,
			RiskScore:  a.RiskScore,
			Values:     assessment.CriticalValues,
		}
		if r.OrderedBy != nil {
			alert.OrderedBy = r.OrderedBy.String()
		}
		s.notify(ctx, alert)
	}
	return a, nil
}

// GetAnalysis returns the latest analysis of a report, preferring the cache.
func (s *Service) GetAnalysis(ctx context.Context, reportID uuid.UUID) (*Analysis, error) {
	if s.cache != nil {
		var a Analysis
		err := s.cache.Get(ctx, s.cacheKey(ctx, reportID), &a)
		if err == nil {
			return &a, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Error().Err(err).Str("report_id", reportID.String()).Msg("assessment cache read failed")
		}
	}

	a, err := s.analyses.GetLatestByReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	s.storeCached(ctx, a)
	return a, nil
}

func (s *Service) ListAnalysesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Analysis, int, error) {
	return s.analyses.ListByPatient(ctx, patientID, limit, offset)
}

// AnalyzeAdHoc interprets results that are not stored anywhere.
func (s *Service) AnalyzeAdHoc(ctx context.Context, inputs []labinterp.ResultInput, patient labinterp.Patient) (*labinterp.Assessment, error) {
	return s.interp.Interpret(ctx, inputs, patient)
}

// AnalyzeLabMessage interprets an inbound HL7 result message and alerts on
// critical values. The message is not persisted.
func (s *Service) AnalyzeLabMessage(ctx context.Context, msg *hl7v2.LabMessage) (*labinterp.Assessment, error) {
	assessment, err := s.interp.Interpret(ctx, msg.Results, msg.Patient)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("control_id", msg.ControlID).
		Str("patient_ref", msg.PatientID).
		Int("results", len(msg.Results)).
		Int("risk_score", assessment.RiskScore).
		Int("critical_count", len(assessment.CriticalValues)).
		Msg("inbound lab message analyzed")

	if len(assessment.CriticalValues) > 0 {
		s.notify(ctx, notification.CriticalAlert{
			ReportID:   msg.ControlID,
			PatientRef: msg.PatientID,
			TestName:   msg.TestName,
			OrderedBy:  msg.OrderingProvider,
			RiskScore:  assessment.RiskScore,
			Values:     assessment.CriticalValues,
		})
	}
	return assessment, nil
}

func (s *Service) patientContext(ctx context.Context, patientID uuid.UUID) (labinterp.Patient, error) {
	if s.patients == nil {
		return labinterp.Patient{}, nil
	}
	d, err := s.patients.GetDemographics(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return labinterp.Patient{}, nil
	}
	if err != nil {
		return labinterp.Patient{}, fmt.Errorf("load demographics: %w", err)
	}
	return d.Patient(s.now()), nil
}

func (s *Service) cacheKey(ctx context.Context, reportID uuid.UUID) string {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "_"
	}
	return "lab-analysis:" + tenant + ":" + reportID.String()
}

func (s *Service) storeCached(ctx context.Context, a *Analysis) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(ctx, a.ReportID), a, s.cacheTTL); err != nil {
		s.logger.Error().Err(err).Str("report_id", a.ReportID.String()).Msg("assessment cache write failed")
	}
}

func (s *Service) notify(ctx context.Context, alert notification.CriticalAlert) {
	for _, n := range s.notifiers {
		if err := n.NotifyCritical(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("report_id", alert.ReportID).Msg("critical value notification failed")
		}
	}
}
