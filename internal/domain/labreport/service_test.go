package labreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carepoint/backoffice/internal/platform/cache"
	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/internal/platform/hl7v2"
	"github.com/carepoint/backoffice/internal/platform/notification"
	"github.com/carepoint/backoffice/pkg/labinterp"
)

// -- Mock Repositories --

type mockReportRepo struct {
	reports map[uuid.UUID]*Report
	err     error
}

func newMockReportRepo() *mockReportRepo {
	return &mockReportRepo{reports: make(map[uuid.UUID]*Report)}
}

func (m *mockReportRepo) Create(_ context.Context, r *Report) error {
	if m.err != nil {
		return m.err
	}
	r.ID = uuid.New()
	for i := range r.Results {
		r.Results[i].ID = uuid.New()
		r.Results[i].ReportID = r.ID
	}
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.reports[r.ID] = r
	return nil
}

func (m *mockReportRepo) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockReportRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	r, ok := m.reports[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	return nil
}

func (m *mockReportRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.reports[id]; !ok {
		return ErrNotFound
	}
	delete(m.reports, id)
	return nil
}

func (m *mockReportRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Report, int, error) {
	var result []*Report
	for _, r := range m.reports {
		if r.PatientID == patientID {
			result = append(result, r)
		}
	}
	return result, len(result), nil
}

func (m *mockReportRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*Report, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	var result []*Report
	for _, r := range m.reports {
		if s := params["status"]; s != "" && r.Status != s {
			continue
		}
		if p := params["patient"]; p != "" && r.PatientID.String() != p {
			continue
		}
		result = append(result, r)
	}
	return result, len(result), nil
}

type mockPatientRepo struct {
	patients map[uuid.UUID]*Demographics
	err      error
}

func (m *mockPatientRepo) GetDemographics(_ context.Context, id uuid.UUID) (*Demographics, error) {
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *mockPatientRepo) Upsert(_ context.Context, d *Demographics) error {
	if m.err != nil {
		return m.err
	}
	cp := *d
	m.patients[d.PatientID] = &cp
	return nil
}

type mockAnalysisRepo struct {
	analyses []*Analysis
	err      error
}

func (m *mockAnalysisRepo) Save(_ context.Context, a *Analysis) error {
	if m.err != nil {
		return m.err
	}
	a.ID = uuid.New()
	a.AnalyzedAt = time.Now().UTC()
	m.analyses = append(m.analyses, a)
	return nil
}

func (m *mockAnalysisRepo) GetLatestByReport(_ context.Context, reportID uuid.UUID) (*Analysis, error) {
	for i := len(m.analyses) - 1; i >= 0; i-- {
		if m.analyses[i].ReportID == reportID {
			return m.analyses[i], nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockAnalysisRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Analysis, int, error) {
	var result []*Analysis
	for _, a := range m.analyses {
		if a.PatientID == patientID {
			result = append(result, a)
		}
	}
	return result, len(result), nil
}

// -- Collaborator fakes --

type fakeCache struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCache) Get(_ context.Context, key string, dest interface{}) error {
	if f.getErr != nil {
		return f.getErr
	}
	b, ok := f.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = b
	f.ttls[key] = ttl
	return nil
}

type fakeNotifier struct {
	alerts []notification.CriticalAlert
	err    error
}

func (f *fakeNotifier) NotifyCritical(_ context.Context, alert notification.CriticalAlert) error {
	f.alerts = append(f.alerts, alert)
	return f.err
}

type testDeps struct {
	reports  *mockReportRepo
	patients *mockPatientRepo
	analyses *mockAnalysisRepo
	cache    *fakeCache
	notifier *fakeNotifier
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService() (*Service, *testDeps) {
	d := &testDeps{
		reports:  newMockReportRepo(),
		patients: &mockPatientRepo{patients: map[uuid.UUID]*Demographics{}},
		analyses: &mockAnalysisRepo{},
		cache:    newFakeCache(),
		notifier: &fakeNotifier{},
	}
	svc := NewService(d.reports, d.patients, d.analyses, nil)
	svc.SetCache(d.cache, 10*time.Minute)
	svc.SetNotifier(d.notifier)
	svc.now = func() time.Time { return testNow }
	return svc, d
}

func normalRange(lo, hi float64) *labinterp.ReferenceRange {
	return &labinterp.ReferenceRange{Normal: &labinterp.Range{Min: lo, Max: hi}}
}

// seedReport stores a report with a critical glucose and a normal sodium.
func seedReport(t *testing.T, svc *Service, status string) *Report {
	t.Helper()
	orderer := uuid.New()
	r := &Report{
		PatientID: uuid.New(),
		OrderedBy: &orderer,
		TestName:  "Basic Metabolic Panel",
		Status:    status,
		Results: []Result{
			{Parameter: "Glucose", Value: "450", Unit: "mg/dL", ReferenceRange: normalRange(70, 99)},
			{Parameter: "Sodium", Value: "140", Unit: "mmol/L", ReferenceRange: normalRange(135, 145)},
		},
	}
	if err := svc.CreateReport(context.Background(), r); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	return r
}

// -- Reports --

func TestCreateReport(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, "")

	if r.Status != StatusPending {
		t.Errorf("status = %q, want pending", r.Status)
	}
	for i, res := range r.Results {
		if res.Position != i {
			t.Errorf("result %d position = %d", i, res.Position)
		}
	}
	if _, ok := d.reports.reports[r.ID]; !ok {
		t.Error("report not stored")
	}
}

func TestCreateReport_Validation(t *testing.T) {
	tests := []struct {
		name   string
		report Report
	}{
		{"missing patient", Report{TestName: "CBC"}},
		{"missing test name", Report{PatientID: uuid.New(), TestName: "   "}},
		{"unknown status", Report{PatientID: uuid.New(), TestName: "CBC", Status: "archived"}},
		{"result without parameter", Report{PatientID: uuid.New(), TestName: "CBC", Results: []Result{{Value: "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			r := tt.report
			if err := svc.CreateReport(context.Background(), &r); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateReport_RepoError(t *testing.T) {
	svc, d := newTestService()
	d.reports.err = errors.New("connection reset")
	err := svc.CreateReport(context.Background(), &Report{PatientID: uuid.New(), TestName: "CBC"})
	if err == nil || errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want wrapped storage error", err)
	}
}

func TestCreateReport_UnknownPatient(t *testing.T) {
	svc, d := newTestService()
	d.reports.err = fmt.Errorf("insert report: %w", &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})

	err := svc.CreateReport(context.Background(), &Report{PatientID: uuid.New(), TestName: "CBC"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSavePatient(t *testing.T) {
	svc, d := newTestService()
	id := uuid.New()
	born := time.Date(1980, 6, 2, 0, 0, 0, 0, time.UTC)

	if err := svc.SavePatient(context.Background(), &Demographics{PatientID: id, BirthDate: &born, Gender: " Female "}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := svc.GetPatient(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Gender != labinterp.GenderFemale || !got.BirthDate.Equal(born) {
		t.Errorf("stored = %+v", got)
	}

	// Replacing demographics changes the interpretation context.
	if err := svc.SavePatient(context.Background(), &Demographics{PatientID: id, Gender: "male"}); err != nil {
		t.Fatal(err)
	}
	if d.patients.patients[id].Gender != labinterp.GenderMale || d.patients.patients[id].BirthDate != nil {
		t.Errorf("upsert did not replace: %+v", d.patients.patients[id])
	}
}

func TestSavePatient_Validation(t *testing.T) {
	future := testNow.Add(24 * time.Hour)
	tests := []struct {
		name string
		d    Demographics
	}{
		{"missing id", Demographics{Gender: "male"}},
		{"unknown gender", Demographics{PatientID: uuid.New(), Gender: "x"}},
		{"future birth date", Demographics{PatientID: uuid.New(), BirthDate: &future}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService()
			if err := svc.SavePatient(context.Background(), &tt.d); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusAnalyzed, true},
		{StatusCompleted, StatusReviewed, true},
		{StatusAnalyzed, StatusReviewed, true},
		{StatusAnalyzed, StatusCancelled, true},
		{StatusReviewed, StatusPending, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusAnalyzed, StatusPending, false},
		{"bogus", StatusCompleted, false},
		{StatusPending, "bogus", false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTransition(%s, %s) = %v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrValidation) {
			t.Errorf("error %v is not ErrValidation", err)
		}
	}
}

func TestUpdateStatus(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, StatusPending)
	ctx := context.Background()

	got, err := svc.UpdateStatus(ctx, r.ID, StatusCompleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || d.reports.reports[r.ID].Status != StatusCompleted {
		t.Errorf("status not updated: %q", got.Status)
	}

	if _, err := svc.UpdateStatus(ctx, r.ID, StatusPending); !errors.Is(err, ErrValidation) {
		t.Errorf("backwards transition err = %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, uuid.New(), StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing report err = %v", err)
	}
}

func TestDeleteReport(t *testing.T) {
	svc, _ := newTestService()
	r := seedReport(t, svc, "")
	ctx := context.Background()

	if err := svc.DeleteReport(ctx, r.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GetReport(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("report still readable: %v", err)
	}
}

// -- Analysis --

func TestAnalyzeReport(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, StatusCompleted)
	birth := time.Date(1970, 7, 1, 0, 0, 0, 0, time.UTC)
	d.patients.patients[r.PatientID] = &Demographics{PatientID: r.PatientID, BirthDate: &birth, Gender: "male"}

	a, err := svc.AnalyzeReport(context.Background(), r.ID, "dr-house")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.ID == uuid.Nil || a.AnalyzedBy != "dr-house" || a.TestName != r.TestName {
		t.Errorf("analysis = %+v", a)
	}
	if a.CriticalCount != 1 || a.RiskScore != a.Assessment.RiskScore || a.RiskScore == 0 {
		t.Errorf("critical = %d, risk = %d", a.CriticalCount, a.RiskScore)
	}
	var params []string
	for _, res := range a.Assessment.AnalyzedResults {
		params = append(params, res.Parameter)
	}
	if diff := cmp.Diff([]string{"Glucose", "Sodium"}, params); diff != "" {
		t.Errorf("result order (-want +got):\n%s", diff)
	}

	if got := d.reports.reports[r.ID].Status; got != StatusAnalyzed {
		t.Errorf("report status = %q, want analyzed", got)
	}
	if len(d.analyses.analyses) != 1 {
		t.Errorf("saved analyses = %d", len(d.analyses.analyses))
	}

	key := "lab-analysis:_:" + r.ID.String()
	if _, ok := d.cache.data[key]; !ok {
		t.Errorf("analysis not cached under %s", key)
	}
	if d.cache.ttls[key] != 10*time.Minute {
		t.Errorf("ttl = %s", d.cache.ttls[key])
	}

	if len(d.notifier.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(d.notifier.alerts))
	}
	alert := d.notifier.alerts[0]
	if alert.ReportID != r.ID.String() || alert.OrderedBy != r.OrderedBy.String() || alert.PatientRef != r.PatientID.String() {
		t.Errorf("alert = %+v", alert)
	}
	if len(alert.Values) != 1 || alert.Values[0].Parameter != "Glucose" {
		t.Errorf("alert values = %+v", alert.Values)
	}
}

func TestAnalyzeReport_StatusHandling(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{StatusPending, StatusAnalyzed},
		{StatusCompleted, StatusAnalyzed},
		{StatusAnalyzed, StatusAnalyzed},
		{StatusReviewed, StatusReviewed},
	}
	for _, tt := range tests {
		t.Run(tt.from, func(t *testing.T) {
			svc, d := newTestService()
			r := seedReport(t, svc, tt.from)
			if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := d.reports.reports[r.ID].Status; got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnalyzeReport_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		svc, _ := newTestService()
		if _, err := svc.AnalyzeReport(context.Background(), uuid.New(), ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		svc, d := newTestService()
		r := seedReport(t, svc, StatusCancelled)
		if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); !errors.Is(err, ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
		if len(d.analyses.analyses) != 0 {
			t.Error("cancelled report was analyzed")
		}
	})

	t.Run("demographics failure", func(t *testing.T) {
		svc, d := newTestService()
		r := seedReport(t, svc, StatusPending)
		d.patients.err = errors.New("timeout")
		if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("save failure", func(t *testing.T) {
		svc, d := newTestService()
		r := seedReport(t, svc, StatusPending)
		d.analyses.err = errors.New("disk full")
		if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); err == nil {
			t.Error("expected error")
		}
		if d.reports.reports[r.ID].Status != StatusPending || len(d.notifier.alerts) != 0 {
			t.Error("side effects ran after a failed save")
		}
	})
}

func TestAnalyzeReport_CollaboratorFailuresIgnored(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, StatusPending)
	d.cache.setErr = errors.New("redis down")
	d.notifier.err = errors.New("kafka down")

	a, err := svc.AnalyzeReport(context.Background(), r.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CriticalCount != 1 || len(d.notifier.alerts) != 1 {
		t.Errorf("critical = %d, alerts = %d", a.CriticalCount, len(d.notifier.alerts))
	}
}

func TestAnalyzeReport_EveryNotifierCalled(t *testing.T) {
	svc, d := newTestService()
	second := &fakeNotifier{}
	d.notifier.err = errors.New("push down")
	svc.SetNotifier(d.notifier, second)
	r := seedReport(t, svc, StatusPending)

	if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.notifier.alerts) != 1 || len(second.alerts) != 1 {
		t.Errorf("alerts = %d and %d, want 1 each", len(d.notifier.alerts), len(second.alerts))
	}
}

func TestAnalyzeReport_NoCollaborators(t *testing.T) {
	d := &testDeps{reports: newMockReportRepo(), analyses: &mockAnalysisRepo{}}
	svc := NewService(d.reports, nil, d.analyses, nil)
	r := seedReport(t, svc, StatusPending)

	if _, err := svc.AnalyzeReport(context.Background(), r.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnalyzeReport_NormalResultsDoNotNotify(t *testing.T) {
	svc, d := newTestService()
	r := &Report{
		PatientID: uuid.New(),
		TestName:  "Glucose",
		Results:   []Result{{Parameter: "Glucose", Value: "85", ReferenceRange: normalRange(70, 99)}},
	}
	if err := svc.CreateReport(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	a, err := svc.AnalyzeReport(context.Background(), r.ID, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.RiskScore != 0 || len(d.notifier.alerts) != 0 {
		t.Errorf("risk = %d, alerts = %d", a.RiskScore, len(d.notifier.alerts))
	}
}

func TestAnalyzeReport_TenantScopedCacheKey(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, StatusPending)
	ctx := db.WithTenant(context.Background(), "acme")

	if _, err := svc.AnalyzeReport(ctx, r.ID, ""); err != nil {
		t.Fatal(err)
	}
	var keys []string
	for k := range d.cache.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if diff := cmp.Diff([]string{"lab-analysis:acme:" + r.ID.String()}, keys); diff != "" {
		t.Errorf("cache keys (-want +got):\n%s", diff)
	}
}

func TestGetAnalysis(t *testing.T) {
	svc, d := newTestService()
	r := seedReport(t, svc, StatusPending)
	ctx := context.Background()

	if _, err := svc.GetAnalysis(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	saved, err := svc.AnalyzeReport(ctx, r.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	// Served from cache even when the repository no longer has it.
	d.analyses.analyses = nil
	got, err := svc.GetAnalysis(ctx, r.ID)
	if err != nil {
		t.Fatalf("cache read: %v", err)
	}
	if got.ID != saved.ID || got.RiskScore != saved.RiskScore {
		t.Errorf("cached analysis = %+v", got)
	}
}

func TestGetAnalysis_BackfillsCache(t *testing.T) {
	svc, d := newTestService()
	reportID := uuid.New()
	d.analyses.analyses = []*Analysis{{ID: uuid.New(), ReportID: reportID, RiskScore: 7}}

	got, err := svc.GetAnalysis(context.Background(), reportID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.RiskScore != 7 {
		t.Errorf("risk = %d", got.RiskScore)
	}
	if _, ok := d.cache.data["lab-analysis:_:"+reportID.String()]; !ok {
		t.Error("cache not backfilled")
	}
}

func TestGetAnalysis_CacheErrorFallsBackToRepo(t *testing.T) {
	svc, d := newTestService()
	reportID := uuid.New()
	d.analyses.analyses = []*Analysis{{ID: uuid.New(), ReportID: reportID}}
	d.cache.getErr = errors.New("redis down")

	if _, err := svc.GetAnalysis(context.Background(), reportID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnalyzeAdHoc(t *testing.T) {
	svc, d := newTestService()
	ctx := context.Background()

	if _, err := svc.AnalyzeAdHoc(ctx, nil, labinterp.Patient{}); !errors.Is(err, labinterp.ErrNilResults) {
		t.Errorf("nil results err = %v", err)
	}

	a, err := svc.AnalyzeAdHoc(ctx, []labinterp.ResultInput{{Parameter: "Potassium", Value: "7.1", ReferenceRange: normalRange(3.5, 5.1)}}, labinterp.Patient{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.CriticalValues) != 1 {
		t.Errorf("critical = %d", len(a.CriticalValues))
	}
	if len(d.analyses.analyses) != 0 || len(d.cache.data) != 0 || len(d.notifier.alerts) != 0 {
		t.Error("ad hoc analysis must not persist, cache or notify")
	}
}

func TestAnalyzeLabMessage(t *testing.T) {
	svc, d := newTestService()
	msg := &hl7v2.LabMessage{
		ControlID:        "MSG0001",
		PatientID:        "MRN-42",
		OrderingProvider: "1234",
		TestName:         "Basic Metabolic Panel",
		Results: []labinterp.ResultInput{
			{Parameter: "Glucose", Value: "30", ReferenceRange: normalRange(70, 99)},
			{Parameter: "Sodium", Value: "150", ReferenceRange: normalRange(135, 145)},
		},
	}

	a, err := svc.AnalyzeLabMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.CriticalValues) != 1 {
		t.Fatalf("critical = %d, want 1", len(a.CriticalValues))
	}
	want := notification.CriticalAlert{
		ReportID:   "MSG0001",
		PatientRef: "MRN-42",
		TestName:   "Basic Metabolic Panel",
		OrderedBy:  "1234",
		RiskScore:  a.RiskScore,
		Values:     a.CriticalValues,
	}
	if len(d.notifier.alerts) != 1 {
		t.Fatalf("alerts = %d", len(d.notifier.alerts))
	}
	if diff := cmp.Diff(want, d.notifier.alerts[0]); diff != "" {
		t.Errorf("alert (-want +got):\n%s", diff)
	}
	if len(d.analyses.analyses) != 0 {
		t.Error("inbound messages are not persisted")
	}
}
