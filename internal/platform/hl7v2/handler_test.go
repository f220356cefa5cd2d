package hl7v2

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

func serve(t *testing.T, h *Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1"+path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "x-application/hl7-v2+er7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ParseMessage(t *testing.T) {
	rec := serve(t, NewHandler(nil), "/hl7v2/parse", sampleADT)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var out messageJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != "ADT^A01" || out.ControlID != "MSG00001" {
		t.Errorf("header = %q/%q", out.Type, out.ControlID)
	}
	if len(out.Segments) != 4 || out.Segments[2].Name != "PID" {
		t.Errorf("segments = %+v", out.Segments)
	}
	if out.Timestamp == nil || out.Timestamp.Year() != 2024 {
		t.Errorf("timestamp = %v", out.Timestamp)
	}
}

func TestHandler_ParseMessage_BadInput(t *testing.T) {
	for name, body := range map[string]string{"empty": "", "garbage": "hello"} {
		t.Run(name, func(t *testing.T) {
			if rec := serve(t, NewHandler(nil), "/hl7v2/parse", body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandler_AnalyzeORU(t *testing.T) {
	an := &stubAnalyzer{out: &labinterp.Assessment{
		AnalyzedResults: []labinterp.ClassifiedResult{},
		CriticalValues:  []labinterp.ClassifiedResult{},
		RiskScore:       100,
		Recommendations: []string{"Review results"},
	}}
	rec := serve(t, NewHandler(an), "/hl7v2/oru/analyze", sampleORU)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var out AnalyzeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.PatientID != "MRN12345" || out.ControlID != "MSG00002" || out.TestName != "CBC" {
		t.Errorf("response = %+v", out)
	}
	if out.Assessment == nil || out.Assessment.RiskScore != 100 {
		t.Errorf("assessment = %+v", out.Assessment)
	}
	if an.got == nil || an.got.Patient.Gender != "male" {
		t.Errorf("analyzer input = %+v", an.got)
	}
}

func TestHandler_AnalyzeORU_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"empty body", "", nil, http.StatusBadRequest},
		{"not hl7", "PID|1", nil, http.StatusBadRequest},
		{"not oru", sampleADT, nil, http.StatusUnprocessableEntity},
		{"analysis fails", sampleORU, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an := &stubAnalyzer{out: &labinterp.Assessment{}, err: tt.err}
			if rec := serve(t, NewHandler(an), "/hl7v2/oru/analyze", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	tests := []struct {
		name     string
		analyzer LabAnalyzer
		want     []string
	}{
		{"parse only", nil, []string{"POST /hl7v2/parse"}},
		{"with analyzer", &stubAnalyzer{}, []string{"POST /hl7v2/parse", "POST /hl7v2/oru/analyze"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			NewHandler(tt.analyzer).RegisterRoutes(e.Group(""))

			got := map[string]bool{}
			for _, r := range e.Routes() {
				got[r.Method+" "+r.Path] = true
			}
			for _, w := range tt.want {
				if !got[w] {
					t.Errorf("missing route %s", w)
				}
			}
			if len(tt.want) == 1 && got["POST /hl7v2/oru/analyze"] {
				t.Error("analyze route registered without analyzer")
			}
		})
	}
}
