package labreport

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carepoint/backoffice/internal/platform/auth"
	"github.com/carepoint/backoffice/pkg/labinterp"
	"github.com/carepoint/backoffice/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, lab_tech
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	readGroup.GET("/lab-reports", h.ListReports)
	readGroup.GET("/lab-reports/:id", h.GetReport)
	readGroup.GET("/lab-reports/:id/analysis", h.GetAnalysis)
	readGroup.GET("/patients/:id", h.GetPatient)
	readGroup.GET("/patients/:id/lab-analyses", h.ListPatientAnalyses)

	// Write endpoints – admin, physician, lab_tech
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "lab_tech"))
	writeGroup.PUT("/patients/:id", h.SavePatient)
	writeGroup.POST("/lab-reports", h.CreateReport)
	writeGroup.PATCH("/lab-reports/:id/status", h.UpdateStatus)
	writeGroup.DELETE("/lab-reports/:id", h.DeleteReport)
	writeGroup.POST("/lab-reports/:id/analyze", h.AnalyzeReport)
	writeGroup.POST("/lab-analysis", h.AnalyzeAdHoc)
}

// httpError maps service errors onto API status codes.
func httpError(err error, notFoundMsg string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFoundMsg)
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return internalError(err)
}

// internalError hides storage details from the client. The cause stays on
// the error for the request log.
func internalError(err error) error {
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patient Handlers --

type patientRequest struct {
	BirthDate *time.Time `json:"birth_date"`
	Gender    string     `json:"gender"`
}

func (h *Handler) SavePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req patientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d := &Demographics{PatientID: id, BirthDate: req.BirthDate, Gender: req.Gender}
	if err := h.svc.SavePatient(c.Request().Context(), d); err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusOK, d)
}

// -- Report Handlers --

func (h *Handler) CreateReport(c echo.Context) error {
	var r Report
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateReport(c.Request().Context(), &r); err != nil {
		return httpError(err, "patient not found")
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "lab report not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if patientID := c.QueryParam("patient_id"); patientID != "" && c.QueryParam("status") == "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListReportsByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return internalError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
	}

	params := map[string]string{}
	if v := c.QueryParam("patient_id"); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		params["patient"] = v
	}
	for _, k := range []string{"status", "test_name"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	items, total, err := h.svc.SearchReports(ctx, params, pg.Limit, pg.Offset)
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	r, err := h.svc.UpdateStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err, "lab report not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteReport(c.Request().Context(), id); err != nil {
		return httpError(err, "lab report not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Analysis Handlers --

func (h *Handler) AnalyzeReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	a, err := h.svc.AnalyzeReport(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err, "lab report not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetAnalysis(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAnalysis(c.Request().Context(), id)
	if err != nil {
		return httpError(err, "analysis not found")
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListPatientAnalyses(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAnalysesByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// AnalysisRequest is the body of an ad hoc analysis. It is also the file
// format of the offline analyze command.
type AnalysisRequest struct {
	Results []labinterp.ResultInput `json:"results"`
	Patient labinterp.Patient       `json:"patient"`
}

func (h *Handler) AnalyzeAdHoc(c echo.Context) error {
	var req AnalysisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Results == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "results is required")
	}
	a, err := h.svc.AnalyzeAdHoc(c.Request().Context(), req.Results, req.Patient)
	if err != nil {
		return internalError(err)
	}
	return c.JSON(http.StatusOK, a)
}
