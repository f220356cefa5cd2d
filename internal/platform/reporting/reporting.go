package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/carepoint/backoffice/internal/platform/auth"
	"github.com/carepoint/backoffice/internal/platform/db"
)

// DefaultWindow is the look-back used when a measure's "since" parameter is
// not given.
const DefaultWindow = 30 * 24 * time.Hour

// MeasureDefinition defines a reporting measure with its SQL query. Each
// entry of Parameters binds to the positional argument of the same index.
type MeasureDefinition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SQL         string   `json:"-"`
	Parameters  []string `json:"parameters"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	Results     []map[string]interface{} `json:"results"`
	Parameters  map[string]string        `json:"parameters,omitempty"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "report-status-summary",
		Name:        "Lab Report Status Summary",
		Description: "Number of lab reports in each workflow status",
		SQL:         `SELECT status, COUNT(*) AS total FROM lab_reports GROUP BY status ORDER BY total DESC`,
		Parameters:  []string{},
	},
	{
		ID:          "risk-distribution",
		Name:        "Risk Score Distribution",
		Description: "Analyses grouped into risk bands since the given time",
		SQL: `SELECT CASE
		          WHEN risk_score < 25 THEN 'low'
		          WHEN risk_score < 50 THEN 'moderate'
		          WHEN risk_score < 75 THEN 'high'
		          ELSE 'severe'
		       END AS band, COUNT(*) AS total
		FROM lab_analyses WHERE analyzed_at >= $1
		GROUP BY band ORDER BY MIN(risk_score)`,
		Parameters: []string{"since"},
	},
	{
		ID:          "critical-values-by-parameter",
		Name:        "Critical Values by Parameter",
		Description: "Critical readings per lab parameter since the given time",
		SQL: `SELECT LOWER(cv->>'parameter') AS parameter, COUNT(*) AS total
		FROM lab_analyses a, jsonb_array_elements(a.assessment->'criticalValues') cv
		WHERE a.analyzed_at >= $1
		GROUP BY 1 ORDER BY total DESC`,
		Parameters: []string{"since"},
	},
	{
		ID:          "daily-analysis-volume",
		Name:        "Daily Analysis Volume",
		Description: "Analyses per day with mean risk score and critical count",
		SQL: `SELECT analyzed_at::date AS day, COUNT(*) AS analyses,
		       ROUND(AVG(risk_score), 1) AS mean_risk, SUM(critical_count) AS critical_values
		FROM lab_analyses WHERE analyzed_at >= $1
		GROUP BY day ORDER BY day`,
		Parameters: []string{"since"},
	},
	{
		ID:          "awaiting-analysis",
		Name:        "Reports Awaiting Analysis",
		Description: "Pending or completed reports not yet analyzed, by test",
		SQL: `SELECT test_name, COUNT(*) AS total, MIN(created_at) AS oldest
		FROM lab_reports WHERE status IN ('pending', 'completed')
		GROUP BY test_name ORDER BY oldest`,
		Parameters: []string{},
	},
}

// Querier runs a read-only query.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	q   Querier
	now func() time.Time
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{q: pool, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("admin", "physician"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL against the tenant schema and
// returns the rows.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	params, args, err := bindParameters(measure, c.QueryParam, h.now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	results, err := h.executeSQL(ctx, h.querier(ctx), measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now().UTC(),
		Results:     results,
		Parameters:  params,
	})
}

// querier prefers the tenant-scoped connection set up by the tenant middleware.
func (h *Handler) querier(ctx context.Context) Querier {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return h.q
}

// bindParameters resolves a measure's parameters from the query string.
// "since" accepts RFC 3339 or YYYY-MM-DD and defaults to DefaultWindow ago.
func bindParameters(m *MeasureDefinition, query func(string) string, now time.Time) (map[string]string, []interface{}, error) {
	params := map[string]string{}
	args := make([]interface{}, 0, len(m.Parameters))
	for _, p := range m.Parameters {
		switch p {
		case "since":
			since := now.Add(-DefaultWindow).UTC()
			if v := query(p); v != "" {
				t, err := parseSince(v)
				if err != nil {
					return nil, nil, err
				}
				since = t
			}
			params[p] = since.Format(time.RFC3339)
			args = append(args, since)
		default:
			return nil, nil, fmt.Errorf("unsupported parameter %q", p)
		}
	}
	return params, args, nil
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 or YYYY-MM-DD", v)
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, q Querier, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
