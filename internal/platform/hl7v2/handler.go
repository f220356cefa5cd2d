package hl7v2

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

// Handler provides HTTP endpoints for HL7v2 parsing and lab intake.
type Handler struct {
	analyzer LabAnalyzer
}

// NewHandler creates an HL7v2 handler. A nil analyzer disables the
// analyze endpoint.
func NewHandler(analyzer LabAnalyzer) *Handler {
	return &Handler{analyzer: analyzer}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /hl7v2/parse        - parse an HL7v2 message to JSON
//	POST /hl7v2/oru/analyze  - interpret the results of an ORU^R01 message
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
	if h.analyzer != nil {
		g.POST("/hl7v2/oru/analyze", h.AnalyzeORU)
	}
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

type messageJSON struct {
	Type         string        `json:"type"`
	ControlID    string        `json:"controlId"`
	Version      string        `json:"version"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	SendingApp   string        `json:"sendingApp"`
	SendingFac   string        `json:"sendingFac"`
	ReceivingApp string        `json:"receivingApp"`
	ReceivingFac string        `json:"receivingFac"`
	Segments     []segmentJSON `json:"segments"`
}

// AnalyzeResponse is the body returned by POST /hl7v2/oru/analyze.
type AnalyzeResponse struct {
	ControlID  string                `json:"controlId"`
	PatientID  string                `json:"patientId"`
	TestName   string                `json:"testName,omitempty"`
	Assessment *labinterp.Assessment `json:"assessment"`
}

func readMessage(c echo.Context) (*Message, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	msg, err := Parse(body)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to parse HL7v2 message: "+err.Error())
	}
	return msg, nil
}

// ParseMessage handles POST /hl7v2/parse.
func (h *Handler) ParseMessage(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return err
	}

	out := messageJSON{
		Type:         msg.Type,
		ControlID:    msg.ControlID,
		Version:      msg.Version,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Segments:     make([]segmentJSON, len(msg.Segments)),
	}
	if !msg.Timestamp.IsZero() {
		ts := msg.Timestamp
		out.Timestamp = &ts
	}
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{Value: f.Value, Components: f.Components, Repeats: f.Repeats}
		}
		out.Segments[i] = segmentJSON{Name: seg.Name, Fields: fields}
	}
	return c.JSON(http.StatusOK, out)
}

// AnalyzeORU handles POST /hl7v2/oru/analyze.
func (h *Handler) AnalyzeORU(c echo.Context) error {
	msg, err := readMessage(c)
	if err != nil {
		return err
	}

	lab, err := ExtractLabResults(msg)
	if err != nil {
		if errors.Is(err, ErrUnsupportedMessage) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	assessment, err := h.analyzer.AnalyzeLabMessage(c.Request().Context(), lab)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AnalyzeResponse{
		ControlID:  lab.ControlID,
		PatientID:  lab.PatientID,
		TestName:   lab.TestName,
		Assessment: assessment,
	})
}
