package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carepoint/backoffice/internal/platform/db"
	"github.com/carepoint/backoffice/pkg/pagination"
)

// Handler exposes webhook endpoint management over HTTP. Every operation is
// scoped to the caller's tenant.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	wh := g.Group("/webhooks")
	wh.POST("", h.Create)
	wh.GET("", h.List)
	wh.POST("/deliveries/:id/retry", h.RetryDelivery)
	wh.GET("/:id", h.Get)
	wh.PUT("/:id", h.Update)
	wh.DELETE("/:id", h.Delete)
	wh.POST("/:id/test", h.Test)
	wh.GET("/:id/deliveries", h.Deliveries)
	wh.POST("/:id/pause", h.Pause)
	wh.POST("/:id/resume", h.Resume)
}

type endpointRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func tenantOf(c echo.Context) string {
	return db.TenantFromContext(c.Request().Context())
}

func toHTTPError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// redacted hides the signing secret once it has been returned at creation.
func redacted(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Secret = ""
	return &cp
}

func (h *Handler) Create(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), tenantOf(c), req.URL, req.Events, req.Secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total, err := h.manager.ListEndpoints(c.Request().Context(), tenantOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	out := make([]*Endpoint, len(eps))
	for i, ep := range eps {
		out[i] = redacted(ep)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	ep, err := h.manager.GetEndpoint(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Update(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.UpdateEndpoint(c.Request().Context(), tenantOf(c), c.Param("id"), req.URL, req.Events)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return toHTTPError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.manager.DeleteEndpoint(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Test(c echo.Context) error {
	d, err := h.manager.TestEndpoint(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil && d == nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Deliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	ds, total, err := h.manager.DeliveryLogs(c.Request().Context(), tenantOf(c), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ds, total, pg.Limit, pg.Offset))
}

func (h *Handler) Pause(c echo.Context) error {
	ep, err := h.manager.PauseEndpoint(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) Resume(c echo.Context) error {
	ep, err := h.manager.ResumeEndpoint(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, redacted(ep))
}

func (h *Handler) RetryDelivery(c echo.Context) error {
	d, err := h.manager.RetryDelivery(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil && d == nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
