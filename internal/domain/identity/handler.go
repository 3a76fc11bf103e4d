package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/redcapid/internal/platform/auth"
	"github.com/ehr/redcapid/internal/platform/redcap"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleCoordinator))
	readGroup.GET("/subjects/:type/:id", h.LookupSubject)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	writeGroup.POST("/subjects", h.AddPatient)
	writeGroup.POST("/subject-ids", h.CreateSubjectIDs)
}

func (h *Handler) AddPatient(c echo.Context) error {
	var req AddPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	enr, err := h.svc.AddPatient(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	if enr.Duplicate {
		return c.JSON(http.StatusOK, enr)
	}
	return c.JSON(http.StatusCreated, enr)
}

func (h *Handler) CreateSubjectIDs(c echo.Context) error {
	ids, err := h.svc.CreateUCSFID()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ids)
}

func (h *Handler) LookupSubject(c echo.Context) error {
	idType, err := ParseIDType(c.Param("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	subj, err := h.svc.Lookup(c.Request().Context(), c.Param("id"), idType)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, subj)
}

// httpError maps service and upstream errors to HTTP status codes.
func httpError(err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidIDType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSubjectNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "subject not found")
	case errors.Is(err, ErrNotConnected):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, redcap.ErrUnauthorized),
		errors.Is(err, redcap.ErrUpstreamUnavailable),
		errors.Is(err, redcap.ErrUpstreamError),
		errors.Is(err, redcap.ErrBadResponse),
		errors.Is(err, redcap.ErrBadRequest):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
