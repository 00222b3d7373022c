package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircache/internal/cache"
	"github.com/ehr/fhircache/internal/domain/patient"
	"github.com/ehr/fhircache/internal/platform/activity"
	"github.com/ehr/fhircache/internal/platform/fhir"
	"github.com/ehr/fhircache/internal/remote"
	"github.com/ehr/fhircache/pkg/pagination"
)

const mimeFHIRJSON = "application/fhir+json"

// Handler exposes the router over HTTP: FHIR JSON under /fhir and the flat
// form API under /api/v1.
type Handler struct {
	router   *Router
	activity *activity.Log
	logger   zerolog.Logger
}

func NewHandler(r *Router, log *activity.Log, logger zerolog.Logger) *Handler {
	return &Handler{router: r, activity: log, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.POST("/patients", h.CreatePatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)

	api.GET("/sync", h.SyncStatus)
	api.POST("/sync", h.SyncNow)
	api.GET("/activity", h.Activity)

	fhirGroup.GET("/Patient", h.SearchPatientsFHIR)
	fhirGroup.GET("/Patient/:id", h.GetPatientFHIR)
	fhirGroup.POST("/Patient", h.CreatePatientFHIR)
	fhirGroup.PUT("/Patient/:id", h.UpdatePatientFHIR)
	fhirGroup.DELETE("/Patient/:id", h.DeletePatientFHIR)
}

// SyncDetail reports sync state for the readiness probe.
func (h *Handler) SyncDetail(ctx context.Context) (string, interface{}) {
	st, err := h.router.SyncStatus(ctx)
	if err != nil {
		return "sync", map[string]string{"error": err.Error()}
	}
	return "sync", st
}

// -- FHIR Handlers --

func (h *Handler) SearchPatientsFHIR(c echo.Context) error {
	q, qs, err := searchQuery(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("query", err.Error()))
	}
	page, err := h.router.Search(c.Request().Context(), q)
	if err != nil {
		return h.fhirError(c, err)
	}

	entries := make([]fhir.SearchEntry, len(page.Records))
	for i, r := range page.Records {
		entries[i] = fhir.SearchEntry{ID: r.ID, Resource: r.Payload}
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(entries, fhir.SearchBundleParams{
		BaseURL:      c.Request().URL.Path,
		ResourceType: fhir.ResourceTypePatient,
		QueryStr:     qs,
		Count:        q.Limit,
		Offset:       q.Offset,
		Total:        page.Total,
	}))
}

func (h *Handler) GetPatientFHIR(c echo.Context) error {
	r, err := h.router.Read(c.Request().Context(), c.Param("id"), onlyIfCached(c))
	if err != nil {
		return h.fhirError(c, err)
	}
	return fhirResource(c, http.StatusOK, r)
}

func (h *Handler) CreatePatientFHIR(c echo.Context) error {
	body, err := readJSON(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}
	r, err := h.router.Create(c.Request().Context(), body)
	if err != nil {
		return h.fhirError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Patient/"+r.ID)
	return fhirResource(c, http.StatusCreated, r)
}

func (h *Handler) UpdatePatientFHIR(c echo.Context) error {
	body, err := readJSON(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error()))
	}
	r, err := h.router.Update(c.Request().Context(), c.Param("id"), body)
	if err != nil {
		return h.fhirError(c, err)
	}
	return fhirResource(c, http.StatusOK, r)
}

func (h *Handler) DeletePatientFHIR(c echo.Context) error {
	if err := h.router.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.fhirError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Flat API Handlers --

func (h *Handler) ListPatients(c echo.Context) error {
	q, _, err := searchQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page, err := h.router.Search(c.Request().Context(), q)
	if err != nil {
		return h.apiError(err)
	}
	forms := make([]*patient.Form, 0, len(page.Records))
	for _, r := range page.Records {
		f, err := patient.FormFromResource(r.Payload)
		if err != nil {
			return h.apiError(err)
		}
		forms = append(forms, f)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(forms, page.Total, pagination.Params{Limit: q.Limit, Offset: q.Offset}))
}

func (h *Handler) GetPatient(c echo.Context) error {
	r, err := h.router.Read(c.Request().Context(), c.Param("id"), onlyIfCached(c))
	if err != nil {
		return h.apiError(err)
	}
	return formResponse(c, http.StatusOK, r)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var f patient.Form
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := h.router.CreateForm(c.Request().Context(), &f)
	if err != nil {
		return h.apiError(err)
	}
	return formResponse(c, http.StatusCreated, r)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var f patient.Form
	if err := c.Bind(&f); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	r, err := h.router.UpdateForm(c.Request().Context(), c.Param("id"), &f)
	if err != nil {
		return h.apiError(err)
	}
	return formResponse(c, http.StatusOK, r)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	if err := h.router.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.apiError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Sync and Monitoring Handlers --

func (h *Handler) SyncNow(c echo.Context) error {
	res, err := h.router.SyncNow(c.Request().Context())
	if err != nil {
		return h.apiError(err)
	}
	if res.Skipped {
		return c.JSON(http.StatusConflict, fhir.InformationOutcome("a sync cycle is already running"))
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SyncStatus(c echo.Context) error {
	st, err := h.router.SyncStatus(c.Request().Context())
	if err != nil {
		return h.apiError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Activity(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.activity.Recent(limit))
}

// -- Helpers --

// searchQuery builds a cache query from the request. The second result is
// the filter and sort part of the query string, for bundle links.
func searchQuery(c echo.Context) (cache.Query, string, error) {
	pg, err := pagination.FromContext(c)
	if err != nil {
		return cache.Query{}, "", err
	}
	q := cache.Query{
		Filters: map[string]string{},
		Sort:    fhir.ParseSort(c.QueryParam("_sort")),
		Offset:  pg.Offset,
		Limit:   pg.Limit,
	}
	echoed := url.Values{}
	for key, vals := range c.QueryParams() {
		if pagination.IsControl(key) || len(vals) == 0 {
			continue
		}
		if len(vals) > 1 {
			return cache.Query{}, "", fmt.Errorf("filter %q given more than once", key)
		}
		if vals[0] == "" {
			continue
		}
		q.Filters[key] = vals[0]
		echoed.Set(key, vals[0])
	}
	if len(q.Sort) > 0 {
		echoed.Set("_sort", fhir.FormatSort(q.Sort))
	}
	return q, echoed.Encode(), nil
}

func onlyIfCached(c echo.Context) bool {
	for _, v := range c.Request().Header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			if strings.TrimSpace(d) == "only-if-cached" {
				return true
			}
		}
	}
	return false
}

func readJSON(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}

func fhirResource(c echo.Context, status int, r *cache.Record) error {
	c.Response().Header().Set("Last-Modified", r.LastUpdated.UTC().Format(http.TimeFormat))
	return c.Blob(status, mimeFHIRJSON, r.Payload)
}

func formResponse(c echo.Context, status int, r *cache.Record) error {
	f, err := patient.FormFromResource(r.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(status, f)
}

// errorStatus maps an error to an HTTP status and OperationOutcome. A remote
// error keeps the remote's status and outcome.
func errorStatus(err error) (int, *fhir.OperationOutcome) {
	var ve *patient.ValidationError
	var re *remote.Error
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, ve.Outcome()
	case errors.Is(err, cache.ErrUnknownField):
		return http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, err.Error())
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	case errors.Is(err, remote.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, fhir.TimeoutOutcome(err.Error())
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrMalformed):
		return http.StatusBadGateway, fhir.UnavailableOutcome(err.Error())
	case errors.As(err, &re) && re.StatusCode != 0:
		if re.Outcome != nil {
			return re.StatusCode, re.Outcome
		}
		return re.StatusCode, fhir.ErrorOutcome(re.Message)
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
	}
}

func (h *Handler) fhirError(c echo.Context, err error) error {
	status, outcome := errorStatus(err)
	h.logFailure(status, err)
	return c.JSON(status, outcome)
}

// apiError renders err for the flat API: a message plus, for validation
// failures, the per-field issues.
func (h *Handler) apiError(err error) error {
	status, outcome := errorStatus(err)
	h.logFailure(status, err)
	body := map[string]interface{}{"message": outcome.Diagnostics()}
	var ve *patient.ValidationError
	if errors.As(err, &ve) {
		body["issues"] = ve.Issues
	}
	return echo.NewHTTPError(status, body)
}

func (h *Handler) logFailure(status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
}
