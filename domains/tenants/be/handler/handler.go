package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
)

const (
	problemTypeValidation = "https://atrium.hq/problems/validation-error"
	problemTypeNotFound   = "https://atrium.hq/problems/not-found"
	problemTypeConflict   = "https://atrium.hq/problems/conflict"
	problemTypeInternal   = "https://atrium.hq/problems/internal-error"
)

// Handler exposes the tenant registry and provisioning status over HTTP.
type Handler struct {
	svc    *service.Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc *service.Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("tenants service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the tenant endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/admin/tenants", func(r chi.Router) {
		r.Post("/", h.createTenant)
		r.Get("/", h.listTenants)
		r.Get("/{tenantID}", h.getTenant)
		r.Post("/{tenantID}/retry", h.retryTenant)
		r.Delete("/{tenantID}", h.deleteTenant)
	})
	r.Get("/tenant/provisioning/{tenantID}/status", h.provisioningStatus)
}

type createTenantRequest struct {
	Slug           string  `json:"slug"`
	CompanyName    string  `json:"companyName"`
	AdminEmail     string  `json:"adminEmail"`
	AdminPassword  string  `json:"adminPassword"`
	AdminFirstName *string `json:"adminFirstName,omitempty"`
	AdminLastName  *string `json:"adminLastName,omitempty"`
}

type tenantResponse struct {
	TenantID             uuid.UUID `json:"tenantId"`
	Slug                 string    `json:"slug"`
	CompanyName          string    `json:"companyName"`
	AdminEmail           string    `json:"adminEmail"`
	DBName               string    `json:"dbName"`
	ProvisioningStatus   string    `json:"provisioningStatus"`
	ProvisioningError    *string   `json:"provisioningError,omitempty"`
	ProvisioningAttempts int       `json:"provisioningAttempts"`
	ProvisionedAt        *string   `json:"provisionedAt,omitempty"`
	IsActive             bool      `json:"isActive"`
	CreatedAt            string    `json:"createdAt"`
}

type tenantListResponse struct {
	Items      []tenantResponse `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalItems int              `json:"totalItems"`
	TotalPages int              `json:"totalPages"`
}

type retryResponse struct {
	JobID       uuid.UUID `json:"jobId"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Status      string    `json:"status"`
}

func (h *Handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation,
			"Invalid request body", err.Error())
		return
	}
	if len(req.AdminPassword) < 8 {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation,
			"Invalid request body", "adminPassword must be at least 8 characters")
		return
	}

	// Only the hash travels further; the plaintext stops here.
	hash, err := bcrypt.GenerateFromPassword([]byte(req.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	t, err := h.svc.Create(r.Context(), service.CreateInput{
		Slug:              req.Slug,
		CompanyName:       req.CompanyName,
		AdminEmail:        req.AdminEmail,
		AdminPasswordHash: string(hash),
		AdminFirstName:    req.AdminFirstName,
		AdminLastName:     req.AdminLastName,
	})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/admin/tenants/%s", t.ID))
	h.writeJSON(w, r, http.StatusCreated, toTenantResponse(t))
}

func (h *Handler) listTenants(w http.ResponseWriter, r *http.Request) {
	if slug := r.URL.Query().Get("slug"); slug != "" {
		t, err := h.svc.FindBySlug(r.Context(), slug)
		if err != nil {
			h.serviceError(w, r, err)
			return
		}
		h.writeJSON(w, r, http.StatusOK, tenantListResponse{
			Items: []tenantResponse{toTenantResponse(t)}, Page: 1, PageSize: 1, TotalItems: 1, TotalPages: 1,
		})
		return
	}

	opts := service.ListOptions{}
	if page, err := intQuery(r, "page"); err == nil {
		opts.Page = page
	}
	if size, err := intQuery(r, "pageSize"); err == nil {
		opts.PageSize = size
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := service.StatusFromString(raw)
		opts.Status = &status
	}

	result, err := h.svc.List(r.Context(), opts)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	items := make([]tenantResponse, 0, len(result.Tenants))
	for _, t := range result.Tenants {
		items = append(items, toTenantResponse(t))
	}
	h.writeJSON(w, r, http.StatusOK, tenantListResponse{
		Items:      items,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalItems: result.TotalItems,
		TotalPages: result.TotalPages,
	})
}

func (h *Handler) getTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toTenantResponse(t))
}

func (h *Handler) retryTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	job, err := h.svc.RetryProvisioning(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, retryResponse{
		JobID:       job.ID,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Status:      string(job.Status),
	})
}

func (h *Handler) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	if err := h.svc.Teardown(r.Context(), id); err != nil {
		h.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) provisioningStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	view, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	status := http.StatusOK
	if view.Status == service.ProgressStatusNotFound {
		status = http.StatusNotFound
	}
	h.writeJSON(w, r, status, view)
}

func (h *Handler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation,
			"Invalid tenant id", "tenantID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *jsonschema.ValidationError
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.writeProblem(w, r, http.StatusNotFound, problemTypeNotFound, "Tenant not found", err.Error())
	case errors.Is(err, service.ErrConflictSlug), errors.Is(err, jobqueue.ErrDuplicateJob):
		h.writeProblem(w, r, http.StatusConflict, problemTypeConflict, "Conflict", err.Error())
	case errors.Is(err, service.ErrNotRetryable):
		h.writeProblem(w, r, http.StatusConflict, problemTypeConflict, "Tenant not retryable", err.Error())
	case errors.As(err, &validationErr):
		h.writeProblem(w, r, http.StatusBadRequest, problemTypeValidation, "Invalid request", err.Error())
	default:
		h.internalError(w, r, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("tenant handler failed",
		zap.String("path", r.URL.Path), zap.Error(err))
	h.writeProblem(w, r, http.StatusInternalServerError, problemTypeInternal,
		"Internal error", "an unexpected error occurred")
}

type problemDetails struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problemDetails{
		Type: problemType, Title: title, Status: status, Detail: detail,
	}); err != nil {
		h.logger.Error("encode problem response failed", zap.Error(err))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response failed", zap.Error(err))
	}
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	return strconv.Atoi(raw)
}

func toTenantResponse(t service.Tenant) tenantResponse {
	out := tenantResponse{
		TenantID:             t.ID,
		Slug:                 t.Slug,
		CompanyName:          t.CompanyName,
		AdminEmail:           t.AdminEmail,
		DBName:               t.DBName,
		ProvisioningStatus:   string(t.ProvisioningStatus),
		ProvisioningError:    t.ProvisioningError,
		ProvisioningAttempts: t.ProvisioningAttempts,
		IsActive:             t.IsActive,
		CreatedAt:            t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.ProvisionedAt != nil {
		formatted := t.ProvisionedAt.UTC().Format(time.RFC3339)
		out.ProvisionedAt = &formatted
	}
	return out
}
