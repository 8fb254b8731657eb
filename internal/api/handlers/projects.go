package handlers

import (
	"context"
	"encoding/csv"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"funnelmetrics/internal/billing"
	"funnelmetrics/internal/core"
	"funnelmetrics/internal/types"
)

// ProjectStore persists projects and funnels.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *types.Project, limit billing.Limit) error
	GetProject(ctx context.Context, id, userID string) (*types.Project, error)
	CreateFunnel(ctx context.Context, f *types.Funnel, limit billing.Limit) error
	ListFunnels(ctx context.Context, projectID, userID string) ([]types.Funnel, error)
}

// EntitlementGuards are the plan checks a route can be wrapped in, plus the
// quota lookup that creation hands to the store. *core.Server implements it.
type EntitlementGuards interface {
	RequireActiveSubscription(next http.Handler) http.Handler
	RequireQuota(resource billing.ResourceType) func(http.Handler) http.Handler
	RequireFeature(flag types.FeatureFlag) func(http.Handler) http.Handler
	QuotaLimit(ctx context.Context, userID string, resource billing.ResourceType) (billing.Limit, error)
}

var _ EntitlementGuards = (*core.Server)(nil)

// CreateProjectRequest is the body of POST /v1/projects.
type CreateProjectRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// CreateFunnelRequest is the body of POST /v1/projects/{projectID}/funnels.
type CreateFunnelRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// FunnelListResponse is the body of GET /v1/projects/{projectID}/funnels.
type FunnelListResponse struct {
	Funnels []types.Funnel `json:"funnels"`
}

// ProjectHandler serves the resources whose creation is plan limited.
type ProjectHandler struct {
	store     ProjectStore
	guards    EntitlementGuards
	validator *core.Validator
	logger    *slog.Logger
}

// NewProjectHandler creates a ProjectHandler.
func NewProjectHandler(store ProjectStore, guards EntitlementGuards, v *core.Validator, l *slog.Logger) *ProjectHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &ProjectHandler{store: store, guards: guards, validator: v, logger: l}
}

// RegisterRoutes mounts the project endpoints behind their entitlement
// guards. Every route needs an active subscription; creation also needs
// quota, and export needs the export_data feature.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/projects", func(r chi.Router) {
		r.Use(h.guards.RequireActiveSubscription)

		r.With(h.guards.RequireQuota(billing.ResourceProjects)).Post("/", h.CreateProject)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Get("/funnels", h.ListFunnels)
			r.With(h.guards.RequireQuota(billing.ResourceFunnels)).Post("/funnels", h.CreateFunnel)
			r.With(h.guards.RequireFeature(types.FeatureExportData)).Get("/funnels/export", h.ExportFunnels)
		})
	})
}

// CreateProject handles POST /v1/projects.
func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	var req CreateProjectRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	limit, err := h.guards.QuotaLimit(r.Context(), actor.ID, billing.ResourceProjects)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	project := &types.Project{UserID: actor.ID, Name: req.Name}
	if err := h.store.CreateProject(r.Context(), project, limit); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "project created", "user_id", actor.ID, "project_id", project.ID)
	core.JSON(w, r, http.StatusCreated, project)
}

// GetProject handles GET /v1/projects/{projectID}.
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}
	project, err := h.store.GetProject(r.Context(), chi.URLParam(r, "projectID"), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, project)
}

// CreateFunnel handles POST /v1/projects/{projectID}/funnels.
func (h *ProjectHandler) CreateFunnel(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	var req CreateFunnelRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	project, err := h.store.GetProject(r.Context(), chi.URLParam(r, "projectID"), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	limit, err := h.guards.QuotaLimit(r.Context(), actor.ID, billing.ResourceFunnels)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	funnel := &types.Funnel{ProjectID: project.ID, UserID: actor.ID, Name: req.Name}
	if err := h.store.CreateFunnel(r.Context(), funnel, limit); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "funnel created", "user_id", actor.ID, "funnel_id", funnel.ID)
	core.JSON(w, r, http.StatusCreated, funnel)
}

// ListFunnels handles GET /v1/projects/{projectID}/funnels.
func (h *ProjectHandler) ListFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, ok := h.loadFunnels(w, r)
	if !ok {
		return
	}
	core.JSON(w, r, http.StatusOK, FunnelListResponse{Funnels: funnels})
}

// ExportFunnels handles GET /v1/projects/{projectID}/funnels/export and
// streams the project's funnels as CSV.
func (h *ProjectHandler) ExportFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, ok := h.loadFunnels(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="funnels.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "name", "created_at"})
	for _, f := range funnels {
		_ = cw.Write([]string{f.ID, f.Name, f.CreatedAt.UTC().Format(time.RFC3339)})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.WarnContext(r.Context(), "funnel export interrupted", "error", err)
	}
}

// loadFunnels checks project ownership first so that an unknown project is
// a 404 rather than an empty list.
func (h *ProjectHandler) loadFunnels(w http.ResponseWriter, r *http.Request) ([]types.Funnel, bool) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return nil, false
	}
	projectID := chi.URLParam(r, "projectID")
	if _, err := h.store.GetProject(r.Context(), projectID, actor.ID); err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	funnels, err := h.store.ListFunnels(r.Context(), projectID, actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return nil, false
	}
	if funnels == nil {
		funnels = []types.Funnel{}
	}
	return funnels, true
}
