package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/permission"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

// Permission keys declared by the admin surface itself.
const (
	PermAdminUserView   = "admin-user:view"
	PermAdminUserCreate = "admin-user:create"
	PermAdminUserUpdate = "admin-user:update"
	PermAdminUserDelete = "admin-user:delete"
	PermAdminUserAssign = "admin-user:assign"

	PermRoleView   = "role:view"
	PermRoleCreate = "role:create"
	PermRoleUpdate = "role:update"
	PermRoleDelete = "role:delete"
	PermRoleAssign = "role:assign"

	PermPermissionView   = "permission:view"
	PermPermissionCreate = "permission:create"
	PermPermissionUpdate = "permission:update"
	PermPermissionDelete = "permission:delete"
)

// CoreCatalog lists the admin surface's own permissions, seeded at startup.
func CoreCatalog() map[string]string {
	return map[string]string{
		PermAdminUserView:    "View admin accounts",
		PermAdminUserCreate:  "Provision admin accounts",
		PermAdminUserUpdate:  "Update admin accounts",
		PermAdminUserDelete:  "Deactivate admin accounts",
		PermAdminUserAssign:  "Assign roles to admin accounts",
		PermRoleView:         "View roles",
		PermRoleCreate:       "Create roles",
		PermRoleUpdate:       "Update roles",
		PermRoleDelete:       "Delete roles",
		PermRoleAssign:       "Grant permissions to roles",
		PermPermissionView:   "View the permission catalog",
		PermPermissionCreate: "Create catalog entries",
		PermPermissionUpdate: "Update catalog entries",
		PermPermissionDelete: "Delete catalog entries",
	}
}

// Handler exposes the admin CRUD and assignment endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	mw       Middleware
	validate *validator.Validate
}

// NewHandler builds the RBAC HTTP handler.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		mw:       mw,
		validate: validator.New(),
	}
}

// MountRoutes registers the admin routes. Each operation declares its
// requirement statically; the middleware reads it through a uniform lookup.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/admin-users", func(r chi.Router) {
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserView}})).Get("/", h.listAdminUsers)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserCreate}})).Post("/", h.createAdminUser)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserView}})).Get("/{id}", h.getAdminUser)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserUpdate}})).Patch("/{id}", h.updateAdminUser)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserDelete}})).Delete("/{id}", h.deleteAdminUser)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserView}})).Get("/{id}/roles", h.getAdminUserRoles)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermAdminUserAssign}})).Put("/{id}/roles", h.replaceAdminUserRoles)
	})

	r.Route("/roles", func(r chi.Router) {
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleView}})).Get("/", h.listRoles)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleCreate}})).Post("/", h.createRole)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleView}})).Get("/{id}", h.getRole)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleUpdate}})).Patch("/{id}", h.updateRole)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleDelete}})).Delete("/{id}", h.deleteRole)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleView}})).Get("/{id}/permissions", h.getRolePermissions)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermRoleAssign}})).Put("/{id}/permissions", h.replaceRolePermissions)
	})

	r.Route("/permissions", func(r chi.Router) {
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermPermissionView}})).Get("/", h.listPermissions)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermPermissionCreate}})).Post("/", h.createPermission)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermPermissionUpdate}})).Patch("/{id}", h.updatePermission)
		r.With(h.mw.Require(Requirement{AnyOf: []string{PermPermissionDelete}})).Delete("/{id}", h.deletePermission)
	})

	// Capability map for the current principal; any admin may probe their
	// own access, so the route only gates on the system group.
	r.With(h.mw.RequireGroups(GroupAdmin)).Get("/access-context", h.accessContext)
}

func (h *Handler) actor(r *http.Request) Actor {
	var actorID string
	if grants := GrantsFromContext(r.Context()); grants != nil {
		actorID = grants.AdminUserID
	}
	return Actor{
		AdminUserID: actorID,
		Request: audit.RequestContext{
			RequestID: chimw.GetReqID(r.Context()),
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
		},
	}
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: malformed request body", httpx.ErrValidation)
	}
	if err := h.validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	return nil
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) &&
		!errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrForbidden) &&
		!errors.Is(err, httpx.ErrUnauthorized) {
		h.logger.Error("rbac handler", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// ============================================================================
// ADMIN USERS
// ============================================================================

func (h *Handler) listAdminUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListAdminUsers(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"adminUsers": toAdminUserViews(users)})
}

func (h *Handler) createAdminUser(w http.ResponseWriter, r *http.Request) {
	var req CreateAdminUserRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	user, err := h.service.CreateAdminUser(r.Context(), req, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAdminUserView(*user))
}

func (h *Handler) getAdminUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetAdminUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAdminUserView(*user))
}

func (h *Handler) updateAdminUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateAdminUserRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	user, err := h.service.UpdateAdminUser(r.Context(), chi.URLParam(r, "id"), req, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAdminUserView(*user))
}

func (h *Handler) deleteAdminUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteAdminUser(r.Context(), chi.URLParam(r, "id"), h.actor(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replaceIDsRequest struct {
	IDs []string `json:"ids"`
}

func (h *Handler) getAdminUserRoles(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.RoleIDsForAdminUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (h *Handler) replaceAdminUserRoles(w http.ResponseWriter, r *http.Request) {
	var req replaceIDsRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if err := h.service.ReplaceRoles(r.Context(), chi.URLParam(r, "id"), req.IDs, h.actor(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// ROLES
// ============================================================================

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": toRoleViews(roles)})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), req, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleView(*role))
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(*role))
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "id"), req, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleView(*role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "id"), h.actor(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.PermissionIDsForRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ids": ids})
}

func (h *Handler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req replaceIDsRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if err := h.service.ReplacePermissions(r.Context(), chi.URLParam(r, "id"), req.IDs, h.actor(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// PERMISSIONS
// ============================================================================

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": toPermissionViews(perms)})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), req, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPermissionView(*perm))
}

type updatePermissionRequest struct {
	Description string `json:"description"`
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := h.decode(r, &req); err != nil {
		h.respondErr(w, r, err)
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), chi.URLParam(r, "id"), req.Description, h.actor(r))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionView(*perm))
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePermission(r.Context(), chi.URLParam(r, "id"), h.actor(r)); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// ACCESS CONTEXT
// ============================================================================

func (h *Handler) accessContext(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	grants, err := h.mw.Guard.resolver.ResolveForSubject(r.Context(), p.SubjectID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if grants == nil {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	catalog, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	keys := make([]string, 0, len(catalog))
	for _, perm := range catalog {
		keys = append(keys, perm.Key)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"roleNames":    grants.RoleNames,
		"capabilities": permission.BuildCapabilityMap(keys, grants.Permissions),
	})
}

// ============================================================================
// VIEWS
// ============================================================================

type adminUserView struct {
	ID        string `json:"id"`
	SubjectID string `json:"subjectId"`
	Email     string `json:"email"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toAdminUserView(user AdminUser) adminUserView {
	return adminUserView{
		ID:        user.ID,
		SubjectID: user.SubjectID,
		Email:     user.Email,
		Status:    string(user.Status),
		CreatedAt: user.CreatedAt.Format(timeFormat),
		UpdatedAt: user.UpdatedAt.Format(timeFormat),
	}
}

func toAdminUserViews(users []AdminUser) []adminUserView {
	views := make([]adminUserView, len(users))
	for i, user := range users {
		views[i] = toAdminUserView(user)
	}
	return views
}

type roleView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toRoleView(role Role) roleView {
	return roleView{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		CreatedAt:   role.CreatedAt.Format(timeFormat),
		UpdatedAt:   role.UpdatedAt.Format(timeFormat),
	}
}

func toRoleViews(roles []Role) []roleView {
	views := make([]roleView, len(roles))
	for i, role := range roles {
		views[i] = toRoleView(role)
	}
	return views
}

type permissionView struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

func toPermissionView(perm Permission) permissionView {
	return permissionView{
		ID:          perm.ID,
		Key:         perm.Key,
		Description: perm.Description,
		CreatedAt:   perm.CreatedAt.Format(timeFormat),
	}
}

func toPermissionViews(perms []Permission) []permissionView {
	views := make([]permissionView, len(perms))
	for i, perm := range perms {
		views[i] = toPermissionView(perm)
	}
	return views
}

const timeFormat = "2006-01-02T15:04:05Z07:00"
