package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"keygate/internal/config"
	"keygate/internal/middleware"
	sec "keygate/internal/security"
	"keygate/internal/services"
	"keygate/internal/store"
	"keygate/pkg/contracts/domain"
)

// AdminHandler serves the operator endpoints: login plus the lifecycle
// actions the state machine exposes to humans. There is deliberately no
// listing or reporting surface here.
type AdminHandler struct {
	svc      *services.LicenseService
	security config.SecurityConfig
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdminHandler creates the operator handler.
func NewAdminHandler(svc *services.LicenseService, security config.SecurityConfig, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		svc:      svc,
		security: security,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "admin_handler")),
	}
}

// Routes mounts the protected operator endpoints. Login is mounted
// separately by the router so it can sit behind its own rate limit and
// outside the bearer guard.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/licenses", h.CreateLicenses)
	r.Get("/licenses/{id}", h.GetLicense)
	r.Delete("/licenses/{id}", h.DeleteLicense)
	r.Post("/licenses/{id}/ban", h.Ban)
	r.Post("/licenses/{id}/unban", h.Unban)
	r.Post("/licenses/{id}/extend", h.Extend)
	r.Post("/licenses/{id}/reset", h.Reset)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Login handles POST /api/admin/login. Both credential comparisons run in
// constant time and failures are indistinguishable.
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || h.validate.Struct(&req) != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, loginResponse{Success: false, Message: "username and password are required"})
		return
	}

	userOK := sec.SecureCompare([]byte(req.Username), []byte(h.security.AdminUsername))
	passOK := sec.SecureCompare([]byte(req.Password), []byte(h.security.AdminPassword))
	if !userOK || !passOK {
		h.logger.WarnContext(r.Context(), "admin login rejected", slog.String("username", req.Username))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, loginResponse{Success: false, Message: "invalid credentials"})
		return
	}

	token, err := middleware.IssueAdminToken(h.security.AdminUsername, h.security.AdminJWTSecret, h.security.AdminTokenTTL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token issuance failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, loginResponse{Success: false, Message: "internal server error"})
		return
	}

	render.JSON(w, r, loginResponse{
		Success:   true,
		Token:     token,
		ExpiresIn: int64(h.security.AdminTokenTTL.Seconds()),
	})
}

type adminResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, services.ErrNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, adminResponse{Success: false, Message: "license not found"})
		return
	}
	h.logger.ErrorContext(r.Context(), "admin request failed", slog.String("error", err.Error()))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, adminResponse{Success: false, Message: "internal server error"})
}

func licenseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type createLicensesRequest struct {
	SystemType  domain.SystemType  `json:"system_type" validate:"required"`
	MemberLevel domain.MemberLevel `json:"member_level" validate:"required"`
	ValidDays   int                `json:"valid_days" validate:"required,min=1"`
	Count       int                `json:"count" validate:"required,min=1,max=1000"`
	Note        string             `json:"note,omitempty"`
}

// CreateLicenses handles POST /api/admin/licenses.
func (h *AdminHandler) CreateLicenses(w http.ResponseWriter, r *http.Request) {
	var req createLicensesRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || h.validate.Struct(&req) != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: "system_type, member_level, valid_days and count are required"})
		return
	}

	keys, err := h.svc.CreateLicenses(r.Context(), req.SystemType, req.MemberLevel, req.ValidDays, req.Count, req.Note)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: err.Error()})
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, adminResponse{Success: true, Data: map[string]any{"keys": keys}})
}

// licenseView is the operator's read model of a license.
type licenseView struct {
	ID          int64                `json:"id"`
	LicenseKey  string               `json:"license_key"`
	SystemType  domain.SystemType    `json:"system_type"`
	MemberLevel domain.MemberLevel   `json:"member_level"`
	Status      domain.LicenseStatus `json:"status"`
	ValidDays   int                  `json:"valid_days"`
	IsBound     bool                 `json:"is_bound"`
	ActivatedAt *time.Time           `json:"activated_at,omitempty"`
	ExpireAt    *time.Time           `json:"expire_at,omitempty"`
	LastCheckAt *time.Time           `json:"last_check_at,omitempty"`
	Note        string               `json:"note,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

func viewOf(lic *store.License) licenseView {
	return licenseView{
		ID:          lic.ID,
		LicenseKey:  lic.LicenseKey,
		SystemType:  lic.SystemType,
		MemberLevel: lic.MemberLevel,
		Status:      lic.Status,
		ValidDays:   lic.ValidDays,
		IsBound:     lic.Bound(),
		ActivatedAt: lic.ActivatedAt,
		ExpireAt:    lic.ExpireAt,
		LastCheckAt: lic.LastCheckAt,
		Note:        lic.Note,
		CreatedAt:   lic.CreatedAt,
	}
}

// GetLicense handles GET /api/admin/licenses/{id}. The bound machine hash is
// intentionally absent from the view.
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id, err := licenseID(r)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: "invalid license id"})
		return
	}

	lic, err := h.svc.GetLicense(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, adminResponse{Success: true, Data: viewOf(lic)})
}

// DeleteLicense handles DELETE /api/admin/licenses/{id}.
func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "license deleted", h.svc.Delete)
}

// Ban handles POST /api/admin/licenses/{id}/ban.
func (h *AdminHandler) Ban(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "license banned", h.svc.Ban)
}

// Unban handles POST /api/admin/licenses/{id}/unban.
func (h *AdminHandler) Unban(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "license unbanned", h.svc.Unban)
}

// Reset handles POST /api/admin/licenses/{id}/reset.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, "license reset", h.svc.Reset)
}

func (h *AdminHandler) lifecycleAction(w http.ResponseWriter, r *http.Request, message string, action func(ctx context.Context, id int64) error) {
	id, err := licenseID(r)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: "invalid license id"})
		return
	}
	if err := action(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), message, slog.Int64("license_id", id))
	render.JSON(w, r, adminResponse{Success: true, Message: message})
}

type extendRequest struct {
	Days int `json:"days" validate:"required,min=1"`
}

// Extend handles POST /api/admin/licenses/{id}/extend.
func (h *AdminHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, err := licenseID(r)
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: "invalid license id"})
		return
	}

	var req extendRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || h.validate.Struct(&req) != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, adminResponse{Success: false, Message: "days must be a positive integer"})
		return
	}

	newExpire, err := h.svc.Extend(r.Context(), id, req.Days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	render.JSON(w, r, adminResponse{Success: true, Data: map[string]any{"expire_at": newExpire}})
}
