// Package http exposes the license server's HTTP surface: the signed client
// auth endpoints, the operator endpoints, health and metrics.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/security"
	"keygate/internal/services"
	"keygate/pkg/contracts/domain"
)

// AuthHandler serves the signed client-facing license endpoints.
type AuthHandler struct {
	svc      *services.LicenseService
	secret   string
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewAuthHandler creates the client auth handler. secret signs response
// payloads with the same shared secret that authenticated the request.
func NewAuthHandler(svc *services.LicenseService, secret string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:      svc,
		secret:   secret,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "auth_handler")),
		tracer:   otel.Tracer("keygate/transport/http"),
	}
}

// statusFor maps domain denial codes onto HTTP statuses.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidLicense:
		return http.StatusNotFound
	case domain.CodeBanned, domain.CodeExpired, domain.CodeMachineMismatch:
		return http.StatusForbidden
	case domain.CodeAlreadyActivated, domain.CodeNotActivated:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// writeOutcome renders the signed response envelope for a state-machine
// outcome. Success payloads are signed so the client can verify what it
// caches; denials carry no grant and no signature.
func (h *AuthHandler) writeOutcome(w http.ResponseWriter, r *http.Request, out services.Outcome) {
	resp := domain.Response{
		Success: out.OK,
		Code:    out.Code,
		Message: out.Message,
		Data:    out.Grant,
	}
	if out.Grant != nil {
		payload, err := json.Marshal(out.Grant)
		if err != nil {
			h.writeServerError(w, r, err)
			return
		}
		resp.Signature = security.SignPayload(payload, h.secret)
	}

	if !out.OK {
		render.Status(r, statusFor(out.Code))
	}
	render.JSON(w, r, resp)
}

func (h *AuthHandler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, domain.Response{
		Success: false,
		Code:    domain.CodeServerError,
		Message: "internal server error",
	})
}

func (h *AuthHandler) writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, domain.Response{
		Success: false,
		Code:    domain.CodeMissingParams,
		Message: message,
	})
}

// decode parses and validates the JSON request body into dst.
func (h *AuthHandler) decode(r *http.Request, dst any) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

// Activate handles POST /api/auth/activate.
func (h *AuthHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.activate")
	defer span.End()

	var req domain.ActivateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeBadRequest(w, r, "license_key, machine_code and system_type are required")
		return
	}
	span.SetAttributes(
		attribute.String("license.system_type", string(req.SystemType)),
		attribute.Bool("license.force", req.Force),
	)

	out, err := h.svc.Activate(ctx, req.LicenseKey, req.MachineCode, req.SystemType, req.Force, clientOrigin(r))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

// Verify handles POST /api/auth/verify, the client heartbeat.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.verify")
	defer span.End()

	var req domain.VerifyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeBadRequest(w, r, "license_key, machine_code and system_type are required")
		return
	}

	out, err := h.svc.Verify(ctx, req.LicenseKey, req.MachineCode, req.SystemType, clientOrigin(r))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

// Unbind handles POST /api/auth/unbind.
func (h *AuthHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.unbind")
	defer span.End()

	var req domain.UnbindRequest
	if err := h.decode(r, &req); err != nil {
		h.writeBadRequest(w, r, "license_key and machine_code are required")
		return
	}

	out, err := h.svc.UnbindByClient(ctx, req.LicenseKey, req.MachineCode, clientOrigin(r))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}
	h.writeOutcome(w, r, out)
}

// checkResponse is the envelope for the status probe, which returns key
// metadata instead of a grant.
type checkResponse struct {
	Success bool            `json:"success"`
	Code    domain.Code     `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    *domain.KeyInfo `json:"data,omitempty"`
}

// Check handles POST /api/auth/check, the unlogged key status probe.
func (h *AuthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "auth.check")
	defer span.End()

	var req domain.CheckRequest
	if err := h.decode(r, &req); err != nil {
		h.writeBadRequest(w, r, "license_key is required")
		return
	}

	info, err := h.svc.CheckKey(ctx, req.LicenseKey, req.SystemType)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, checkResponse{
				Success: false,
				Code:    domain.CodeInvalidLicense,
				Message: "license key not found",
			})
			return
		}
		if errors.Is(err, services.ErrSystemMismatch) {
			render.Status(r, statusFor(domain.CodeSystemMismatch))
			render.JSON(w, r, checkResponse{
				Success: false,
				Code:    domain.CodeSystemMismatch,
				Message: "license is for a different product",
			})
			return
		}
		h.writeServerError(w, r, err)
		return
	}
	render.JSON(w, r, checkResponse{Success: true, Data: info})
}

// clientOrigin is the caller address recorded in the activation ledger.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
