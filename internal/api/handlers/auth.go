// Package handlers contains the HTTP handlers of the FunnelMetrics API.
//
// Each handler decodes and validates the request, delegates to a service and
// encodes the result with core.JSON or core.Error. Dependencies are narrow
// interfaces declared here so that tests can substitute them.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"funnelmetrics/internal/auth"
	"funnelmetrics/internal/core"
	"funnelmetrics/internal/types"
)

// AuthService is the part of auth.Service used by AuthHandler.
type AuthService interface {
	Register(ctx context.Context, email, password, name string) (*types.User, error)
	Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
	GetUser(ctx context.Context, userID string) (*types.User, error)
	RequestPasswordReset(ctx context.Context, email string) error
	CompletePasswordReset(ctx context.Context, token, newPassword string) error
}

// LoginHistoryReader lists a user's recent login attempts.
type LoginHistoryReader interface {
	History(ctx context.Context, userID string, limit int) ([]types.LoginAttempt, error)
}

// RegisterRequest is the body of POST /v1/auth/register.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
	Name     string `json:"name" validate:"max=100"`
}

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ForgotPasswordRequest is the body of POST /v1/auth/forgot-password.
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest is the body of POST /v1/auth/reset-password. Token
// comes from the emailed link.
type ResetPasswordRequest struct {
	Token           string `json:"token" validate:"required,max=128"`
	Password        string `json:"password" validate:"required,max=72"`
	ConfirmPassword string `json:"confirm_password" validate:"required,eqfield=Password"`
}

// MessageResponse is a human-readable acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// LoginResponse carries the bearer token of a successful login.
type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        *types.User `json:"user"`
}

// LoginHistoryResponse is the body of GET /v1/auth/login-history.
type LoginHistoryResponse struct {
	Attempts []types.LoginAttempt `json:"attempts"`
}

// AuthHandler serves registration, login, password reset, the current
// account and login history.
type AuthHandler struct {
	service   AuthService
	history   LoginHistoryReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(svc AuthService, history LoginHistoryReader, v *core.Validator, l *slog.Logger) *AuthHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &AuthHandler{service: svc, history: history, validator: v, logger: l}
}

// RegisterRoutes mounts the auth endpoints. Register, login and the password
// reset pair are listed as public paths in core; the rest require a bearer
// token.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)
		r.Get("/me", h.Me)
		r.Get("/login-history", h.LoginHistory)
	})
}

// Register handles POST /v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, user)
}

// Login handles POST /v1/auth/login. The client address, user agent and
// edge location feed brute force protection and the suspicious login check.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IP:        core.ClientIP(r),
		UserAgent: r.UserAgent(),
		Location:  core.ClientLocation(r),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, LoginResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   result.ExpiresAt,
		User:        result.User,
	})
}

// ForgotPassword handles POST /v1/auth/forgot-password. The response is the
// same whether or not the email belongs to an account.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.logger.WarnContext(r.Context(), "password reset request failed", "error", err)
	}

	core.JSON(w, r, http.StatusOK, MessageResponse{
		Message: "If an account exists with that email, a password reset link has been sent.",
	})
}

// ResetPassword handles POST /v1/auth/reset-password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.service.CompletePasswordReset(r.Context(), req.Token, req.Password); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, MessageResponse{Message: "Password has been reset successfully."})
}

// Me handles GET /v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetUser(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, user)
}

// LoginHistory handles GET /v1/auth/login-history?limit=N.
func (h *AuthHandler) LoginHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFrom(w, r)
	if !ok {
		return
	}

	limit := auth.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody,
				"limit must be a positive integer", err, map[string]any{"limit": raw}))
			return
		}
		limit = n
	}

	attempts, err := h.history.History(r.Context(), actor.ID, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load login history", "user_id", actor.ID, "error", err)
		core.Error(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []types.LoginAttempt{}
	}
	core.JSON(w, r, http.StatusOK, LoginHistoryResponse{Attempts: attempts})
}
