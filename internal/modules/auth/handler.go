package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/go-chi/chi/v5"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/auth/login", h.login)
}

// RegisterAdminRoutes mounts account management; callers wrap r with RequireRole(RoleAdmin).
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Post("/api/v1/admin/accounts", h.createAccount)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		respond(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a, err := h.service.CreateAccount(r.Context(), req)
	switch {
	case errors.Is(err, apperror.ErrInvalidInput):
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, apperror.ErrDuplicate):
		respond(w, http.StatusConflict, map[string]string{"error": "account already exists"})
	case err != nil:
		respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		respond(w, http.StatusCreated, a)
	}
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
