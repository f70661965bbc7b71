package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"devchain/internal/auth"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
	"devchain/pkg/validator"
)

// AuthHandler exposes actor registration and login.
type AuthHandler struct {
	service   *auth.Service
	validator *validator.Validator
	logger    logger.Logger
}

func NewAuthHandler(service *auth.Service, val *validator.Validator, log logger.Logger) *AuthHandler {
	return &AuthHandler{
		service:   service,
		validator: val,
		logger:    log,
	}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Register(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, pkgerrors.ErrActorAlreadyExists):
			h.respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, pkgerrors.ErrInvalidRole):
			h.respondError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Registration failed", map[string]interface{}{
				"email": req.Email,
				"error": err.Error(),
			})
			h.respondError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.Login(r.Context(), &req)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) {
			h.respondError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		h.logger.Error("Login failed", map[string]interface{}{
			"email": req.Email,
			"error": err.Error(),
		})
		h.respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *AuthHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
