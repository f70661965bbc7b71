// Package handler provides the HTTP surface over the device lifecycle services.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"devchain/internal/device"
	"devchain/internal/domain"
	"devchain/internal/middleware"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
	"devchain/pkg/validator"
)

// DeviceHandler exposes the lifecycle transitions and the read path.
type DeviceHandler struct {
	coordinator *device.Coordinator
	queries     *device.QueryService
	validator   *validator.Validator
	logger      logger.Logger
}

func NewDeviceHandler(coordinator *device.Coordinator, queries *device.QueryService, val *validator.Validator, log logger.Logger) *DeviceHandler {
	return &DeviceHandler{
		coordinator: coordinator,
		queries:     queries,
		validator:   val,
		logger:      log,
	}
}

// TransitionRequest is the body of every transition route.
type TransitionRequest struct {
	Serial string `json:"serial" validate:"required,serial"`
}

// RegisterDevice handles POST /devices/register (manufacturer only).
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.TransitionRegister)
}

// ShipDevice handles POST /devices/ship (shipper only).
func (h *DeviceHandler) ShipDevice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.TransitionShip)
}

// ActivateDevice handles POST /devices/activate (customer only).
func (h *DeviceHandler) ActivateDevice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, domain.TransitionActivate)
}

func (h *DeviceHandler) transition(w http.ResponseWriter, r *http.Request, kind domain.TransitionKind) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req TransitionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "Request body is required")
			return
		}
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.coordinator.Transition(r.Context(), actor, req.Serial, kind)
	if err != nil {
		h.logger.Warn("Transition rejected", map[string]interface{}{
			"serial": req.Serial,
			"kind":   string(kind),
			"actor":  actor.ID,
			"error":  err.Error(),
		})
		h.respondError(w, transitionStatus(err), err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetDevice handles GET /devices/{serial}. ?strong=true reads through to the
// ledger and reconciles the mirror before answering.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	strong := r.URL.Query().Get("strong") == "true"

	dev, err := h.queries.GetBySerial(r.Context(), serial, strong)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrDeviceNotFound) {
			h.respondError(w, http.StatusNotFound, "Device not found")
			return
		}
		h.logger.Error("Device lookup failed", map[string]interface{}{
			"serial": serial,
			"strong": strong,
			"error":  err.Error(),
		})
		h.respondError(w, http.StatusServiceUnavailable, "Device lookup failed")
		return
	}

	h.respondJSON(w, http.StatusOK, dev)
}

// ListDevices handles GET /devices, filtered by the actor's role association.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	devices, err := h.queries.ListForActor(r.Context(), actor)
	if err != nil {
		h.logger.Error("Device listing failed", map[string]interface{}{
			"actor": actor.ID,
			"error": err.Error(),
		})
		h.respondError(w, http.StatusServiceUnavailable, "Failed to fetch devices")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// transitionStatus maps the error taxonomy onto HTTP statuses. Ambiguity is
// resolved inside the coordinator and never reaches a caller.
func transitionStatus(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrRoleNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, pkgerrors.ErrInvalidStateForTransition),
		errors.Is(err, pkgerrors.ErrDeviceAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pkgerrors.ErrStoreUnavailable), errors.Is(err, pkgerrors.ErrAmbiguousOutcome):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *DeviceHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *DeviceHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
