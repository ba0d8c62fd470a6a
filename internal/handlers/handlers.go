// Package handlers provides the HTTP handlers for the bridge API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bluebridge-api/internal/config"
	"bluebridge-api/internal/managers"
	"bluebridge-api/internal/models"
	"bluebridge-api/internal/session"
)

// Handlers holds the handlers that are not device-specific.
type Handlers struct {
	cfg       *config.Settings
	bluetooth BluetoothService
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *config.Settings, bt BluetoothService) *Handlers {
	return &Handlers{
		cfg:       cfg,
		bluetooth: bt,
		startTime: time.Now(),
	}
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message, Code: status})
}

// writeManagerError maps the manager error taxonomy to HTTP statuses.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, managers.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, managers.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, managers.ErrServiceNotFound):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrConnectionClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, managers.ErrPairingFailed), errors.Is(err, managers.ErrConnectFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, managers.ErrAdapter):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// =============================================================================
// Health
// =============================================================================

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:         "healthy",
		Version:        h.cfg.Version,
		AdapterEnabled: h.bluetooth.IsEnabled(),
		Timestamp:      time.Now(),
	})
}
