package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/config"
	"bluebridge-api/internal/models"
	"bluebridge-api/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// BluetoothService is the manager surface the HTTP layer consumes.
// Implemented by *managers.BluetoothManager.
type BluetoothService interface {
	IsEnabled() bool
	Enable() error
	Disable() error
	Scan(ctx context.Context, timeout time.Duration) ([]models.DeviceInfo, error)
	GetDeviceInfo(ctx context.Context, device string) (models.DeviceInfo, error)
	Pair(ctx context.Context, device, pin string, trust bool) error
	Unpair(ctx context.Context, device string) error
	IsPaired(ctx context.Context, device string) bool
	IsDeviceConnected(ctx context.Context, device string) bool
	Connect(ctx context.Context, device string) (*session.Session, error)
	Disconnect(ctx context.Context, device string) error
	DisconnectAll()
	ActiveConnections() []models.ConnectionInfo
	Session(ctx context.Context, device string) (*session.Session, error)
}

// BluetoothHandler handles adapter, device, and connection endpoints.
type BluetoothHandler struct {
	cfg       *config.Settings
	bluetooth BluetoothService
}

// NewBluetoothHandler creates a new BluetoothHandler instance.
func NewBluetoothHandler(cfg *config.Settings, bt BluetoothService) *BluetoothHandler {
	return &BluetoothHandler{
		cfg:       cfg,
		bluetooth: bt,
	}
}

// Routes returns the router for bluetooth endpoints.
func (h *BluetoothHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/adapter", h.AdapterStatus)
	r.Post("/adapter/enable", h.EnableAdapter)
	r.Post("/adapter/disable", h.DisableAdapter)

	r.Post("/scan", h.Scan)

	r.Get("/devices/{device}", h.GetDevice)
	r.Get("/devices/{device}/status", h.DeviceStatus)
	r.Post("/devices/{device}/pair", h.Pair)
	r.Delete("/devices/{device}/pair", h.Unpair)
	r.Post("/devices/{device}/connect", h.Connect)
	r.Delete("/devices/{device}/connect", h.Disconnect)

	r.Post("/devices/{device}/messages", h.SendMessage)
	r.Get("/devices/{device}/messages", h.ReceiveMessage)
	r.Post("/devices/{device}/exchange", h.Exchange)
	r.Get("/devices/{device}/stream", h.Stream)

	r.Get("/connections", h.ListConnections)
	r.Delete("/connections", h.DisconnectAll)

	return r
}

// =============================================================================
// Adapter
// =============================================================================

func (h *BluetoothHandler) AdapterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.AdapterStatusResponse{
		Adapter: h.cfg.AdapterName,
		Enabled: h.bluetooth.IsEnabled(),
	})
}

func (h *BluetoothHandler) EnableAdapter(w http.ResponseWriter, r *http.Request) {
	if err := h.bluetooth.Enable(); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AdapterStatusResponse{
		Adapter: h.cfg.AdapterName,
		Enabled: true,
	})
}

func (h *BluetoothHandler) DisableAdapter(w http.ResponseWriter, r *http.Request) {
	if err := h.bluetooth.Disable(); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.AdapterStatusResponse{
		Adapter: h.cfg.AdapterName,
		Enabled: false,
	})
}

// =============================================================================
// Discovery
// =============================================================================

func (h *BluetoothHandler) Scan(w http.ResponseWriter, r *http.Request) {
	timeout, err := timeoutParam(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid timeout parameter")
		return
	}

	devices, err := h.bluetooth.Scan(r.Context(), timeout)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (h *BluetoothHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	info, err := h.bluetooth.GetDeviceInfo(r.Context(), chi.URLParam(r, "device"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *BluetoothHandler) DeviceStatus(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	writeJSON(w, http.StatusOK, models.DeviceStatusResponse{
		Address:   device,
		Paired:    h.bluetooth.IsPaired(r.Context(), device),
		Connected: h.bluetooth.IsDeviceConnected(r.Context(), device),
	})
}

// =============================================================================
// Pairing
// =============================================================================

func (h *BluetoothHandler) Pair(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")

	var req struct {
		Pin   string `json:"pin"`
		Trust *bool  `json:"trust"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	// Trust defaults to on; only an explicit "trust": false disables it.
	trust := true
	if req.Trust != nil {
		trust = *req.Trust
	}

	if err := h.bluetooth.Pair(r.Context(), device, req.Pin, trust); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Status: "paired",
		Device: device,
	})
}

func (h *BluetoothHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if err := h.bluetooth.Unpair(r.Context(), device); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Status: "unpaired",
		Device: device,
	})
}

// =============================================================================
// Connections
// =============================================================================

func (h *BluetoothHandler) Connect(w http.ResponseWriter, r *http.Request) {
	sess, err := h.bluetooth.Connect(r.Context(), chi.URLParam(r, "device"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (h *BluetoothHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	if err := h.bluetooth.Disconnect(r.Context(), device); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{
		Status: "disconnected",
		Device: device,
	})
}

func (h *BluetoothHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.bluetooth.ActiveConnections()
	if conns == nil {
		conns = []models.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (h *BluetoothHandler) DisconnectAll(w http.ResponseWriter, r *http.Request) {
	h.bluetooth.DisconnectAll()
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "disconnected"})
}

// =============================================================================
// Messaging
// =============================================================================

func (h *BluetoothHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sess, rec, ok := h.sessionAndRecord(w, r)
	if !ok {
		return
	}
	if err := sess.Send(rec); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReceiveMessage pops one pending inbound record, if any. 204 means the
// inbox is empty right now.
func (h *BluetoothHandler) ReceiveMessage(w http.ResponseWriter, r *http.Request) {
	sess, err := h.bluetooth.Session(r.Context(), chi.URLParam(r, "device"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	rec := sess.Receive()
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *BluetoothHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	timeout, err := timeoutParam(r, h.cfg.ExchangeTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid timeout parameter")
		return
	}

	sess, rec, ok := h.sessionAndRecord(w, r)
	if !ok {
		return
	}
	if err := sess.SendAndReceive(rec, timeout); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *BluetoothHandler) sessionAndRecord(w http.ResponseWriter, r *http.Request) (*session.Session, *models.MessageRecord, bool) {
	sess, err := h.bluetooth.Session(r.Context(), chi.URLParam(r, "device"))
	if err != nil {
		writeManagerError(w, err)
		return nil, nil, false
	}
	var rec models.MessageRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, nil, false
	}
	return sess, &rec, true
}

// timeoutParam reads the "timeout" query parameter as seconds.
func timeoutParam(r *http.Request, fallback time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, strconv.ErrSyntax
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// =============================================================================
// Streaming
// =============================================================================

// Stream upgrades to a websocket and pushes inbound records as they arrive.
// The socket closes when the client goes away or the session ends.
func (h *BluetoothHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sess, err := h.bluetooth.Session(r.Context(), chi.URLParam(r, "device"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reader goroutine only to detect client close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := h.cfg.ReadPollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		for {
			rec := sess.Receive()
			if rec == nil {
				break
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
		if !sess.IsConnected() {
			return
		}
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}
	}
}
