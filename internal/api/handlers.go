package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	"github.com/saveenergy/quicperf/internal/logging"
	"github.com/saveenergy/quicperf/pkg/errors"
	"github.com/saveenergy/quicperf/pkg/types"
)

// Controller is the session surface the HTTP API drives.
type Controller interface {
	Connect(ctx context.Context, kind types.Kind) (types.ConnectionInfo, error)
	Disconnect() error
	Active() (types.ConnectionInfo, bool)
	Latest() types.Sample
	Endpoint() types.Endpoint
}

type Handler struct {
	session   Controller
	version   string
	onConnect func(types.ConnectionInfo)
}

func NewHandler(session Controller) *Handler {
	return &Handler{session: session}
}

func (h *Handler) SetVersion(version string) {
	if version == "" {
		version = "dev"
	}
	h.version = version
}

// OnConnect registers a hook run after every successful connect.
func (h *Handler) OnConnect(fn func(types.ConnectionInfo)) {
	h.onConnect = fn
}

type VersionResponse struct {
	Version string `json:"version"`
}

type CountResponse struct {
	Endpoint   string                `json:"endpoint"`
	Count      uint64                `json:"count"`
	Sample     types.Sample          `json:"sample"`
	Connection *types.ConnectionInfo `json:"connection,omitempty"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

// Connect handles POST /api/v1/connect?backend=stream|engine. It replaces
// any active connection.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	kind, err := types.ParseKind(r.URL.Query().Get("backend"))
	if err != nil {
		respondError(w, errors.ErrInvalidConfig(err.Error(), nil), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	info, err := h.session.Connect(ctx, kind)
	if err != nil {
		respondError(w, err, statusFor(err))
		return
	}
	if h.onConnect != nil {
		h.onConnect(info)
	}
	respondJSON(w, info, http.StatusOK)
}

// Disconnect handles POST /api/v1/disconnect.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Disconnect(); err != nil {
		respondError(w, err, statusFor(err))
		return
	}
	respondJSON(w, StatusResponse{Status: "disconnected"}, http.StatusOK)
}

// GetCount handles GET /api/v1/count.
func (h *Handler) GetCount(w http.ResponseWriter, r *http.Request) {
	resp := CountResponse{
		Endpoint: h.session.Endpoint().String(),
		Sample:   h.session.Latest(),
	}
	if info, ok := h.session.Active(); ok {
		resp.Count = info.Count
		resp.Connection = &info
	}
	respondJSON(w, resp, http.StatusOK)
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version := h.version
	if version == "" {
		version = "dev"
	}
	respondJSON(w, VersionResponse{Version: version}, http.StatusOK)
}

func statusFor(err error) int {
	var probeErr *errors.ProbeError
	if !stdErrors.As(err, &probeErr) {
		return http.StatusInternalServerError
	}
	switch probeErr.Code {
	case errors.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case errors.ErrCodeClosed, errors.ErrCodeAlreadyStarted:
		return http.StatusConflict
	case errors.ErrCodeInitFailed:
		return http.StatusServiceUnavailable
	case errors.ErrCodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}

func respondError(w http.ResponseWriter, err error, statusCode int) {
	resp := map[string]string{"error": err.Error()}
	var probeErr *errors.ProbeError
	if stdErrors.As(err, &probeErr) {
		resp["error"] = probeErr.Message
		resp["code"] = probeErr.Code
		if probeErr.Cause != nil {
			resp["cause"] = probeErr.Cause.Error()
		}
	}
	respondJSON(w, resp, statusCode)
}
