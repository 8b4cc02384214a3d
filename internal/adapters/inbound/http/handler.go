// handler.go provides the REST API handlers of the history service.
//
// Routes:
//   - GET /contracts/{address}                    observable variables (?include=abi adds the raw ABI)
//   - GET /contracts/{address}/history?variable=  time series of one variable
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/archon-research/stl/stl-history/internal/pkg/apperr"
	"github.com/archon-research/stl/stl-history/internal/ports/inbound"
)

// Handler implements HTTP handlers for the API.
type Handler struct {
	service inbound.ContractService
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler with the given service.
func NewHandler(service inbound.ContractService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger.With("component", "http-handler"),
	}
}

// RegisterRoutes registers the HTTP routes with the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /contracts/{address}", h.GetContract)
	mux.HandleFunc("GET /contracts/{address}/history", h.GetVariableHistory)
	mux.HandleFunc("GET /contracts/{address}/history/", h.GetVariableHistory)
	mux.HandleFunc("/", h.NotFound)
}

// NotFound answers unknown routes with the JSON error envelope.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.logger, http.StatusNotFound, errorBody{Message: "Not Found", Error: apperr.KindNotFound})
}

// GetContract handles GET /contracts/{address}.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	includeABI := r.URL.Query().Get("include") == "abi"

	meta, err := h.service.GetContract(r.Context(), r.PathValue("address"), includeABI)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, meta)
}

// GetVariableHistory handles GET /contracts/{address}/history.
func (h *Handler) GetVariableHistory(w http.ResponseWriter, r *http.Request) {
	series, err := h.service.GetVariableHistory(r.Context(), r.PathValue("address"), r.URL.Query().Get("variable"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, h.logger, http.StatusOK, series)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Message string      `json:"message"`
	Error   apperr.Kind `json:"error"`
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		if errors.Is(err, apperr.ErrUnknownVariable) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case apperr.KindUpstream:
		var ue *apperr.UpstreamError
		if errors.As(err, &ue) && ue.Timeout() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind := apperr.KindOf(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		h.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}

	respondJSON(w, h.logger, status, errorBody{Message: err.Error(), Error: kind})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
