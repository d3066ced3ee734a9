package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/shareerr"
)

// ExportRequest is the body of POST /api/exports.
type ExportRequest struct {
	InstanceID string               `json:"instance_id"`
	Options    engine.ExportOptions `json:"options"`
}

// SeedRequest is the body of POST /api/seeds.
type SeedRequest struct {
	ExportID string `json:"export_id"`
	Provider string `json:"provider,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status       string    `json:"status"`
	ActiveShares int       `json:"active_shares"`
	StartedAt    time.Time `json:"started_at"`
}

// statusForKind maps a failure kind to an HTTP status.
func statusForKind(k shareerr.Kind) int {
	switch k {
	case shareerr.AlreadySeeding:
		return http.StatusConflict
	case shareerr.NotFound, shareerr.SourceUnavailable:
		return http.StatusNotFound
	case shareerr.RateLimited:
		return http.StatusTooManyRequests
	case shareerr.TunnelUnavailable, shareerr.NetworkError, shareerr.ConnectionLost:
		return http.StatusServiceUnavailable
	case shareerr.ManifestInvalid, shareerr.MalformedManifest, shareerr.ChecksumMismatch:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError writes err as an ErrorResponse.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := shareerr.KindOf(err)
	resp := ErrorResponse{Error: err.Error(), Kind: string(kind)}
	var se *shareerr.Error
	if errors.As(err, &se) {
		resp.Error = se.Message
		resp.ID = se.ID
		if se.Err != nil {
			resp.Error += ": " + se.Err.Error()
		}
	}
	code := statusForKind(kind)
	if errors.Is(err, context.Canceled) {
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("api request failed", "kind", kind, "error", err)
	}
	writeJSON(w, code, resp)
}

// jsonError writes a plain request error.
func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, ErrorResponse{Error: message, Kind: "bad_request"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleAPIHealth reports liveness.
func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	shares, _ := s.service.GetActiveShares(r.Context())
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "ok",
		ActiveShares: len(shares),
		StartedAt:    s.started,
	})
}

// handleAPIShares returns every active share.
func (s *Server) handleAPIShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.service.GetActiveShares(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

// handleAPIPrepareExport builds a package and returns the prepared export.
func (s *Server) handleAPIPrepareExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InstanceID == "" {
		jsonError(w, http.StatusBadRequest, "instance_id required")
		return
	}

	prepared, err := s.service.PrepareExport(r.Context(), req.InstanceID, req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, prepared)
}

// handleAPIStartSeed starts seeding a prepared export.
func (s *Server) handleAPIStartSeed(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExportID == "" {
		jsonError(w, http.StatusBadRequest, "export_id required")
		return
	}

	share, err := s.service.StartSeed(r.Context(), req.ExportID, req.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

// handleAPIStopSeed stops a seed. Unknown exports still answer 204.
func (s *Server) handleAPIStopSeed(w http.ResponseWriter, r *http.Request) {
	exportID := r.PathValue("export_id")
	if err := s.service.StopSeed(r.Context(), exportID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIProgress returns the latest event of every operation.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Progress())
}

// queryLimit reads ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
