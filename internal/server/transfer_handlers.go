package server

import (
	"net/http"
	"time"
)

// TransferInfo is the JSON representation of a transfer.
type TransferInfo struct {
	ID           int64     `json:"id"`
	Direction    string    `json:"direction"`
	ExportID     string    `json:"export_id,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	Path         string    `json:"path"`
	TotalSize    int64     `json:"total_size"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// ExportInfo is the JSON representation of a prepared export record.
type ExportInfo struct {
	ExportID     string    `json:"export_id"`
	InstanceID   string    `json:"instance_id"`
	InstanceName string    `json:"instance_name"`
	PackagePath  string    `json:"package_path"`
	FileSize     int64     `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// handleAPITransfers returns JSON list of recent transfers.
func (s *Server) handleAPITransfers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.service.Transfers(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, err)
		return
	}

	transfers := make([]TransferInfo, 0, len(rows))
	for _, t := range rows {
		transfers = append(transfers, TransferInfo{
			ID:           t.ID,
			Direction:    t.Direction,
			ExportID:     t.ExportID,
			InstanceID:   t.InstanceID,
			Path:         t.Path,
			TotalSize:    t.TotalSize,
			Status:       t.Status,
			ErrorMessage: t.ErrorMessage,
			StartTime:    t.StartTime,
			EndTime:      t.EndTime,
		})
	}
	writeJSON(w, http.StatusOK, transfers)
}

// handleAPIExports returns prepared exports, newest first.
func (s *Server) handleAPIExports(w http.ResponseWriter, r *http.Request) {
	rows, err := s.service.Exports(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.writeError(w, err)
		return
	}

	exports := make([]ExportInfo, 0, len(rows))
	for _, e := range rows {
		exports = append(exports, ExportInfo{
			ExportID:     e.ExportID,
			InstanceID:   e.InstanceID,
			InstanceName: e.InstanceName,
			PackagePath:  e.PackagePath,
			FileSize:     e.FileSize,
			CreatedAt:    e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, exports)
}
