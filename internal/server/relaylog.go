package server

import (
	"net/http"
	"strconv"
	"time"
)

const maxRelayLogLimit = 1000

type relayLogEntry struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	Endpoint   string    `json:"endpoint"`
	Stream     bool      `json:"stream"`
	Status     int       `json:"status"`
	Lines      int       `json:"lines"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleRelayLog lists the most recent relay records, newest first.
// ?limit=N caps the result (default 100, at most 1000).
func (s *Server) handleRelayLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRelayLogLimit)
	}

	records, err := s.relayLog.Recent(r.Context(), limit)
	if err != nil {
		AddError(r.Context(), err)
		writeDetail(w, http.StatusInternalServerError, "Failed to read relay log")
		return
	}

	data := make([]relayLogEntry, 0, len(records))
	for _, rec := range records {
		data = append(data, relayLogEntry{
			ID:         rec.ID,
			RequestID:  rec.RequestID,
			Endpoint:   rec.Endpoint,
			Stream:     rec.Streaming,
			Status:     rec.Status,
			Lines:      rec.Lines,
			DurationMS: rec.Duration.Milliseconds(),
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}
