package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/anthropics/gander/internal/store"
)

// ExportFormat represents supported export formats.
type ExportFormat string

const (
	FormatNDJSON ExportFormat = "ndjson"
	FormatCSV    ExportFormat = "csv"

	// MaxCSVRows limits CSV exports to prevent browser/Excel issues
	MaxCSVRows = 10000
)

// exportRequests streams exchanges matching the filter as NDJSON (default)
// or CSV. NDJSON carries full rows including bodies; CSV carries the summary
// columns only.
func (s *Server) exportRequests(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)

	format := FormatNDJSON
	if r.URL.Query().Get("format") == "csv" {
		format = FormatCSV
		if filter.Limit == 0 || filter.Limit > MaxCSVRows {
			filter.Limit = MaxCSVRows
		}
	}

	exchanges, err := s.store.ListExchanges(r.Context(), filter)
	if err != nil {
		s.serverError(w, "listing exchanges", err)
		return
	}

	switch format {
	case FormatCSV:
		s.exportCSV(w, exchanges)
	default:
		s.exportNDJSON(w, exchanges)
	}
}

func (s *Server) exportNDJSON(w http.ResponseWriter, exchanges []*store.Exchange) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="traffic.ndjson"`)

	enc := json.NewEncoder(w)
	for _, ex := range exchanges {
		if err := enc.Encode(toExchangeJSON(ex)); err != nil {
			s.logger.Debug("export write failed", "error", err)
			return
		}
	}
}

func (s *Server) exportCSV(w http.ResponseWriter, exchanges []*store.Exchange) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="traffic.csv"`)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	_ = cw.Write([]string{"id", "timestamp_ms", "method", "url", "host", "path", "status", "content_type", "duration_ms", "size"})
	for _, ex := range exchanges {
		record := []string{
			strconv.FormatInt(ex.ID, 10),
			strconv.FormatInt(ex.Timestamp.UnixMilli(), 10),
			ex.Method,
			ex.URL,
			ex.Host,
			ex.Path,
			strconv.Itoa(ex.Status),
			ex.ContentType,
			strconv.FormatInt(ex.DurationMs, 10),
			strconv.FormatInt(ex.Size, 10),
		}
		if err := cw.Write(record); err != nil {
			s.logger.Debug("export write failed", "error", err)
			return
		}
	}
}
