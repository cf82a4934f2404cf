package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/you/streamstats/internal/export"
)

// handleExport renders the data points behind the filter as delimited text.
// The body is built in memory so a failure can still change the status.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := time.Now()
	buf, delim, err := s.renderExport(r)
	s.metrics.ObserveQuery("export", time.Since(start), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	contentType := "text/csv; charset=utf-8"
	name := "streamstats-export.csv"
	if delim == '\t' {
		contentType = "text/tab-separated-values; charset=utf-8"
		name = "streamstats-export.tsv"
	}
	if flag(q, "inline") {
		contentType = "text/plain; charset=utf-8"
	} else {
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) renderExport(r *http.Request) (*bytes.Buffer, rune, error) {
	q := r.URL.Query()
	f, err := ParseFilter(q, s.now())
	if err != nil {
		return nil, 0, err
	}
	delim, err := export.ParseDelimiter(q.Get("delimiter"))
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.deps.Analytics.ExportRows(r.Context(), f)
	if err != nil {
		return nil, 0, err
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, rows, export.Options{Delimiter: delim, BOM: flag(q, "bom")}); err != nil {
		return nil, 0, err
	}
	return &buf, delim, nil
}
