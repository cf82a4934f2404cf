package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/streamstats/internal/store"
)

type infoResponse struct {
	Version       string  `json:"version"`
	Revision      string  `json:"rev"`
	BuiltAt       string  `json:"built_at,omitempty"`
	Go            string  `json:"go"`
	SchemaVersion int     `json:"schema_version"`
	Uptime        float64 `json:"uptime_seconds"`
	RefreshMS     int64   `json:"multiview_refresh_ms"`
	Config        any     `json:"config,omitempty"`
}

// handleInfo describes the running binary: build stamp, the schema it
// migrates to and the multiview cadence websocket clients should expect.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:       s.opts.Build.Version,
		Revision:      s.opts.Build.Revision,
		Go:            runtime.Version(),
		SchemaVersion: store.SchemaVersion(),
		Uptime:        s.now().Sub(s.startedAt).Seconds(),
		RefreshMS:     s.opts.MultiviewRefresh.Milliseconds(),
		Config:        s.opts.ConfigSnapshot,
	}
	if built := s.opts.Build.BuiltAt; !built.IsZero() {
		resp.BuiltAt = built.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
