// Package httpadmin serves operator endpoints for the running process.
package httpadmin

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/multiview"
)

// Reloader re-reads the thresholds source and applies the result.
type Reloader interface {
	ReloadThresholds() (multiview.Thresholds, error)
	Thresholds() multiview.Thresholds
}

type Server struct {
	rel Reloader
	log *zap.Logger
}

func New(rel Reloader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{rel: rel, log: log}
}

// thresholdsView renders durations as Go duration strings.
type thresholdsView struct {
	ViewerSpikeRatio    float64 `json:"viewer_spike_ratio"`
	ViewerSpikeMinDelta float64 `json:"viewer_spike_min_delta"`
	ChatSpikeRatio      float64 `json:"chat_spike_ratio"`
	ChatLowBaseline     float64 `json:"chat_low_baseline"`
	ChatLowBaselineMin  int64   `json:"chat_low_baseline_min"`
	BaselineFrom        string  `json:"baseline_from"`
	BaselineTo          string  `json:"baseline_to"`
	ChatWindow          string  `json:"chat_window"`
	BurstWindow         string  `json:"burst_window"`
}

func newThresholdsView(t multiview.Thresholds) thresholdsView {
	return thresholdsView{
		ViewerSpikeRatio:    t.ViewerSpikeRatio,
		ViewerSpikeMinDelta: t.ViewerSpikeMinDelta,
		ChatSpikeRatio:      t.ChatSpikeRatio,
		ChatLowBaseline:     t.ChatLowBaseline,
		ChatLowBaselineMin:  t.ChatLowBaselineMin,
		BaselineFrom:        t.BaselineFrom.String(),
		BaselineTo:          t.BaselineTo.String(),
		ChatWindow:          t.ChatWindow.String(),
		BurstWindow:         t.BurstWindow.String(),
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/thresholds", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, newThresholdsView(s.rel.Thresholds()))
	})
	mux.HandleFunc("POST /admin/thresholds/reload", func(w http.ResponseWriter, _ *http.Request) {
		th, err := s.rel.ReloadThresholds()
		if err != nil {
			status := http.StatusInternalServerError
			if core.IsInvalidInput(err) {
				status = http.StatusBadRequest
			}
			s.log.Warn("admin: thresholds reload failed", zap.Error(err))
			writeJSON(w, status, map[string]string{"error": "reload failed: " + err.Error()})
			return
		}
		s.log.Info("admin: thresholds reloaded")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "thresholds": newThresholdsView(th)})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
