package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/streamstats/internal/multiview"
)

const wsWriteTimeout = 5 * time.Second

type multiviewFrame struct {
	Type     string                   `json:"type"`
	At       time.Time                `json:"at"`
	Channels []multiview.ChannelStats `json:"channels"`
}

func (s *Server) handleMultiview(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, "multiview.snapshot", func(ctx context.Context) (any, error) {
		ids, err := ParseIDs(r.URL.Query(), "channel_id")
		if err != nil {
			return nil, err
		}
		return s.deps.Multiview.Snapshot(ctx, ids)
	})
}

// handleMultiviewWS pushes a snapshot frame right away and then on every
// refresh tick until the client goes away or the server shuts down.
func (s *Server) handleMultiviewWS(w http.ResponseWriter, r *http.Request) {
	ids, err := ParseIDs(r.URL.Query(), "channel_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	opts := &websocket.AcceptOptions{}
	if origin := r.Header.Get("Origin"); origin != "" && s.cors.allows(origin) {
		// already vetted by the CORS policy
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(baseWriter(w), r, opts)
	if err != nil {
		s.log.Warn("httpapi: websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.opts.MultiviewRefresh)
	defer ticker.Stop()

	for {
		if err := s.pushSnapshot(ctx, conn, ids); err != nil {
			if ctx.Err() == nil {
				s.log.Warn("httpapi: websocket push", zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushSnapshot(ctx context.Context, conn *websocket.Conn, ids []int64) error {
	start := time.Now()
	snap, err := s.deps.Multiview.Snapshot(ctx, ids)
	s.metrics.ObserveQuery("multiview.snapshot", time.Since(start), err)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, multiviewFrame{Type: "snapshot", At: s.now().UTC(), Channels: snap})
}
