package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/you/streamstats/internal/core"
)

func (s *Server) handleIngestChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Store.UpsertChannel(r.Context(), req.channel())
	s.metrics.AddIngested("channel", 1, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleIngestCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.deps.Store.UpsertGameCategory(r.Context(), core.GameCategory{
		GameID:    req.GameID,
		GameName:  req.GameName,
		BoxArtURL: req.BoxArtURL,
	})
	s.metrics.AddIngested("category", 1, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.Store.UpsertStream(r.Context(), core.Stream{
		ChannelID: req.ChannelID,
		StreamID:  req.StreamID,
		Title:     req.Title,
		Category:  req.Category,
		StartedAt: req.StartedAt.UTC(),
		EndedAt:   req.EndedAt,
	})
	s.metrics.AddIngested("stream", 1, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleEndStream(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, core.Invalid("id", "must be a positive integer"))
		return
	}
	var req endStreamRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	endedAt := s.now().UTC()
	if req.EndedAt != nil {
		endedAt = req.EndedAt.UTC()
	}
	if err := s.deps.Store.EndStream(r.Context(), id, endedAt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIngestSample(w http.ResponseWriter, r *http.Request) {
	var req sampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	collected := s.now().UTC()
	if req.CollectedAt != nil {
		collected = req.CollectedAt.UTC()
	}
	id, err := s.deps.Store.RecordSample(r.Context(), core.Sample{
		StreamID:      req.StreamRef,
		ChannelID:     req.ChannelID,
		CollectedAt:   collected,
		ViewerCount:   req.ViewerCount,
		Category:      req.Category,
		Title:         req.Title,
		FollowerCount: req.FollowerCount,
	})
	s.metrics.AddIngested("sample", 1, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// handleIngestChat buffers the messages through the batcher, or with
// ?sync=1 writes them as one transaction before answering.
func (s *Server) handleIngestChat(w http.ResponseWriter, r *http.Request) {
	var req chatBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs := make([]core.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, m.message())
	}

	sync := flag(r.URL.Query(), "sync") || s.deps.Sink == nil
	err := s.writeChat(r.Context(), msgs, sync)
	s.metrics.AddIngested("chat", len(msgs), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if sync {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"accepted": len(msgs), "sync": sync})
}

func (s *Server) writeChat(ctx context.Context, msgs []core.ChatMessage, sync bool) error {
	start := time.Now()
	var err error
	if sync {
		err = s.deps.Store.RecordChatMessagesBatch(ctx, msgs)
	} else {
		err = s.deps.Sink.Add(ctx, msgs...)
	}
	s.metrics.ObserveQuery("ingest.chat", time.Since(start), err)
	return err
}
