package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/streamstats/internal/core"
	"github.com/you/streamstats/internal/sink"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case core.IsInvalidInput(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, sink.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	reqID := w.Header().Get("X-Request-ID")
	if status >= http.StatusInternalServerError {
		s.log.Error("httpapi: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", reqID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: reqID})
}

// respond runs fn, records its duration under op and writes the result as
// JSON or the error with its mapped status.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) (any, error)) {
	start := time.Now()
	v, err := fn(r.Context())
	s.metrics.ObserveQuery(op, time.Since(start), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(emptyIfNil(v))
}

// emptyIfNil turns a nil slice into an empty one so lists encode as [].
func emptyIfNil(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return reflect.MakeSlice(rv.Type(), 0, 0).Interface()
	}
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return core.Invalid("body", "empty request body")
		}
		return core.Invalid("body", err.Error())
	}
	return nil
}
