// Package httpmw holds the middleware shared by the bridge API and the
// legacy proxy surface.
package httpmw

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/proveit-io/anylog-bridge/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with a unique id, honoring one supplied by
// the caller, and binds a request-scoped logger into the context.
func RequestID(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = xid.New().String()
			}
			w.Header().Set(requestIDHeader, id)

			reqLogger := logger.With().Str("request_id", id).Logger()
			next.ServeHTTP(w, r.WithContext(reqLogger.WithContext(r.Context())))
		})
	}
}

// StatusRecorder captures the response code and size for logging and
// metrics middleware.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int
}

// NewStatusRecorder wraps w; Status defaults to 200 as net/http does.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (rec *StatusRecorder) WriteHeader(status int) {
	rec.Status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *StatusRecorder) Write(p []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(p)
	rec.Bytes += n
	return n, err
}

// AccessLog logs one line per request through the context logger.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)
		next.ServeHTTP(rec, r)

		logging.FromContext(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.Status).
			Int("bytes", rec.Bytes).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Recovery turns handler panics into logged 500s.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context()).Error().
					Any("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS answers preflight before routing and marks every response as
// cross-origin accessible; the dashboards calling these APIs are served
// from other origins.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
		h.Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
