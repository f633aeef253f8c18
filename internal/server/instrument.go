package server

import (
	"net/http"
	"time"
)

// statusRecorder captures the response code. It forwards Flush so streaming
// responses still reach the client chunk by chunk.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (h *handler) instrument(route string, next http.HandlerFunc) http.Handler {
	if h.opts.metrics == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		h.opts.metrics.ObserveHTTP(route, rec.code, time.Since(start))
	})
}
