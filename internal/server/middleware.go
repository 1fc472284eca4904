package server

import (
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the flusher underneath
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogger puts a request-scoped logger in the context and logs each request
func withLogger(base logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.WithValues("requestID", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
			rec := &statusRecorder{ResponseWriter: w}
			started := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctrllog.IntoContext(r.Context(), log)))

			log.V(1).Info("Handled request", "status", rec.status, "bytes", rec.bytes, "duration", time.Since(started))
		})
	}
}

// preflight answers CORS preflight requests for the upload style endpoints
func preflight(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
	}
}
