package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/relieforg/crisis-coordination/internal/apperror"
)

type contextKey string

const callerKey contextKey = "caller"

// RequireCaller extracts the opaque caller identity from the X-Caller-ID
// header and stores it in the request context. Mutating routes mount it;
// requests without an identity are rejected before reaching the engine.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Caller-ID")
		if caller == "" {
			writeError(w, http.StatusUnauthorized, apperror.CodeUnauthorized, "missing X-Caller-ID header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

// Caller returns the caller identity stored by RequireCaller, or "" when the
// route did not require one.
func Caller(r *http.Request) string {
	caller, _ := r.Context().Value(callerKey).(string)
	return caller
}

// Logger emits a structured access log line per request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// CORS applies a permissive cross-origin policy.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Caller-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
