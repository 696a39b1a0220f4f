package httpx

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TenantHeader carries the caller's tenant. An absent or blank header means
// the caller is operating on system/global records.
const TenantHeader = "X-Tenant-ID"

// TenantFromRequest extracts the caller's tenant id, nil for system scope.
func TenantFromRequest(r *http.Request) *string {
	tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
	if tenant == "" {
		return nil
	}
	return &tenant
}

// RequireTenant extracts the tenant id and writes a 400 when it is missing.
// Used by routes that have no meaningful system scope, like plans.
func RequireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := TenantFromRequest(r)
	if tenant == nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "missing_tenant",
			"message": TenantHeader + " header is required",
		})
		return "", false
	}
	return *tenant, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs each request with method, path, status, and duration.
func RequestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"took", time.Since(start),
		)
	})
}
