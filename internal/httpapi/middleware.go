package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

// recoveryMiddleware turns a panic in any downstream handler into a 500
// instead of taking the process down, per §4.9.
func recoveryMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered", "error", rec, "path", r.URL.Path)
					writeJSONError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeadersMiddleware sets a fixed set of defense-in-depth response
// headers on every response, adapted from the teacher's standalone
// SecurityHeadersMiddleware into a single stateless middleware function
// (this proxy has no per-deployment header overrides to configure).
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Del("X-Powered-By")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies permissive CORS, answering with 200 every OPTIONS
// request that reaches it (§6). gorilla/mux runs router middleware only for
// a matched route, so this covers registered paths only.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsResponseWriter captures the status code written, the same shape
// the teacher's middleware.metricsResponseWriter uses.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware instruments every request by route template (never raw
// path, to keep cardinality bounded) and status class.
func metricsMiddleware(m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)
			method := r.Method

			m.InFlight.WithLabelValues(method, route).Inc()
			defer m.InFlight.WithLabelValues(method, route).Dec()

			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			m.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			statusClass := strconv.Itoa(rw.statusCode/100) + "xx"
			m.RequestsTotal.WithLabelValues(method, route, statusClass).Inc()
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type ctxKey string

const ctxKeyFreeTier ctxKey = "free_tier"

func withFreeTier(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKeyFreeTier, true)
}

func isFreeTier(r *http.Request) bool {
	v, _ := r.Context().Value(ctxKeyFreeTier).(bool)
	return v
}

// inboundAuth enforces §6's proxy-facing rule: if customAPIKey is set, the
// caller must present it as a bearer token; if the token instead matches
// freeAPIKey, the request is flagged free-tier (selector restricted to
// zero-balance credentials). Both empty disables inbound auth entirely.
type inboundAuth struct {
	customAPIKey string
	freeAPIKey   string
}

func (a inboundAuth) middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.customAPIKey == "" && a.freeAPIKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			switch {
			case a.freeAPIKey != "" && constantTimeEq(token, a.freeAPIKey):
				next.ServeHTTP(w, r.WithContext(withFreeTier(r.Context())))
			case a.customAPIKey != "" && constantTimeEq(token, a.customAPIKey):
				next.ServeHTTP(w, r)
			default:
				writeJSONError(w, http.StatusForbidden, "invalid or missing API key")
			}
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func constantTimeEq(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// basicAuth guards the admin surface against C8's stored username/password.
func basicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				writeJSONError(w, http.StatusUnauthorized, "admin authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
