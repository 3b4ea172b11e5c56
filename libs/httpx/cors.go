package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy describes which cross-origin requests the edge accepts.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WithCORS is a no-op when no origins are configured.
func WithCORS(policy CORSPolicy) Middleware {
	if len(policy.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := trimAll(policy.AllowedOrigins)
	methods := strings.Join(trimAll(policy.AllowedMethods), ", ")
	headers := strings.Join(trimAll(policy.AllowedHeaders), ", ")
	maxAge := int(policy.MaxAge.Seconds())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allow, ok := resolveOrigin(origin, origins, policy.AllowCredentials)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", allow)
			if policy.AllowCredentials {
				hdr.Set("Access-Control-Allow-Credentials", "true")
			}
			if methods != "" {
				hdr.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				hdr.Set("Access-Control-Allow-Headers", headers)
			}
			if maxAge > 0 {
				hdr.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}
			hdr.Add("Vary", "Origin")
			hdr.Add("Vary", "Access-Control-Request-Method")
			hdr.Add("Vary", "Access-Control-Request-Headers")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func resolveOrigin(origin string, allowed []string, credentials bool) (string, bool) {
	for _, candidate := range allowed {
		if candidate == "*" {
			// Wildcard with credentials must echo the origin per the spec.
			if credentials {
				return origin, true
			}
			return "*", true
		}
		if strings.EqualFold(candidate, origin) {
			return origin, true
		}
	}
	return "", false
}
