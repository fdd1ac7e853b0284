package core

import (
	"net/http"
	"strings"
)

// corsMethods and corsHeaders are what the API surface needs; the config
// only decides which origins may use them.
const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
	corsMaxAge  = "86400"
)

// CORSMiddleware applies cross-origin headers per the config and answers
// preflight OPTIONS requests directly. Disabled config passes everything
// through untouched.
func CORSMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if origin := r.Header.Get("Origin"); OriginAllowed(origin, cfg) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether an origin passes the configured allow
// list. The WebSocket upgrader's origin check shares it with the
// middleware so HTTP and stream connections agree.
//
// Matching supports exact origins, "*" for everything, "*.example.com"
// subdomain wildcards, and "http://localhost:*" port wildcards. A
// disabled config allows everything; an empty origin header (same-origin
// request) matches nothing.
func OriginAllowed(origin string, cfg CORSConfig) bool {
	if !cfg.Enabled {
		return true
	}
	if origin == "" {
		return false
	}
	for _, allowed := range cfg.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if idx := strings.Index(allowed, "*."); idx >= 0 {
			// Keep the dot in the suffix so "evilexample.com" cannot
			// match "*.example.com", and require at least one label
			// between prefix and suffix so the bare root is rejected.
			before, after := allowed[:idx], allowed[idx+1:]
			if strings.HasPrefix(origin, before) && strings.HasSuffix(origin, after) &&
				len(origin) > len(before)+len(after) {
				return true
			}
		}
		if base, ok := strings.CutSuffix(allowed, ":*"); ok {
			if strings.HasPrefix(origin, base+":") {
				return true
			}
		}
	}
	return false
}
