package core

import (
	"net"
	"net/http"
	"strings"

	"funnelmetrics/internal/types"
)

// IPSecurityMiddleware refuses clients whose address has too many recent
// failed logins. It runs before auth so blocked clients cost no token
// verification or bcrypt work.
func (s *Server) IPSecurityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.SecurityService == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r)
		if s.SecurityService.IsIPBlocked(r.Context(), ip) {
			s.Logger.WarnContext(r.Context(), "blocked request from IP", "ip", ip, "method", r.Method, "path", r.URL.Path)
			Error(w, r, types.NewAppError(types.ErrCodeAuthLocked, "too many failed attempts from this address; try again later", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIPMiddleware resolves the client address once per request, trusting
// only the last hops entries of X-Forwarded-For.
func ClientIPMiddleware(hops int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, hops)
			next.ServeHTTP(w, r.WithContext(types.WithClientIP(r.Context(), ip)))
		})
	}
}

// ClientIP returns the address resolved by ClientIPMiddleware. Outside that
// middleware it assumes a single trusted proxy.
func ClientIP(r *http.Request) string {
	if ip, ok := types.GetClientIP(r.Context()); ok {
		return ip
	}
	return resolveClientIP(r, 1)
}

// resolveClientIP picks the X-Forwarded-For entry written by the outermost
// trusted proxy. Each proxy appends the address it received the request
// from, so entries left of that one are client supplied and can be forged.
func resolveClientIP(r *http.Request, hops int) string {
	if hops > 0 {
		var chain []string
		for _, v := range r.Header.Values("X-Forwarded-For") {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					chain = append(chain, part)
				}
			}
		}
		if len(chain) > 0 {
			i := len(chain) - hops
			if i < 0 {
				i = 0
			}
			if net.ParseIP(chain[i]) != nil {
				return chain[i]
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ClientLocation builds "City, Region, Country" from the CloudFront viewer
// headers. It is empty when the request did not come through CloudFront.
func ClientLocation(r *http.Request) string {
	var parts []string
	for _, h := range []string{"CloudFront-Viewer-City", "CloudFront-Viewer-Country-Region", "CloudFront-Viewer-Country"} {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}
