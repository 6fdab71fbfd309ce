// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders: a conservative header set for a JSON
// API behind a reverse proxy, opt-in HSTS, and no-store cache control for
// responses that carry a user's balance or receipts.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// NoStore marks every response uncacheable. NoStorePrefixes does the same for
// request paths starting with one of the prefixes (for example the points
// and ledger routes), leaving catalog reads cacheable.
type SecurityOptions struct {
	EnableHSTS      bool          // set true only when traffic is HTTPS end-to-end
	HSTSMaxAge      time.Duration // defaults to 180 days
	NoStore         bool
	NoStorePrefixes []string
	EnablePolicy    bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityHeaders returns a middleware adding the configured headers.
//
// Always set: X-Content-Type-Options, X-Frame-Options, Referrer-Policy.
// HSTS is only sent on HTTPS requests (TLS or X-Forwarded-Proto: https).
// When X-Request-ID is already set it is appended to
// Access-Control-Expose-Headers so browser clients can read it.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	hsts := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore || hasAnyPrefix(c.Request.URL.Path, opt.NoStorePrefixes) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if h.Get(requestIDHeader) != "" {
			appendExposed(h, requestIDHeader)
		}

		c.Next()
	}
}

// appendExposed adds name to Access-Control-Expose-Headers unless present.
func appendExposed(h http.Header, name string) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	switch {
	case cur == "":
		h.Set(hdr, name)
	case !strings.Contains(cur, name):
		h.Set(hdr, cur+", "+name)
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isHTTPS reports whether the request arrived over TLS, directly or via a
// proxy that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
