package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Patterns scrubbed from query strings and header values. UUIDs go first so
// the loose phone pattern cannot eat their digit groups.
var (
	uuidPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

const masked = "[REDACTED]"

// RedactOptions configures RedactingLogger. MaskHeaders are replaced
// wholesale, in addition to Authorization, Cookie and Set-Cookie.
type RedactOptions struct {
	MaskHeaders []string
}

type redactor struct {
	mask map[string]struct{}
}

func newRedactor(extra []string) redactor {
	r := redactor{mask: map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}}
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.mask[h] = struct{}{}
		}
	}
	return r
}

func (redactor) text(s string) string {
	if s == "" {
		return s
	}
	s = uuidPattern.ReplaceAllString(s, "[REDACTED:id]")
	s = emailPattern.ReplaceAllString(s, "[REDACTED:email]")
	return phonePattern.ReplaceAllString(s, "[REDACTED:phone]")
}

func (r redactor) headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.mask[strings.ToLower(k)]; ok {
			out[k] = masked
			continue
		}
		out[k] = r.text(strings.Join(vv, ", "))
	}
	return out
}

// RedactingLogger writes one access line per request and never logs bodies.
// Before the handler runs it attaches a logger carrying request_id and
// user_id, reachable through LoggerFrom and zerolog's log.Ctx, so ledger
// and idempotency logs from the same request share those fields.
//
// Level follows status: info, warn for 4xx, error for 5xx. Replayed
// idempotent responses are flagged so retries are visible in the logs.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	red := newRedactor(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}
		scoped := log.With().Str("request_id", reqID).Str("user_id", UserID(c)).Logger()
		c.Set("logger", &scoped)
		c.Request = c.Request.WithContext(scoped.WithContext(c.Request.Context()))

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := red.text(c.Request.URL.RawQuery)
		hdrs := red.headers(c.Request.Header)

		c.Next()

		status := c.Writer.Status()
		ev := scoped.WithLevel(accessLevel(status)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", hdrs)
		if c.Writer.Header().Get(HeaderIdempotencyReplayed) != "" {
			ev = ev.Bool("idempotency_replayed", true)
		}
		ev.Msg("http_request")
	}
}

func accessLevel(status int) zerolog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zerolog.ErrorLevel
	case status >= http.StatusBadRequest:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
