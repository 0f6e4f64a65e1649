package csrf

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"

	// CookieMaxAge is the cookie lifetime in seconds (24h).
	CookieMaxAge = 86400
)

// DefaultExemptPaths returns the paths that bypass CSRF checks.
// Entries ending in "/" match as prefixes. Debug routes are only exempt in development.
func DefaultExemptPaths(development bool) []string {
	paths := []string{
		"/api/payments/paypal/webhook",
		"/api/payments/stripe/webhook",
		"/health",
		"/docs",
		"/openapi.json",
		"/security-info",
		"/debug",
		"/metrics",
	}
	if development {
		paths = append(paths, "/api/v1/debug/login", "/api/v1/debug/")
	}
	return paths
}

// Options configures a Guard.
type Options struct {
	// Secure sets the Secure attribute on the cookie. Enable in production.
	Secure bool
	// ExemptPaths replaces DefaultExemptPaths(false) when non-nil.
	ExemptPaths []string
	// OnReject is called for every rejected request.
	OnReject func(r *http.Request, err *Error)
}

// Guard is an HTTP middleware enforcing the double-submit check on
// state-changing requests and issuing tokens on safe ones.
type Guard struct {
	codec    *Codec
	secure   bool
	exact    map[string]struct{}
	prefixes []string
	onReject func(*http.Request, *Error)
}

// NewGuard builds a Guard around codec.
func NewGuard(codec *Codec, opts Options) *Guard {
	paths := opts.ExemptPaths
	if paths == nil {
		paths = DefaultExemptPaths(false)
	}
	g := &Guard{
		codec:    codec,
		secure:   opts.Secure,
		exact:    make(map[string]struct{}, len(paths)),
		onReject: opts.OnReject,
	}
	for _, p := range paths {
		if strings.HasSuffix(p, "/") {
			g.prefixes = append(g.prefixes, p)
			continue
		}
		g.exact[p] = struct{}{}
	}
	return g
}

// Exempt reports whether path bypasses the guard entirely.
func (g *Guard) Exempt(path string) bool {
	if _, ok := g.exact[path]; ok {
		return true
	}
	for _, p := range g.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Unsafe reports whether method changes server state.
func Unsafe(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// check validates the double-submit pair on r, returning nil or one of the Err* values.
func (g *Guard) check(r *http.Request) *Error {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return ErrMissingCookie
	}
	header := r.Header.Get(HeaderName)
	if header == "" {
		return ErrMissingHeader
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return ErrMismatch
	}
	if !g.codec.Verify(cookie.Value) {
		return ErrInvalidToken
	}
	return nil
}

// Middleware wraps next with CSRF enforcement.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !Unsafe(r.Method) {
			token, err := g.currentToken(r)
			if err != nil {
				log.Error().Err(err).Msg("csrf token generation failed")
				next.ServeHTTP(w, r)
				return
			}
			iw := &issuingWriter{ResponseWriter: w, guard: g, issue: func(int) string { return token }}
			next.ServeHTTP(iw, r.WithContext(withToken(r.Context(), token)))
			iw.finish()
			return
		}

		if err := g.check(r); err != nil {
			g.reject(w, r, err)
			return
		}

		// Rotate once the handler has succeeded.
		iw := &issuingWriter{ResponseWriter: w, guard: g, issue: func(status int) string {
			if status >= http.StatusBadRequest {
				return ""
			}
			token, err := g.codec.Generate()
			if err != nil {
				log.Error().Err(err).Msg("csrf token rotation failed")
				return ""
			}
			return token
		}}
		next.ServeHTTP(iw, r)
		iw.finish()
	})
}

// currentToken reuses a valid cookie token or mints a new one.
func (g *Guard) currentToken(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && g.codec.Verify(c.Value) {
		return c.Value, nil
	}
	return g.codec.Generate()
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, err *Error) {
	log.Warn().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("ip", r.RemoteAddr).
		Str("reason", err.Reason).
		Msg("csrf validation failed")
	if g.onReject != nil {
		g.onReject(r, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"errors":[%q]}`, err.Reason)
}

func (g *Guard) setCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   CookieMaxAge,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set(HeaderName, token)
}

// issuingWriter sets the CSRF cookie right before the status line is sent.
type issuingWriter struct {
	http.ResponseWriter
	guard       *Guard
	issue       func(status int) string
	wroteHeader bool
}

func (iw *issuingWriter) WriteHeader(status int) {
	if !iw.wroteHeader {
		iw.wroteHeader = true
		if token := iw.issue(status); token != "" {
			iw.guard.setCookie(iw.ResponseWriter, token)
		}
	}
	iw.ResponseWriter.WriteHeader(status)
}

func (iw *issuingWriter) Write(b []byte) (int, error) {
	if !iw.wroteHeader {
		iw.WriteHeader(http.StatusOK)
	}
	return iw.ResponseWriter.Write(b)
}

func (iw *issuingWriter) Flush() {
	if !iw.wroteHeader {
		iw.WriteHeader(http.StatusOK)
	}
	if f, ok := iw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// finish covers handlers that return without writing anything.
func (iw *issuingWriter) finish() {
	if !iw.wroteHeader {
		iw.WriteHeader(http.StatusOK)
	}
}

func (iw *issuingWriter) Unwrap() http.ResponseWriter {
	return iw.ResponseWriter
}

type ctxKey struct{}

func withToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKey{}, token)
}

// Token returns the token the guard will issue for the current safe request, if any.
func Token(ctx context.Context) string {
	t, _ := ctx.Value(ctxKey{}).(string)
	return t
}
