package csrf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, opts Options) (*Guard, *Codec) {
	t.Helper()
	codec := NewCodec([]byte("guard-test-key-material-0123456789"))
	return NewGuard(codec, opts), codec
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})
}

func csrfCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == CookieName {
			return c
		}
	}
	return nil
}

func TestSafeRequestIssuesCookie(t *testing.T) {
	g, codec := newTestGuard(t, Options{Secure: true})
	var called bool
	h := g.Middleware(okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/emergency/phones", nil))

	require.True(t, called)
	c := csrfCookie(t, w)
	require.NotNil(t, c)
	assert.True(t, codec.Verify(c.Value))
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, CookieMaxAge, c.MaxAge)
	assert.Equal(t, c.Value, w.Header().Get(HeaderName))
}

func TestSafeRequestReusesValidCookie(t *testing.T) {
	g, codec := newTestGuard(t, Options{})
	tok, err := codec.Generate()
	require.NoError(t, err)

	var called bool
	h := g.Middleware(okHandler(&called))
	req := httptest.NewRequest(http.MethodGet, "/api/emergency/phones", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	c := csrfCookie(t, w)
	require.NotNil(t, c)
	assert.Equal(t, tok, c.Value)
}

func TestSafeRequestReplacesForgedCookie(t *testing.T) {
	g, codec := newTestGuard(t, Options{})
	var called bool
	h := g.Middleware(okHandler(&called))
	req := httptest.NewRequest(http.MethodHead, "/anything", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "forged"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	c := csrfCookie(t, w)
	require.NotNil(t, c)
	assert.NotEqual(t, "forged", c.Value)
	assert.True(t, codec.Verify(c.Value))
}

func TestSafeRequestWithoutWriteStillIssues(t *testing.T) {
	g, _ := newTestGuard(t, Options{})
	h := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/x", nil))
	assert.NotNil(t, csrfCookie(t, w))
}

func TestTokenInContext(t *testing.T) {
	g, _ := newTestGuard(t, Options{})
	var seen string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Token(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))

	c := csrfCookie(t, w)
	require.NotNil(t, c)
	assert.Equal(t, c.Value, seen)
}

func TestUnsafeRejections(t *testing.T) {
	g, codec := newTestGuard(t, Options{})
	valid, err := codec.Generate()
	require.NoError(t, err)
	other, err := codec.Generate()
	require.NoError(t, err)
	forged := NewCodec([]byte("attacker-key-material-0123456789"))
	bad, err := forged.Generate()
	require.NoError(t, err)

	cases := []struct {
		name   string
		cookie string
		header string
		want   *Error
	}{
		{"no cookie", "", valid, ErrMissingCookie},
		{"no header", valid, "", ErrMissingHeader},
		{"mismatch", valid, other, ErrMismatch},
		{"forged pair", bad, bad, ErrInvalidToken},
		{"garbage pair", "abc", "abc", ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rejected *Error
			g.onReject = func(_ *http.Request, err *Error) { rejected = err }

			var called bool
			h := g.Middleware(okHandler(&called))
			req := httptest.NewRequest(http.MethodPost, "/api/emergency/phones", nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set(HeaderName, tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.False(t, called)
			assert.Equal(t, http.StatusForbidden, w.Code)
			assert.Equal(t, tc.want, rejected)
			var body struct {
				Errors []string `json:"errors"`
			}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, []string{tc.want.Reason}, body.Errors)
			assert.Nil(t, csrfCookie(t, w))
		})
	}
}

func TestUnsafeAcceptedAndRotated(t *testing.T) {
	g, codec := newTestGuard(t, Options{})
	tok, err := codec.Generate()
	require.NoError(t, err)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		var called bool
		h := g.Middleware(okHandler(&called))
		req := httptest.NewRequest(method, "/api/emergency/phones/1", nil)
		req.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
		req.Header.Set(HeaderName, tok)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.True(t, called, method)
		assert.Equal(t, http.StatusOK, w.Code, method)
		c := csrfCookie(t, w)
		require.NotNil(t, c, method)
		assert.NotEqual(t, tok, c.Value, method)
		assert.True(t, codec.Verify(c.Value), method)
		assert.Equal(t, c.Value, w.Header().Get(HeaderName), method)
	}
}

func TestUnsafeFailureDoesNotRotate(t *testing.T) {
	g, codec := newTestGuard(t, Options{})
	tok, err := codec.Generate()
	require.NoError(t, err)

	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/emergency/phones", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: tok})
	req.Header.Set(HeaderName, tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, csrfCookie(t, w))
	assert.Empty(t, w.Header().Get(HeaderName))
}

func TestExemptPaths(t *testing.T) {
	g, _ := newTestGuard(t, Options{ExemptPaths: DefaultExemptPaths(true)})

	for _, path := range []string{
		"/api/payments/stripe/webhook",
		"/api/payments/paypal/webhook",
		"/health",
		"/api/v1/debug/login",
		"/api/v1/debug/anything/else",
	} {
		var called bool
		h := g.Middleware(okHandler(&called))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.True(t, called, path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Nil(t, csrfCookie(t, w), path)
	}

	assert.False(t, g.Exempt("/health/extra"))
	assert.False(t, g.Exempt("/api/payments/stripe/webhook/x"))
}

func TestDebugPathsNotExemptInProduction(t *testing.T) {
	g, _ := newTestGuard(t, Options{ExemptPaths: DefaultExemptPaths(false)})
	assert.False(t, g.Exempt("/api/v1/debug/login"))
	assert.False(t, g.Exempt("/api/v1/debug/x"))
	assert.True(t, g.Exempt("/debug"))
}

// Scenario: a cookie from a prior GET authorizes exactly the matching header.
func TestRoundTripFromSafeToUnsafe(t *testing.T) {
	g, _ := newTestGuard(t, Options{})
	var called bool
	h := g.Middleware(okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/csrf-token", nil))
	issued := csrfCookie(t, w)
	require.NotNil(t, issued)

	called = false
	req := httptest.NewRequest(http.MethodPost, "/api/emergency/phones", nil)
	req.AddCookie(issued)
	req.Header.Set(HeaderName, issued.Value)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)

	called = false
	req = httptest.NewRequest(http.MethodPost, "/api/emergency/phones", nil)
	req.AddCookie(issued)
	last := "0"
	if issued.Value[len(issued.Value)-1] == '0' {
		last = "1"
	}
	req.Header.Set(HeaderName, issued.Value[:len(issued.Value)-1]+last)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
