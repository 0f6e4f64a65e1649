package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	validation "github.com/jellydator/validation"
	"github.com/org/citaguard/internal/audit"
	"github.com/org/citaguard/internal/phones"
	"github.com/org/citaguard/internal/storage"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr validation.Errors
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, phones.ErrForbidden):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, phones.ErrUnsafeInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": verr})
	default:
		log.Error().Err(err).
			Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// proxyTrust holds the peers allowed to report the client address in
// X-Forwarded-For. The zero value trusts nobody.
type proxyTrust struct {
	prefixes []netip.Prefix
}

// newProxyTrust parses IPs and CIDR prefixes. Invalid entries are skipped
// with a warning; config validation rejects them earlier.
func newProxyTrust(entries []string) *proxyTrust {
	pt := &proxyTrust{}
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			pt.prefixes = append(pt.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			pt.prefixes = append(pt.prefixes, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
			continue
		}
		log.Warn().Str("entry", e).Msg("ignoring invalid trusted proxy")
	}
	return pt
}

func (pt *proxyTrust) trusts(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range pt.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// resolve returns the peer address, unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop that is not
// itself a trusted proxy is the client.
func (pt *proxyTrust) resolve(r *http.Request) string {
	peer := peerIP(r)
	if !pt.trusts(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		if !pt.trusts(hop) {
			return hop
		}
		peer = hop
	}
	return peer
}

// middleware stores the resolved client address for clientIP.
func (pt *proxyTrust) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withClientIP(r.Context(), pt.resolve(r))))
	})
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIP returns the address resolved by proxyTrust, or the peer address
// when the request did not pass through it.
func clientIP(r *http.Request) string {
	if ip := clientIPFromCtx(r.Context()); ip != "" {
		return ip
	}
	return peerIP(r)
}

func clientInfo(r *http.Request) audit.ClientInfo {
	return audit.ClientInfo{IP: clientIP(r), UserAgent: r.UserAgent()}
}
