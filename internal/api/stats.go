package api

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	clientVersionHeader = "X-Client-Version"
	maxVersionLength    = 64
	statsTopPaths       = 20
)

// clientStats aggregates request counts per route and per client version.
// Each map is reset once it grows past maxKeys.
type clientStats struct {
	mu            sync.Mutex
	maxKeys       int
	authenticated int64
	anonymous     int64
	rejected      int64
	lastAnonymous time.Time
	byVersion     map[string]map[string]int64
	byPath        map[string]map[string]int64
	now           func() time.Time
}

func newClientStats(maxKeys int) *clientStats {
	return &clientStats{
		maxKeys:   maxKeys,
		byVersion: map[string]map[string]int64{},
		byPath:    map[string]map[string]int64{},
		now:       time.Now,
	}
}

func (c *clientStats) record(route, version string, hasToken bool, status int) {
	outcome := "anonymous"
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome = "rejected"
	case hasToken:
		outcome = "authenticated"
	}
	if version == "" {
		version = "unknown"
	}
	if len(version) > maxVersionLength {
		version = version[:maxVersionLength]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case "rejected":
		c.rejected++
	case "authenticated":
		c.authenticated++
	default:
		c.anonymous++
		c.lastAnonymous = c.now().UTC()
	}
	c.byVersion = bump(c.byVersion, version, outcome, c.maxKeys)
	c.byPath = bump(c.byPath, route, outcome, c.maxKeys)
}

func bump(m map[string]map[string]int64, key, outcome string, maxKeys int) map[string]map[string]int64 {
	if _, ok := m[key]; !ok {
		if maxKeys > 0 && len(m) >= maxKeys {
			m = map[string]map[string]int64{}
		}
		m[key] = map[string]int64{}
	}
	m[key][outcome]++
	return m
}

type statsSnapshot struct {
	Counters           map[string]int64            `json:"counters"`
	TotalRequests      int64                       `json:"total_requests"`
	CoveragePercentage float64                     `json:"coverage_percentage"`
	LastAnonymous      *time.Time                  `json:"last_anonymous,omitempty"`
	ByClientVersion    map[string]map[string]int64 `json:"by_client_version"`
	ByPath             map[string]map[string]int64 `json:"by_path"`
}

// snapshot copies the current counters. by_path keeps only the busiest routes.
func (c *clientStats) snapshot() statsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.authenticated + c.anonymous + c.rejected
	s := statsSnapshot{
		Counters: map[string]int64{
			"authenticated": c.authenticated,
			"anonymous":     c.anonymous,
			"rejected":      c.rejected,
		},
		TotalRequests:   total,
		ByClientVersion: copyCounts(c.byVersion, nil),
	}
	if total > 0 {
		s.CoveragePercentage = float64(c.authenticated) / float64(total) * 100
	}
	if !c.lastAnonymous.IsZero() {
		t := c.lastAnonymous
		s.LastAnonymous = &t
	}

	paths := make([]string, 0, len(c.byPath))
	totals := make(map[string]int64, len(c.byPath))
	for p, counts := range c.byPath {
		paths = append(paths, p)
		for _, n := range counts {
			totals[p] += n
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		if totals[paths[i]] != totals[paths[j]] {
			return totals[paths[i]] > totals[paths[j]]
		}
		return paths[i] < paths[j]
	})
	if len(paths) > statsTopPaths {
		paths = paths[:statsTopPaths]
	}
	s.ByPath = copyCounts(c.byPath, paths)
	return s
}

func copyCounts(m map[string]map[string]int64, keys []string) map[string]map[string]int64 {
	if keys == nil {
		for k := range m {
			keys = append(keys, k)
		}
	}
	out := make(map[string]map[string]int64, len(keys))
	for _, k := range keys {
		inner := make(map[string]int64, len(m[k]))
		for o, n := range m[k] {
			inner[o] = n
		}
		out[k] = inner
	}
	return out
}

func (c *clientStats) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)
		hasToken := strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ")
		c.record(routePattern(r), r.Header.Get(clientVersionHeader), hasToken, rr.statusCode)
	})
}
