package api

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qcatalog/refimage/metrics"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// middleware applies common middleware to all routes: preflight handling,
// panic recovery, per-IP rate limiting, request logging and metrics. The
// builder's headers are applied up front so no exit path can miss them.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflight is answered uniformly regardless of path
		if r.Method == http.MethodOptions {
			s.builder.Preflight(w)
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				s.builder.Error(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		if s.limiter != nil && !s.limiter.allow(clientIP(r)) {
			s.builder.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		// Logging (skip health checks and metrics scrapes to reduce noise)
		quiet := r.URL.Path == "/" || r.URL.Path == "/metrics"
		if !quiet {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if !quiet {
			log.Printf("%s %s - completed in %v", r.Method, r.URL.Path, elapsed)
		}

		route := routeLabel(r.URL.Path)
		metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
	})
}

// routeLabel collapses paths with embedded IDs into a bounded label set.
func routeLabel(path string) string {
	switch {
	case path == "/":
		return "/"
	case path == "/fetch-metadata":
		return "/fetch-metadata"
	case path == "/proxy-image":
		return "/proxy-image"
	case path == "/metrics":
		return "/metrics"
	case path == "/products":
		return "/products"
	case len(path) > len("/products/") && path[:len("/products/")] == "/products/":
		return "/products/{id}"
	case len(path) > len("/uploads/") && path[:len("/uploads/")] == "/uploads/":
		return "/uploads/{id}"
	case len(path) > len("/reports/") && path[:len("/reports/")] == "/reports/":
		return "/reports/{id}"
	default:
		return "other"
	}
}

// clientIP returns the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiterIdleTTL is how long an IP's bucket survives without traffic
// before it is evicted, which also bounds the map against address churn.
const limiterIdleTTL = 10 * time.Minute

// ipLimiter applies a token-bucket rate limit per client IP. Entries idle
// past limiterIdleTTL are swept out on the next sweep interval.
type ipLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		entries:   make(map[string]*limiterEntry),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	lim := e.lim
	l.mu.Unlock()

	return lim.Allow()
}
