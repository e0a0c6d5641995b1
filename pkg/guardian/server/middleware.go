package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// AdminOptions configures the middleware around the admin API
type AdminOptions struct {
	// Token, when set, is required as a Bearer token on /api routes
	Token string
	// RateLimit is the per-client request rate; zero disables limiting
	RateLimit float64
	Burst     int
	// Registerer receives request metrics when set
	Registerer prometheus.Registerer
}

// Handler returns the admin routes wrapped in logging, metrics, rate
// limiting and authentication
func (h *AdminHandler) Handler(opts AdminOptions) http.Handler {
	handler := h.Routes()
	if opts.Token != "" {
		handler = authMiddleware(opts.Token, handler)
	}
	if opts.RateLimit > 0 {
		handler = newClientLimiter(opts.RateLimit, opts.Burst).middleware(handler)
	}
	if opts.Registerer != nil {
		handler = metricsMiddleware(opts.Registerer, handler)
	}
	return loggingMiddleware(handler)
}

// responseCapturer records the status code written by a handler
type responseCapturer struct {
	http.ResponseWriter
	statusCode int
}

func newResponseCapturer(w http.ResponseWriter) *responseCapturer {
	return &responseCapturer{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rc *responseCapturer) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs information about each request
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := newResponseCapturer(w)

		next.ServeHTTP(rc, r)

		event := log.Info()
		if rc.statusCode >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", rc.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Admin API request")
	})
}

// metricsMiddleware records request counts and latency
func metricsMiddleware(reg prometheus.Registerer, next http.Handler) http.Handler {
	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_admin_requests_total",
		Help: "Total number of admin API requests",
	}, []string{"method", "path", "status"})
	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_admin_request_duration_seconds",
		Help:    "Admin API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	if err := reg.Register(requestsTotal); err != nil {
		log.Warn().Err(err).Msg("Admin request counter not registered")
	}
	if err := reg.Register(requestDuration); err != nil {
		log.Warn().Err(err).Msg("Admin request histogram not registered")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := newResponseCapturer(w)

		next.ServeHTTP(rc, r)

		requestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rc.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// authMiddleware requires the static admin token on /api routes
func authMiddleware(token string, next http.Handler) http.Handler {
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), expected) != 1 {
			log.Warn().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected admin request with invalid token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientEntry
	now     func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientIdleTimeout = 10 * time.Minute

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &clientLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientEntry),
		now:     time.Now,
	}
}

// allow reports whether the client may make a request now. Idle clients are
// evicted on the way.
func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, entry := range l.clients {
		if now.Sub(entry.lastSeen) > clientIdleTimeout {
			delete(l.clients, k)
		}
	}

	entry, ok := l.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		if !l.allow(key) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
