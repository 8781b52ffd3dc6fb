// Package api serves EyeLine's HTTP surface: the Twilio webhook, the admin appointment
// listing, health checks, metrics and a landing page.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/metrics"
	"github.com/BTreeMap/EyeLine/internal/ratelimit"
	"github.com/BTreeMap/EyeLine/internal/store"
)

// Default configuration values for the HTTP server.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultAdminLimit and MaxAdminLimit bound GET /admin/appointments?limit=.
	DefaultAdminLimit = 50
	MaxAdminLimit     = 200
	// Admin requests allowed per second per client IP, and the burst on top of it.
	DefaultAdminRPS   = 1.0
	DefaultAdminBurst = 5
)

// Opts holds configuration for the HTTP server.
type Opts struct {
	Addr             string
	AdminToken       string
	TwilioAuthToken  string
	PublicURL        string
	WhatsmeowEnabled bool
	ShutdownTimeout  time.Duration
	AdminRPS         float64
	AdminBurst       int
}

// Option defines a configuration option for the HTTP server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken enables GET /admin/appointments behind the given shared secret.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTwilioAuthToken enables webhook signature verification.
func WithTwilioAuthToken(token string) Option {
	return func(o *Opts) { o.TwilioAuthToken = token }
}

// WithPublicURL sets the webhook URL Twilio signs when running behind a proxy.
func WithPublicURL(url string) Option {
	return func(o *Opts) { o.PublicURL = url }
}

// WithWhatsmeow also serves conversations over a whatsmeow session.
func WithWhatsmeow(enabled bool) Option {
	return func(o *Opts) { o.WhatsmeowEnabled = enabled }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithAdminThrottle sets the per-IP admin request rate.
func WithAdminThrottle(rps float64, burst int) Option {
	return func(o *Opts) {
		o.AdminRPS = rps
		o.AdminBurst = burst
	}
}

func defaultOpts() Opts {
	return Opts{
		Addr:            DefaultAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
		AdminRPS:        DefaultAdminRPS,
		AdminBurst:      DefaultAdminBurst,
	}
}

// Server routes HTTP requests to the webhook and the admin/health handlers.
type Server struct {
	st            store.Store
	webhook       http.Handler
	metrics       *metrics.Metrics
	adminToken    string
	adminThrottle *ratelimit.TokenBuckets
	now           func() time.Time
}

// NewServer creates a Server. webhook handles POST /whatsapp; m may be nil.
func NewServer(st store.Store, webhook http.Handler, m *metrics.Metrics, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:            st,
		webhook:       webhook,
		metrics:       m,
		adminToken:    strings.TrimSpace(cfg.AdminToken),
		adminThrottle: ratelimit.NewTokenBuckets(cfg.AdminRPS, cfg.AdminBurst),
		now:           time.Now,
	}
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/whatsapp", s.webhook)
	mux.HandleFunc("/admin/appointments", s.adminAppointmentsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", s.homeHandler)
	return mux
}
