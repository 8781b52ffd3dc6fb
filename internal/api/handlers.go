package api

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/EyeLine/internal/models"
)

// AdminTokenHeader carries the admin shared secret; "Authorization: Bearer" is accepted too.
const AdminTokenHeader = "X-Admin-Token"

const homePage = `<!doctype html>
<html><head><meta charset="utf-8"><title>EyeLine</title></head>
<body><h3>EyeLine: ophthalmology triage over WhatsApp</h3><p>POST /whatsapp (Twilio webhook).</p></body></html>
`

// HealthStatus is the body of GET /health and GET /healthz.
type HealthStatus struct {
	OK bool   `json:"ok"`
	TS string `json:"ts"`
}

func (s *Server) adminAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if s.adminToken == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	ip := clientIP(r)
	if !s.adminThrottle.Allow(ip) {
		slog.Warn("Server.adminAppointmentsHandler: throttled", "ip", ip)
		writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Too many requests"))
		return
	}
	if !s.authorized(r) {
		slog.Warn("Server.adminAppointmentsHandler: unauthorized", "ip", ip)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
		return
	}
	appts, err := s.st.ListAppointments(r.Context(), limit)
	if err != nil {
		slog.Error("Server.adminAppointmentsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list appointments"))
		return
	}
	if appts == nil {
		appts = []models.Appointment{}
	}
	slog.Debug("Server.adminAppointmentsHandler: listed", "count", len(appts), "limit", limit)
	writeJSONResponse(w, http.StatusOK, models.Success(appts))
}

// authorized compares the presented token with the configured secret in constant time.
func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get(AdminTokenHeader)
	if got == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			got = strings.TrimSpace(auth[7:])
		}
	}
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) == 1
}

// parseLimit applies DefaultAdminLimit to an empty value and caps at MaxAdminLimit.
func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultAdminLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, strconv.ErrRange
	}
	if n > MaxAdminLimit {
		n = MaxAdminLimit
	}
	return n, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, HealthStatus{OK: true, TS: s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(homePage)); err != nil {
		slog.Error("Server.homeHandler: write failed", "error", err)
	}
}
