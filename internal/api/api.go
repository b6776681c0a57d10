// Package api provides the REST API consumed by the companion UI.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/config"
	"github.com/anthropics/gander/internal/mock"
	"github.com/anthropics/gander/internal/replay"
	"github.com/anthropics/gander/internal/store"
)

// Server is the REST API server.
type Server struct {
	cfg         *config.Config
	store       store.Store
	mocks       *mock.Engine
	breakpoints *breakpoint.Rendezvous
	composer    *replay.Composer
	caPEM       []byte
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	rateLimiter *RateLimiter
}

// ServerConfig holds collaborators for the API server.
type ServerConfig struct {
	Config      *config.Config
	Store       store.Store
	Mocks       *mock.Engine
	Breakpoints *breakpoint.Rendezvous
	Composer    *replay.Composer
	CACertPEM   []byte
	Logger      *slog.Logger
	WSHandler   http.HandlerFunc // event hub endpoint, mounted at /ws
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg.Config,
		store:       cfg.Store,
		mocks:       cfg.Mocks,
		breakpoints: cfg.Breakpoints,
		composer:    cfg.Composer,
		caPEM:       cfg.CACertPEM,
		logger:      cfg.Logger,
		mux:         http.NewServeMux(),
		startTime:   time.Now(),
		rateLimiter: NewRateLimiter(20, 100),
	}

	s.mux.HandleFunc("GET /api/requests", s.authMiddleware(s.listRequests))
	s.mux.HandleFunc("GET /api/requests/count", s.authMiddleware(s.countRequests))
	s.mux.HandleFunc("GET /api/requests/facets", s.authMiddleware(s.getFacets))
	s.mux.HandleFunc("GET /api/requests/export", s.authMiddleware(s.exportRequests))
	s.mux.HandleFunc("POST /api/requests/clear", s.authMiddleware(s.clearRequests))
	s.mux.HandleFunc("GET /api/requests/{id}", s.authMiddleware(s.getRequest))
	s.mux.HandleFunc("DELETE /api/requests/{id}", s.authMiddleware(s.deleteRequest))
	s.mux.HandleFunc("POST /api/requests/{id}/replay", s.authMiddleware(s.replayRequest))
	s.mux.HandleFunc("POST /api/compose", s.authMiddleware(s.composeRequest))

	s.mux.HandleFunc("GET /api/mocks", s.authMiddleware(s.listMocks))
	s.mux.HandleFunc("POST /api/mocks", s.authMiddleware(s.createMock))
	s.mux.HandleFunc("PUT /api/mocks/{id}", s.authMiddleware(s.updateMock))
	s.mux.HandleFunc("DELETE /api/mocks/{id}", s.authMiddleware(s.deleteMock))
	s.mux.HandleFunc("POST /api/mocks/{id}/toggle", s.authMiddleware(s.toggleMock))

	s.mux.HandleFunc("GET /api/breakpoints/config", s.authMiddleware(s.getBreakpointConfig))
	s.mux.HandleFunc("PUT /api/breakpoints/config", s.authMiddleware(s.setBreakpointConfig))
	s.mux.HandleFunc("GET /api/breakpoints/pending", s.authMiddleware(s.listPendingBreakpoints))
	s.mux.HandleFunc("POST /api/breakpoints/{id}/continue", s.authMiddleware(s.continueBreakpoint))
	s.mux.HandleFunc("POST /api/breakpoints/{id}/drop", s.authMiddleware(s.dropBreakpoint))

	s.mux.HandleFunc("GET /api/settings/{key}", s.authMiddleware(s.getSetting))
	s.mux.HandleFunc("PUT /api/settings/{key}", s.authMiddleware(s.setSetting))

	s.mux.HandleFunc("GET /api/health", s.healthCheck)
	s.mux.HandleFunc("GET /ca.crt", s.downloadCA)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.WSHandler != nil {
		s.mux.HandleFunc("GET /ws", cfg.WSHandler)
	}

	return s
}

// Handler returns the HTTP handler chain: CORS -> rate limit -> routes.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with bearer token authentication using a
// constant-time comparison. An empty configured token disables auth.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.API.Token
		if token == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		expected := "Bearer " + token
		if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
			s.logger.Debug("auth failed", "provided_len", len(auth))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// corsMiddleware adds CORS headers for localhost origins only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			if strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "https://localhost") ||
				strings.HasPrefix(origin, "https://127.0.0.1") {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// parseFilter builds a store filter from query params. All values are
// literals: status bucket expansion like "2xx" is the UI's job.
func parseFilter(r *http.Request) store.Filter {
	q := r.URL.Query()

	filter := store.Filter{
		SearchQuery: q.Get("q"),
	}

	if v := q.Get("methods"); v != "" {
		filter.Methods = splitCSV(v)
	}
	if v := q.Get("hosts"); v != "" {
		filter.Hosts = splitCSV(v)
	}
	if v := q.Get("content_types"); v != "" {
		filter.ContentTypes = splitCSV(v)
	}
	if v := q.Get("status"); v != "" {
		for _, part := range splitCSV(v) {
			if code, err := strconv.Atoi(part); err == nil {
				filter.StatusCodes = append(filter.StatusCodes, code)
			}
		}
	}
	if v := q.Get("start"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			filter.StartTime = &t
		}
	}
	if v := q.Get("end"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			filter.EndTime = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	return filter
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// listRequests returns exchanges matching the filter, newest first.
func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	if filter.Limit == 0 {
		filter.Limit = 200
	}

	exchanges, err := s.store.ListExchanges(r.Context(), filter)
	if err != nil {
		s.serverError(w, "listing exchanges", err)
		return
	}

	out := make([]exchangeJSON, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, toExchangeJSON(ex))
	}
	s.writeJSON(w, map[string]interface{}{"requests": out})
}

// countRequests returns the unpaginated match count for a filter.
func (s *Server) countRequests(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountExchanges(r.Context(), parseFilter(r))
	if err != nil {
		s.serverError(w, "counting exchanges", err)
		return
	}
	s.writeJSON(w, map[string]int{"count": count})
}

// getFacets returns the distinct hosts, methods, and content types observed.
func (s *Server) getFacets(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.UniqueHosts(r.Context())
	if err != nil {
		s.serverError(w, "listing hosts", err)
		return
	}
	methods, err := s.store.UniqueMethods(r.Context())
	if err != nil {
		s.serverError(w, "listing methods", err)
		return
	}
	contentTypes, err := s.store.UniqueContentTypes(r.Context())
	if err != nil {
		s.serverError(w, "listing content types", err)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"hosts":         hosts,
		"methods":       methods,
		"content_types": contentTypes,
	})
}

// getRequest returns a single exchange with bodies.
func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	ex, err := s.store.GetExchange(r.Context(), id)
	if err != nil {
		s.serverError(w, "loading exchange", err)
		return
	}
	if ex == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, toExchangeJSON(ex))
}

// deleteRequest removes a single exchange.
func (s *Server) deleteRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteExchange(r.Context(), id); err != nil {
		s.serverError(w, "deleting exchange", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// clearRequests wipes the capture log and reclaims storage.
func (s *Server) clearRequests(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		s.serverError(w, "clearing exchanges", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// replayRequest re-sends a stored exchange and persists the fresh capture.
func (s *Server) replayRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}

	ex, err := s.composer.Replay(r.Context(), id)
	if err != nil {
		s.serverError(w, "replaying exchange", err)
		return
	}

	// Persist under a store-assigned id; the composer id stays private.
	saved := *ex
	saved.ID = 0
	if _, err := s.store.SaveRequest(r.Context(), &saved); err != nil {
		s.logger.Error("failed to persist replayed exchange", "error", err)
	}

	s.writeJSON(w, toExchangeJSON(&saved))
}

// composeRequest sends a user-supplied request and returns its capture
// without persisting it.
func (s *Server) composeRequest(w http.ResponseWriter, r *http.Request) {
	var composed replay.Composed
	if err := json.NewDecoder(r.Body).Decode(&composed); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ex, err := s.composer.Send(r.Context(), composed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, toExchangeJSON(ex))
}

// mockJSON is the wire form of a mock rule.
type mockJSON struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Enabled         bool              `json:"enabled"`
	Method          string            `json:"method,omitempty"`
	URLPattern      string            `json:"url_pattern"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body"`
	DelayMs         int               `json:"delay_ms"`
}

func (m mockJSON) toRule() *store.MockRule {
	return &store.MockRule{
		ID:              m.ID,
		Name:            m.Name,
		Enabled:         m.Enabled,
		Method:          m.Method,
		URLPattern:      m.URLPattern,
		ResponseStatus:  m.ResponseStatus,
		ResponseHeaders: m.ResponseHeaders,
		ResponseBody:    m.ResponseBody,
		DelayMs:         m.DelayMs,
	}
}

func toMockJSON(rule *store.MockRule) mockJSON {
	return mockJSON{
		ID:              rule.ID,
		Name:            rule.Name,
		Enabled:         rule.Enabled,
		Method:          rule.Method,
		URLPattern:      rule.URLPattern,
		ResponseStatus:  rule.ResponseStatus,
		ResponseHeaders: rule.ResponseHeaders,
		ResponseBody:    rule.ResponseBody,
		DelayMs:         rule.DelayMs,
	}
}

func (s *Server) listMocks(w http.ResponseWriter, r *http.Request) {
	rules := s.mocks.List()
	out := make([]mockJSON, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toMockJSON(rule))
	}
	s.writeJSON(w, map[string]interface{}{"mocks": out})
}

func (s *Server) createMock(w http.ResponseWriter, r *http.Request) {
	var m mockJSON
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if m.URLPattern == "" {
		http.Error(w, "url_pattern is required", http.StatusBadRequest)
		return
	}

	rule := m.toRule()
	if err := s.mocks.Add(r.Context(), rule); err != nil {
		s.serverError(w, "saving mock rule", err)
		return
	}
	s.writeJSON(w, toMockJSON(rule))
}

func (s *Server) updateMock(w http.ResponseWriter, r *http.Request) {
	var m mockJSON
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	m.ID = r.PathValue("id")

	rule := m.toRule()
	if err := s.mocks.Update(r.Context(), rule); err != nil {
		s.serverError(w, "updating mock rule", err)
		return
	}
	s.writeJSON(w, toMockJSON(rule))
}

func (s *Server) deleteMock(w http.ResponseWriter, r *http.Request) {
	if err := s.mocks.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.serverError(w, "deleting mock rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleMock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := s.mocks.Toggle(r.Context(), r.PathValue("id"), body.Enabled); err != nil {
		s.serverError(w, "toggling mock rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBreakpointConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.breakpoints.Config())
}

func (s *Server) setBreakpointConfig(w http.ResponseWriter, r *http.Request) {
	var cfg breakpoint.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.breakpoints.SetConfig(cfg)
	s.writeJSON(w, cfg)
}

func (s *Server) listPendingBreakpoints(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"pending": s.breakpoints.Pending()})
}

// continueBreakpoint resumes a paused message. An empty body (or one without
// modifications) is an identity resume.
func (s *Server) continueBreakpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Method  *string           `json:"method,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    *string           `json:"body,omitempty"`
		Status  *int              `json:"status,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.Method == nil && body.Headers == nil && body.Body == nil && body.Status == nil {
		s.breakpoints.Continue(id, nil)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// Build the modified snapshot from the pending original so omitted
	// fields keep their original values.
	var modified *breakpoint.Snapshot
	for _, snap := range s.breakpoints.Pending() {
		if snap.ID == id {
			m := snap
			if body.Method != nil {
				m.Method = *body.Method
			}
			if body.Headers != nil {
				m.Headers = body.Headers
			}
			if body.Body != nil {
				m.Body = []byte(*body.Body)
			}
			if body.Status != nil {
				m.Status = *body.Status
			}
			modified = &m
			break
		}
	}

	s.breakpoints.Continue(id, modified)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) dropBreakpoint(w http.ResponseWriter, r *http.Request) {
	s.breakpoints.Drop(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	value, err := s.store.GetSetting(r.Context(), r.PathValue("key"))
	if err != nil {
		s.serverError(w, "reading setting", err)
		return
	}
	s.writeJSON(w, map[string]string{"key": r.PathValue("key"), "value": value})
}

func (s *Server) setSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := s.store.SetSetting(r.Context(), r.PathValue("key"), body.Value); err != nil {
		s.serverError(w, "writing setting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthCheck reports liveness; no auth so monitors can poll it.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// downloadCA serves the root certificate for device setup; no auth so
// freshly configured devices can fetch it.
func (s *Server) downloadCA(w http.ResponseWriter, r *http.Request) {
	if len(s.caPEM) == 0 {
		http.Error(w, "no CA configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="gander-ca.crt"`)
	_, _ = w.Write(s.caPEM)
}

// exchangeJSON is the wire form of an exchange.
type exchangeJSON struct {
	ID              int64             `json:"id"`
	TimestampMs     int64             `json:"timestamp_ms"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Host            string            `json:"host"`
	Path            string            `json:"path"`
	Status          int               `json:"status"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     *string           `json:"request_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    *string           `json:"response_body,omitempty"`
	ContentType     string            `json:"content_type"`
	DurationMs      int64             `json:"duration_ms"`
	Size            int64             `json:"size"`
}

func toExchangeJSON(ex *store.Exchange) exchangeJSON {
	return exchangeJSON{
		ID:              ex.ID,
		TimestampMs:     ex.Timestamp.UnixMilli(),
		Method:          ex.Method,
		URL:             ex.URL,
		Host:            ex.Host,
		Path:            ex.Path,
		Status:          ex.Status,
		RequestHeaders:  ex.RequestHeaders,
		RequestBody:     ex.RequestBody,
		ResponseHeaders: ex.ResponseHeaders,
		ResponseBody:    ex.ResponseBody,
		ContentType:     ex.ContentType,
		DurationMs:      ex.DurationMs,
		Size:            ex.Size,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, action string, err error) {
	s.logger.Error(action, "error", err)
	http.Error(w, fmt.Sprintf("%s: internal error", action), http.StatusInternalServerError)
}
