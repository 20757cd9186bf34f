// Package httpapi serves the webhook intake, read access to the graph and
// the aggregate cache, admin triggers and the sync event feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/govsync/internal/app"
	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/graph"
	"github.com/agentworkforce/govsync/internal/mirror"
	"github.com/agentworkforce/govsync/internal/syncer"
	"github.com/agentworkforce/govsync/internal/webhook"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// ResyncRef is the ref a full resync lists; defaults to "main".
	ResyncRef string
}

type Server struct {
	rt          *app.Runtime
	cfg         ServerConfig
	rateLimiter *rateLimiter
	events      *EventHub
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(rt *app.Runtime, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	if strings.TrimSpace(cfg.ResyncRef) == "" {
		cfg.ResyncRef = "main"
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rt:          rt,
		cfg:         cfg,
		rateLimiter: limiter,
		events:      NewEventHub(logger.With("component", "events")),
		logger:      logger.With("component", "http"),
	}
	rt.Dispatcher.Observe(func(report syncer.Report) {
		s.events.Publish("sync.report", report)
	})
	return s
}

// Events exposes the hub so other producers (the refresh scheduler) can
// publish on the same feed.
func (s *Server) Events() *EventHub {
	return s.events
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "webhooks" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[2], correlationID)
		return
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.events.serve(w, r)
		return
	case len(parts) == 3 && parts[1] == "admin":
		s.handleAdmin(w, r, parts[2], correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodGet:
		route = "documents"
	case len(parts) == 3 && parts[1] == "documents" && r.Method == http.MethodGet:
		route = "document"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "relationships" && r.Method == http.MethodGet:
		route = "relationships"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "content" && r.Method == http.MethodGet:
		route = "content"
	case len(parts) == 2 && parts[1] == "domains" && r.Method == http.MethodGet:
		route = "domains"
	case len(parts) == 2 && parts[1] == "aggregates" && r.Method == http.MethodGet:
		route = "aggregates"
	case len(parts) == 3 && parts[1] == "aggregates" && r.Method == http.MethodGet:
		route = "aggregate"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "documents":
		s.handleListDocuments(w, r, correlationID)
	case "document":
		s.handleGetDocument(w, r, parts[2], correlationID)
	case "relationships":
		s.handleRelationships(w, r, parts[2], correlationID)
	case "content":
		s.handleContent(w, r, parts[2], correlationID)
	case "domains":
		s.handleDomains(w, r, correlationID)
	case "aggregates":
		s.handleListAggregates(w, r, correlationID)
	case "aggregate":
		s.handleAggregate(w, r, parts[2], correlationID)
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider, correlationID string) {
	adapter, ok := webhook.LookupProvider(provider)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown webhook provider: "+provider, correlationID)
		return
	}
	if s.rt.Intake == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook intake is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	res, err := s.rt.Intake.HandlePush(r.Context(), adapter.Delivery(r.Header, body))
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook signature", correlationID)
		case errors.Is(err, webhook.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, syncer.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		default:
			s.logger.Error("webhook intake failed", "provider", provider, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "webhook intake failed", correlationID)
		}
		return
	}
	status := http.StatusOK
	if res.Outcome == webhook.OutcomeAccepted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	filter := graph.DocumentFilter{
		Type:           strings.TrimSpace(q.Get("type")),
		Status:         strings.TrimSpace(q.Get("status")),
		Domain:         strings.TrimSpace(q.Get("domain")),
		Relationship:   strings.TrimSpace(q.Get("relationship")),
		Target:         strings.TrimSpace(q.Get("target")),
		IncludeRetired: parseBool(q.Get("includeRetired"), false),
		Limit:          parseBoundedInt(q.Get("limit"), 200, 1, 1000),
	}
	docs, err := s.rt.Graph.ListDocuments(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, slug, correlationID string) {
	doc, err := s.rt.Graph.GetDocument(r.Context(), slug)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request, slug, correlationID string) {
	if _, err := s.rt.Graph.GetDocument(r.Context(), slug); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	edges, err := s.rt.Graph.ListRelationships(r.Context(), slug)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slug": slug, "relationships": edges})
}

// handleContent serves the mirrored markdown for a document.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request, slug, correlationID string) {
	doc, err := s.rt.Graph.GetDocument(r.Context(), slug)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	obj, err := s.rt.Mirror.Get(r.Context(), doc.ContentLocation)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	if commit := obj.Metadata[mirror.MetaCommit]; commit != "" {
		w.Header().Set("ETag", strconv.Quote(commit))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Content)
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request, correlationID string) {
	domains, err := s.rt.Graph.ListDomains(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

type aggregateStatus struct {
	Key           string     `json:"key"`
	LastRefreshed *time.Time `json:"lastRefreshed,omitempty"`
}

func (s *Server) handleListAggregates(w http.ResponseWriter, r *http.Request, correlationID string) {
	keys := s.rt.Cache.Keys()
	out := make([]aggregateStatus, 0, len(keys))
	for _, key := range keys {
		st := aggregateStatus{Key: key}
		last, ok, err := s.rt.Cache.LastRefreshed(r.Context(), key)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		if ok {
			st.LastRefreshed = &last
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregates": out})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request, key, correlationID string) {
	entry, err := s.rt.Cache.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "unknown aggregate: "+key, correlationID)
			return
		}
		s.logger.Warn("aggregate read failed", "key", key, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, action, correlationID string) {
	var requiredScope string
	switch {
	case action == "refresh" && r.Method == http.MethodPost:
		requiredScope = scopeCacheRefresh
	case action == "resync" && r.Method == http.MethodPost:
		requiredScope = scopeSyncTrigger
	case (action == "backends" || action == "sync") && r.Method == http.MethodGet:
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch action {
	case "refresh":
		force := parseBool(r.URL.Query().Get("force"), false)
		s.logger.Info("admin refresh", "subject", claims.Subject, "force", force)
		report := s.rt.Cache.RefreshAll(r.Context(), force)
		s.events.Publish("cache.refresh", report)
		writeJSON(w, http.StatusOK, report)
	case "resync":
		s.logger.Info("admin resync", "subject", claims.Subject, "ref", s.cfg.ResyncRef)
		job, err := syncer.Reconcile(r.Context(), s.rt.Pipeline, s.rt.Dispatcher, s.cfg.ResyncRef)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"jobId":   job.ID,
			"changed": len(job.Changed),
			"deleted": len(job.Deleted),
		})
	case "backends":
		writeJSON(w, http.StatusOK, s.rt.Backends())
	case "sync":
		writeJSON(w, http.StatusOK, map[string]any{
			"dispatcher":  s.rt.Dispatcher.Status(),
			"subscribers": s.events.Subscribers(),
		})
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, mirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, graph.ErrInvalidInput), errors.Is(err, syncer.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, syncer.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
