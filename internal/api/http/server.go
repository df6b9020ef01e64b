package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/jobs"
)

type Resolver interface {
	Resolve(ctx context.Context, req domain.ContentRequest) (domain.RankedResult, error)
	Stream(ctx context.Context, req domain.ContentRequest) (<-chan domain.RankedResult, error)
	ProviderDiagnostics() []domain.ProviderDiagnostics
}

type JobService interface {
	CreateJob(ctx context.Context, req domain.ContentRequest, opts jobs.StartOptions) (string, error)
	GetJob(id string) (domain.ResolutionJob, error)
	DeleteJob(id string) error
	History() []domain.ResolutionJob
	Subscribe(id string) (<-chan domain.ResolutionJob, func(), error)
	ReportBadLink(ctx context.Context, report jobs.BadLinkReport) (domain.BadLinkFlag, error)
	Fallback(ctx context.Context, fr jobs.FallbackRequest) (jobs.FallbackResult, error)
}

type SessionService interface {
	CheckAndStart(ctx context.Context, credential, ip string, user domain.SessionUser) (domain.ActiveSession, error)
	Heartbeat(ctx context.Context, credential, ip string) error
	End(ctx context.Context, credential, ip string) error
}

type Server struct {
	resolver  Resolver
	jobs      JobService
	sessions  SessionService
	logger    *slog.Logger
	rateLimit float64
	burst     int
	proxies   proxyTrust
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithJobs(jobs JobService) ServerOption {
	return func(s *Server) {
		s.jobs = jobs
	}
}

func WithSessions(sessions SessionService) ServerOption {
	return func(s *Server) {
		s.sessions = sessions
	}
}

// WithRateLimit sets the ingress token bucket. The burst is twice the rate.
func WithRateLimit(rps float64) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateLimit = rps
			s.burst = int(rps * 2)
		}
	}
}

// WithTrustedProxies lists the proxy addresses or CIDR ranges whose
// forwarding headers are honored. Invalid entries are logged and skipped.
func WithTrustedProxies(entries []string) ServerOption {
	return func(s *Server) {
		for _, entry := range entries {
			trust, err := parseTrustedProxies([]string{entry})
			if err != nil {
				logger := s.logger
				if logger == nil {
					logger = slog.Default()
				}
				logger.Warn("ignoring trusted proxy", slog.String("entry", entry), slog.String("error", err.Error()))
				continue
			}
			s.proxies.prefixes = append(s.proxies.prefixes, trust.prefixes...)
		}
	}
}

func NewServer(resolver Resolver, options ...ServerOption) *Server {
	server := &Server{
		resolver:  resolver,
		logger:    slog.Default(),
		rateLimit: 50,
		burst:     100,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.burst < 1 {
		server.burst = 1
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/resolve/stream", s.handleResolveStream)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobRoutes)
	mux.HandleFunc("/badlinks", s.handleBadLinks)
	mux.HandleFunc("/sessions/", s.handleSessions)
	mux.HandleFunc("/providers/health", s.handleProvidersHealth)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, s.proxies, mux), "stream-resolver",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, s.proxies, rateLimitMiddleware(s.rateLimit, s.burst, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/providers/health" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "resolver is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.resolver.ProviderDiagnostics(),
	})
}

// requestBody is the wire form of a ContentRequest. The credential may also
// arrive as a bearer token.
type requestBody struct {
	domain.ContentRequest
	Credential string `json:"credential,omitempty"`
}

func (b requestBody) toRequest(r *http.Request) domain.ContentRequest {
	req := b.ContentRequest
	req.Credential = strings.TrimSpace(b.Credential)
	if req.Credential == "" {
		req.Credential = bearerToken(r)
	}
	return req
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// parseRequestQuery reads a ContentRequest from query parameters for
// clients such as EventSource that cannot send a body.
func parseRequestQuery(r *http.Request) (domain.ContentRequest, error) {
	q := r.URL.Query()
	req := domain.ContentRequest{
		Title:             strings.TrimSpace(q.Get("title")),
		Type:              domain.MediaType(strings.ToLower(strings.TrimSpace(q.Get("type")))),
		ExternalID:        strings.TrimSpace(q.Get("externalId")),
		UserID:            strings.TrimSpace(q.Get("userId")),
		ExcludedHashes:    parseCSV(q.Get("excludedHashes")),
		ExcludedFilePaths: parseCSV(q.Get("excludedFilePaths")),
		PlatformHint:      strings.TrimSpace(q.Get("platformHint")),
	}
	var err error
	if req.Year, err = parseNonNegativeInt(r, "year"); err != nil {
		return req, fmt.Errorf("%w: invalid year", domain.ErrInvalidRequest)
	}
	if req.Season, err = parseNonNegativeInt(r, "season"); err != nil {
		return req, fmt.Errorf("%w: invalid season", domain.ErrInvalidRequest)
	}
	if req.Episode, err = parseNonNegativeInt(r, "episode"); err != nil {
		return req, fmt.Errorf("%w: invalid episode", domain.ErrInvalidRequest)
	}
	if raw := strings.TrimSpace(q.Get("maxBitrateMbps")); raw != "" {
		value, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil || value < 0 {
			return req, fmt.Errorf("%w: invalid maxBitrateMbps", domain.ErrInvalidRequest)
		}
		req.MaxBitrateMbps = value
	}
	req.Credential = bearerToken(r)
	if req.Credential == "" {
		req.Credential = strings.TrimSpace(q.Get("credential"))
	}
	return req, nil
}

// writeDomainError maps service errors to HTTP responses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var conflict *domain.ConcurrentSessionError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]string{
				"code":    "concurrent_session",
				"message": conflict.Error(),
			},
			"session": map[string]any{
				"username":  conflict.Username,
				"ipAddress": conflict.IPAddress,
				"startedAt": conflict.StartedAt.UTC(),
			},
		})
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNoCandidates):
		writeError(w, http.StatusNotFound, "not_available", domain.ErrNoCandidates.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrTransientProvider):
		writeError(w, http.StatusBadGateway, "provider_unavailable", err.Error())
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parseNonNegativeInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
