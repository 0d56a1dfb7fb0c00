package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flaggate/internal/core"
	"github.com/matt-riley/flaggate/internal/evaluation"
	"github.com/matt-riley/flaggate/internal/fetch"
	"github.com/matt-riley/flaggate/internal/flagdoc"
	"github.com/matt-riley/flaggate/internal/gate"
	"github.com/matt-riley/flaggate/internal/metrics"
	"github.com/matt-riley/flaggate/internal/middleware"
	"github.com/matt-riley/flaggate/internal/refresher"
	"github.com/matt-riley/flaggate/internal/store"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	DefaultDemoFlag         = "NewFeature"

	newFeatureEnabledMessage    = "New Feature is enabled!"
	newFeatureDisabledMessage   = "New Feature is disabled."
	newFeatureAccessibleMessage = "New Feature Endpoint is accessible!"
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Evaluator is the read side the HTTP and gRPC surfaces need.
type Evaluator interface {
	gate.Evaluator
	IsEnabled(name string, context core.EvaluationContext) bool
	Snapshot() *store.Snapshot
}

// Refresher runs an out-of-band refresh.
type Refresher interface {
	Refresh(ctx context.Context) (refresher.Result, error)
}

type HTTPOption func(*HTTPServer)

// WithRefresh enables POST /v1/refresh behind bearer auth. A nil limiter
// disables rate limiting.
func WithRefresh(r Refresher, validator middleware.TokenValidator, limiter *middleware.RateLimiter) HTTPOption {
	return func(s *HTTPServer) {
		s.refresher = r
		s.tokenValidator = validator
		s.rateLimiter = limiter
	}
}

func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithDemoFlag sets the flag behind the /api/feature endpoints.
func WithDemoFlag(name string) HTTPOption {
	return func(s *HTTPServer) {
		if name = strings.TrimSpace(name); name != "" {
			s.demoFlag = name
		}
	}
}

type HTTPServer struct {
	evaluator        Evaluator
	refresher        Refresher
	tokenValidator   middleware.TokenValidator
	rateLimiter      *middleware.RateLimiter
	metrics          *metrics.Metrics
	maxJSONBodyBytes int64
	demoFlag         string
}

type evaluateJSONRequest struct {
	Key      string                  `json:"key,omitempty"`
	Context  core.EvaluationContext  `json:"context,omitempty"`
	Requests []evaluateJSONBatchItem `json:"requests,omitempty"`
}

type evaluateJSONBatchItem struct {
	Key     string                 `json:"key"`
	Context core.EvaluationContext `json:"context"`
}

type evaluateJSONResult struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

type evaluateJSONResponse struct {
	Version uint64               `json:"version"`
	Results []evaluateJSONResult `json:"results"`
}

type flagsJSONResponse struct {
	Version   uint64             `json:"version"`
	FetchedAt time.Time          `json:"fetched_at"`
	Flags     []flagdoc.Document `json:"flags"`
}

type refreshJSONResponse struct {
	refresher.Result
	DurationMS int64    `json:"duration_ms"`
	Skipped    []string `json:"skipped,omitempty"`
}

type flagJSONResponse struct {
	Version uint64           `json:"version"`
	Flag    flagdoc.Document `json:"flag"`
}

// NewHTTPHandler serves the flag read API, the refresh endpoint, health,
// metrics and the demo feature endpoints.
func NewHTTPHandler(evaluator Evaluator, opts ...HTTPOption) http.Handler {
	if evaluator == nil {
		panic("evaluator is nil")
	}

	s := &HTTPServer{
		evaluator:        evaluator,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
		demoFlag:         DefaultDemoFlag,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.handle(mux, "GET /v1/flags", http.HandlerFunc(s.handleListFlags))
	s.handle(mux, "GET /v1/flags/{name}", http.HandlerFunc(s.handleGetFlag))
	s.handle(mux, "POST /v1/evaluate", http.HandlerFunc(s.handleEvaluate))
	s.handle(mux, "GET /healthz", http.HandlerFunc(s.handleHealthz))
	s.handle(mux, "GET /api/feature/check-new-feature", http.HandlerFunc(s.handleCheckNewFeature))

	var onDeny []gate.Option
	if s.metrics != nil {
		onDeny = append(onDeny, gate.WithOnDeny(s.metrics.IncGateDenials))
	}
	gated := gate.Middleware(evaluator, s.demoFlag, gate.HeaderContext, nil, onDeny...)
	s.handle(mux, "GET /api/feature/new-feature-endpoint", gated(http.HandlerFunc(s.handleNewFeatureEndpoint)))

	if s.refresher != nil && s.tokenValidator != nil {
		authOpts := []middleware.AuthOption{middleware.WithRateLimiter(s.rateLimiter)}
		if s.metrics != nil {
			authOpts = append(authOpts, middleware.WithOnAuthFailure(s.metrics.IncAuthFailures))
		}
		protected := middleware.HTTPBearerAuthMiddleware(s.tokenValidator, authOpts...)
		s.handle(mux, "POST /v1/refresh", protected(http.HandlerFunc(s.handleRefresh)))
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	if s.metrics != nil {
		_, route, _ := strings.Cut(pattern, " ")
		h = s.metrics.InstrumentHandler(route, h)
	}
	mux.Handle(pattern, h)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.evaluator.Snapshot()
	flags := snapshot.Flags()

	documents := make([]flagdoc.Document, 0, len(flags))
	for _, flag := range flags {
		documents = append(documents, flagdoc.FromFlag(flag))
	}

	writeJSON(w, http.StatusOK, flagsJSONResponse{
		Version:   snapshot.Version(),
		FetchedAt: snapshot.FetchedAt(),
		Flags:     documents,
	})
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if strings.TrimSpace(name) == "" {
		writeJSONError(w, http.StatusBadRequest, "flag name is required")
		return
	}

	snapshot := s.evaluator.Snapshot()
	flag, ok := snapshot.Lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, flagJSONResponse{
		Version: snapshot.Version(),
		Flag:    flagdoc.FromFlag(flag),
	})
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request, s.maxJSONBodyBytes); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	var items []evaluateJSONBatchItem
	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.Key) != "":
		writeJSONError(w, http.StatusBadRequest, "use either key or requests")
		return
	case len(request.Requests) > 0:
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.Key) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].key is required", idx))
				return
			}
		}
		items = request.Requests
	case strings.TrimSpace(request.Key) != "":
		items = []evaluateJSONBatchItem{{Key: request.Key, Context: request.Context}}
	default:
		writeJSONError(w, http.StatusBadRequest, "key or requests is required")
		return
	}

	response := evaluateJSONResponse{
		Version: s.evaluator.Snapshot().Version(),
		Results: make([]evaluateJSONResult, 0, len(items)),
	}
	for _, item := range items {
		enabled, err := s.evaluator.Evaluate(item.Key, item.Context)
		result := evaluateJSONResult{Key: item.Key, Enabled: enabled}
		if err != nil {
			result.Enabled = false
			result.Error = evaluationErrorMessage(err)
		}
		response.Results = append(response.Results, result)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.refresher.Refresh(r.Context())
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("manual refresh failed", "error", err)
		writeJSONError(w, refreshErrorStatus(err), refreshErrorMessage(err))
		return
	}

	response := refreshJSONResponse{
		Result:     result,
		DurationMS: result.Duration.Milliseconds(),
	}
	for _, skipped := range result.Skipped {
		response.Skipped = append(response.Skipped, skipped.Error())
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	version := s.evaluator.Snapshot().Version()
	if version == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version})
}

func (s *HTTPServer) handleCheckNewFeature(w http.ResponseWriter, r *http.Request) {
	message := newFeatureDisabledMessage
	if s.evaluator.IsEnabled(s.demoFlag, gate.HeaderContext(r)) {
		message = newFeatureEnabledMessage
	}
	writeText(w, http.StatusOK, message)
}

func (s *HTTPServer) handleNewFeatureEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, newFeatureAccessibleMessage)
}

func evaluationErrorMessage(err error) string {
	switch {
	case errors.Is(err, evaluation.ErrUnknownFlag):
		return "flag not found"
	default:
		return "evaluation failed"
	}
}

func refreshErrorStatus(err error) int {
	var fetchErr *fetch.FetchError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, flagdoc.ErrNoValidDocuments), errors.Is(err, flagdoc.ErrUnparsablePayload):
		return http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func refreshErrorMessage(err error) string {
	switch refreshErrorStatus(err) {
	case http.StatusGatewayTimeout:
		return "flag source timed out"
	case http.StatusRequestTimeout:
		return "request canceled"
	case http.StatusBadGateway:
		return "flag source unavailable"
	case http.StatusUnprocessableEntity:
		return "flag source returned no valid flags"
	default:
		return "internal server error"
	}
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
