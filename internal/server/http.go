// Package server exposes a flagz SDK client over HTTP and reports its
// readiness over the gRPC health protocol, so processes that cannot embed
// the SDK can share one instance.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	flagz "github.com/matt-riley/flagz-sdk"
	"github.com/matt-riley/flagz-sdk/internal/metrics"
	"github.com/matt-riley/flagz-sdk/internal/middleware"
)

const (
	defaultStreamPollInterval = time.Second
	defaultMaxJSONBodyBytes   = 1 << 20
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPOptions configures the relay HTTP handler.
type HTTPOptions struct {
	// Metrics enables request metrics and the /metrics route.
	Metrics *metrics.Metrics
	// MaxJSONBodyBytes bounds request bodies. Zero uses 1 MiB.
	MaxJSONBodyBytes int64
	// StreamPollInterval is how often /v1/stream checks for a new config.
	StreamPollInterval time.Duration
}

type HTTPServer struct {
	evaluator          Evaluator
	metrics            *metrics.Metrics
	maxJSONBodyBytes   int64
	streamPollInterval time.Duration
}

type variableRequest struct {
	User    flagz.User `json:"user"`
	Default any        `json:"default"`
}

type userRequest struct {
	User flagz.User `json:"user"`
}

type trackRequest struct {
	User   flagz.User    `json:"user"`
	Events []flagz.Event `json:"events"`
}

type trackResponse struct {
	Accepted int `json:"accepted"`
}

type flushResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// NewHTTPHandler returns the relay's HTTP API.
func NewHTTPHandler(ev Evaluator, opts HTTPOptions) http.Handler {
	if ev == nil {
		panic("evaluator is nil")
	}
	if opts.MaxJSONBodyBytes <= 0 {
		opts.MaxJSONBodyBytes = defaultMaxJSONBodyBytes
	}
	if opts.StreamPollInterval <= 0 {
		opts.StreamPollInterval = defaultStreamPollInterval
	}

	server := &HTTPServer{
		evaluator:          ev,
		metrics:            opts.Metrics,
		maxJSONBodyBytes:   opts.MaxJSONBodyBytes,
		streamPollInterval: opts.StreamPollInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/variables/{key}", server.handleVariable)
	mux.HandleFunc("POST /v1/variables", server.handleAllVariables)
	mux.HandleFunc("POST /v1/features", server.handleAllFeatures)
	mux.HandleFunc("POST /v1/track", server.handleTrack)
	mux.HandleFunc("POST /v1/flush", server.handleFlush)
	mux.HandleFunc("GET /v1/stream", server.handleStream)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped, statusCode := middleware.StatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(r.Method, route, statusCode(), time.Since(start))
	})
}

func (s *HTTPServer) handleVariable(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	var request variableRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	variable, err := s.evaluator.Variable(r.Context(), request.User, key, request.Default)
	if err != nil {
		writeEvaluatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, variable)
}

func (s *HTTPServer) handleAllVariables(w http.ResponseWriter, r *http.Request) {
	var request userRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	variables, err := s.evaluator.AllVariables(request.User)
	if err != nil {
		writeEvaluatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, variables)
}

func (s *HTTPServer) handleAllFeatures(w http.ResponseWriter, r *http.Request) {
	var request userRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	features, err := s.evaluator.AllFeatures(request.User)
	if err != nil {
		writeEvaluatorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, features)
}

func (s *HTTPServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	var request trackRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Events) == 0 {
		writeJSONError(w, http.StatusBadRequest, "events is required")
		return
	}
	for idx, event := range request.Events {
		if strings.TrimSpace(event.Type) == "" {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("events[%d].type is required", idx))
			return
		}
	}

	accepted := 0
	for _, event := range request.Events {
		if err := s.evaluator.Track(request.User, event); err != nil {
			if accepted == 0 {
				writeEvaluatorError(w, err)
				return
			}
			middleware.LoggerFromContext(r.Context()).Warn("track stopped early", "accepted", accepted, "error", err)
			break
		}
		accepted++
	}

	writeJSON(w, http.StatusAccepted, trackResponse{Accepted: accepted})
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	err := s.evaluator.FlushEvents(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, flushResponse{Success: true})
	case errors.Is(err, context.Canceled):
		writeEvaluatorError(w, err)
	default:
		writeJSON(w, http.StatusBadGateway, flushResponse{Errors: errorMessages(err)})
	}
}

// errorMessages flattens an errors.Join result.
func errorMessages(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// handleStream emits an "update" event whenever the relay's configuration
// changes. The event ID is the configuration ETag; a client resuming with
// the current ETag in Last-Event-ID receives nothing until the next change.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastETag := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	writeUpdate := func() error {
		meta := s.evaluator.ConfigMetadata()
		if meta.ETag == "" || meta.ETag == lastETag {
			return nil
		}
		lastETag = meta.ETag

		payload, err := json.Marshal(streamUpdate{Type: "update", ETag: meta.ETag, LastModified: meta.LastModified})
		if err != nil {
			return err
		}
		if err := writeSSEEvent(w, meta.ETag, "update", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := writeUpdate(); err != nil {
		return
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := writeUpdate(); err != nil {
				return
			}
		}
	}
}

type streamUpdate struct {
	Type         string `json:"type"`
	ETag         string `json:"etag"`
	LastModified string `json:"lastModified,omitempty"`
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	switch {
	case s.evaluator.Disabled():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disabled"})
	case !s.evaluator.Initialized():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "initializing"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeEvaluatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flagz.ErrInvalidUser),
		errors.Is(err, flagz.ErrInvalidKey),
		errors.Is(err, flagz.ErrInvalidEvent),
		errors.Is(err, flagz.ErrInvalidDefaultValue):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flagz.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "event queue is full")
	case errors.Is(err, flagz.ErrClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "relay is shutting down")
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeSSEEvent(w io.Writer, eventID string, eventName string, payload []byte) error {
	dataLines := compactSSEPayload(payload)
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\n", sanitizeSSEField(eventID), eventName); err != nil {
		return err
	}

	for _, line := range dataLines {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func sanitizeSSEField(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(strings.ReplaceAll(string(payload), "\r", ""), "\n")
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

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
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
