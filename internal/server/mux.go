// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the signal service.
// It authenticates bearer tokens, decodes requests, calls the signal service and
// renders its results in the {"data": ...} / {"error": ...} envelope.
package server

import (
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalapi/signal-service/internal/auth"
	errordefs "github.com/signalapi/signal-service/internal/errors"
	"github.com/signalapi/signal-service/internal/metrics"
	"github.com/signalapi/signal-service/internal/model"
	"github.com/signalapi/signal-service/internal/service"
	"github.com/signalapi/signal-service/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyCaller ContextKey = "caller" // Authenticated model.Caller

	maxUpdateBody = 4 << 10 // Status and region update bodies
	formOverhead  = 1 << 20 // Multipart fields besides the image
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	MaxImageSize       int64    // Upper bound for the multipart image part; zero disables it
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Mux handles HTTP requests for the signal service.
type Mux struct {
	mux      *http.ServeMux   // HTTP request multiplexer
	svc      *service.Service // Signal lifecycle core
	verifier auth.Verifier    // Bearer token verification
	store    Pinger           // Checked by /readyz
	metrics  *metrics.Metrics // Metrics for monitoring

	maxImageSize       int64
	corsAllowedOrigins []string
}

// apiHandler serves one authenticated API route. A returned error is rendered
// with the error envelope.
type apiHandler func(w http.ResponseWriter, r *http.Request, caller model.Caller) error

// NewMux creates a new HTTP mux with all signal endpoints.
func NewMux(svc *service.Service, verifier auth.Verifier, store Pinger, opts Options) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		svc:                svc,
		verifier:           verifier,
		store:              store,
		metrics:            metrics.NewMetrics(),
		maxImageSize:       opts.MaxImageSize,
		corsAllowedOrigins: opts.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())

	m.mux.HandleFunc("OPTIONS /api/", m.handlePreflight)

	m.route("GET /api/signal", m.handleList)
	m.route("POST /api/signal", m.handleCreate)
	m.route("GET /api/signal/types", m.handleListTypes)
	m.route("GET /api/signal/region", m.handleRegionForUser)
	m.route("GET /api/signal/image/{filename}", m.handleImage)
	m.route("GET /api/signal/{id}", m.handleGet)
	m.route("DELETE /api/signal/{id}", m.handleDelete)
	m.route("PUT /api/signal/{id}/status", m.handleUpdateStatus)
	m.route("PUT /api/signal/{id}/region", m.handleUpdateRegion)

	return m.mux
}

// route registers h behind the common middleware: CORS, correlation id,
// authentication, tracing, logging and metrics.
func (m *Mux) route(pattern string, h apiHandler) {
	m.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		m.setCORSHeaders(rec, r)

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		rec.Header().Set("X-Correlation-Id", correlationID)

		ctx, span := telemetry.Tracer().Start(r.Context(), pattern)
		defer span.End()
		span.SetAttributes(attribute.String("correlation.id", correlationID))
		ctx = telemetry.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)

		caller, err := m.authenticate(r)
		if err == nil {
			span.SetAttributes(attribute.String("caller.username", caller.Username))
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyCaller, caller))
			err = h(rec, r, caller)
		}
		if err != nil {
			span.SetStatus(codes.Error, string(errordefs.CodeOf(err)))
			m.writeErrorDef(rec, toErrorDef(err, correlationID))
		}

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), err)
	})
}

// statusRecorder remembers the status written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// authenticate validates the bearer token and returns its caller
func (m *Mux) authenticate(r *http.Request) (model.Caller, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return model.Caller{}, errordefs.New(errordefs.SIGNAL_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return model.Caller{}, errordefs.New(errordefs.SIGNAL_AUTHN, "invalid Authorization header format", "")
	}
	return m.verifier.Verify(r.Context(), strings.TrimSpace(token))
}

// originAllowed reports whether origin may receive CORS headers
func (m *Mux) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, ETag")
		w.Header().Add("Vary", "Origin")
	}
}

// handlePreflight answers CORS preflight requests
func (m *Mux) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); m.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, If-None-Match")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
		w.Header().Add("Vary", "Origin")
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the signal error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// toErrorDef returns a copy of err's *errordefs.Error stamped with the
// correlation id. Foreign errors become SIGNAL_INTERNAL.
func toErrorDef(err error, correlationID string) *errordefs.Error {
	var e *errordefs.Error
	if !errors.As(err, &e) {
		e = errordefs.Wrap(errordefs.SIGNAL_INTERNAL, "internal error", err)
	}
	out := *e
	out.CorrelationID = correlationID
	return &out
}

// logRequest logs request details. The correlation id is added by
// telemetry.LogHandler from the request context.
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if caller, ok := r.Context().Value(ContextKeyCaller).(model.Caller); ok {
		attrs = append(attrs, slog.String("username", caller.Username))
	}

	switch {
	case err != nil && status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case err != nil:
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the record store answers a ping
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleList handles GET /api/signal, optionally filtered by ?region= or ?username=
func (m *Mux) handleList(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	q := r.URL.Query()

	var (
		signals []model.Signal
		err     error
	)
	switch {
	case q.Has("region"):
		signals, err = m.svc.ListByRegion(r.Context(), caller, q.Get("region"))
	case q.Has("username"):
		signals, err = m.svc.ListByUsername(r.Context(), caller, q.Get("username"))
	default:
		signals, err = m.svc.List(r.Context(), caller)
	}
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, signals)
	return nil
}

// handleGet handles GET /api/signal/{id}
func (m *Mux) handleGet(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	sig, err := m.svc.Get(r.Context(), caller, id)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, sig)
	return nil
}

// handleRegionForUser handles GET /api/signal/region?username=
func (m *Mux) handleRegionForUser(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	username := r.URL.Query().Get("username")
	region, err := m.svc.RegionForUser(r.Context(), caller, username)
	if err != nil {
		return err
	}
	if username == "" {
		username = caller.Username
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"username": username, "region": region})
	return nil
}

// handleListTypes handles GET /api/signal/types
func (m *Mux) handleListTypes(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	types, err := m.svc.ListTypes(r.Context(), caller)
	if err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, types)
	return nil
}

// handleCreate handles POST /api/signal with a multipart form
func (m *Mux) handleCreate(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	if err := m.svc.Authorize(r.Context(), service.OpCreate, caller); err != nil {
		return err
	}

	// A zero image limit leaves the body uncapped
	if m.maxImageSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, m.maxImageSize+formOverhead)
	}
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return errordefs.New(errordefs.SIGNAL_MEDIA_SIZE, "request body too large", "")
		}
		return errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "expected a multipart form", err)
	}
	defer r.MultipartForm.RemoveAll()

	in := model.CreateSignalInput{
		TypeName:    r.FormValue("typeSignal"),
		Description: r.FormValue("description"),
		Status:      model.Status(strings.TrimSpace(r.FormValue("status"))),
		Username:    r.FormValue("username"),
	}

	// A missing file is reported by the service as a validation error
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "failed to read image part", err)
	default:
		defer file.Close()
		if in.ImageData, err = io.ReadAll(file); err != nil {
			return errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "failed to read image part", err)
		}
		in.ImageFilename = header.Filename
	}

	if in.Latitude, err = formFloat(r, "latitude"); err != nil {
		return err
	}
	if in.Longitude, err = formFloat(r, "longitude"); err != nil {
		return err
	}
	if v := strings.TrimSpace(r.FormValue("date")); v != "" {
		if in.Date, err = parseDate(v); err != nil {
			return err
		}
	}

	sig, err := m.svc.Create(r.Context(), caller, in)
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("/api/signal/%d", sig.ID))
	m.writeSuccess(w, http.StatusCreated, sig)
	return nil
}

// handleUpdateStatus handles PUT /api/signal/{id}/status
func (m *Mux) handleUpdateStatus(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	status, err := readValue(w, r, "status")
	if err != nil {
		return err
	}
	if err := m.svc.UpdateStatus(r.Context(), caller, id, status); err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "status": strings.TrimSpace(status)})
	return nil
}

// handleUpdateRegion handles PUT /api/signal/{id}/region
func (m *Mux) handleUpdateRegion(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	region, err := readValue(w, r, "region")
	if err != nil {
		return err
	}
	if err := m.svc.UpdateRegion(r.Context(), caller, id, region); err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "region": strings.TrimSpace(region)})
	return nil
}

// handleDelete handles DELETE /api/signal/{id}
func (m *Mux) handleDelete(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	if err := m.svc.Delete(r.Context(), caller, id); err != nil {
		return err
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
	return nil
}

// handleImage handles GET /api/signal/image/{filename} and serves the raw bytes
func (m *Mux) handleImage(w http.ResponseWriter, r *http.Request, caller model.Caller) error {
	img, err := m.svc.Image(r.Context(), caller, r.PathValue("filename"))
	if err != nil {
		return err
	}

	etag := `"` + img.Digest + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
	return nil
}

// etagMatches reports whether an If-None-Match header value matches etag
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// pathID parses the {id} path segment
func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errordefs.New(errordefs.SIGNAL_BAD_REQUEST, "signal id must be a positive integer", "")
	}
	return id, nil
}

// formFloat parses a required numeric form field
func formFloat(r *http.Request, field string) (float64, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return 0, errordefs.New(errordefs.SIGNAL_VALIDATION, field+" is required", "")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errordefs.New(errordefs.SIGNAL_VALIDATION, field+" must be a number", "")
	}
	return f, nil
}

// parseDate accepts a calendar date or an RFC 3339 timestamp
func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errordefs.New(errordefs.SIGNAL_VALIDATION, "date must be YYYY-MM-DD or RFC 3339", "")
}

// readValue reads an update body: either {"<field>": "..."}, a JSON string,
// or the raw text itself.
func readValue(w http.ResponseWriter, r *http.Request, field string) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBody))
	if err != nil {
		return "", errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "failed to read request body", err)
	}

	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]string
		if err := json.Unmarshal(body, &obj); err != nil {
			return "", errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "invalid JSON", err)
		}
		return obj[field], nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return "", errordefs.Wrap(errordefs.SIGNAL_BAD_REQUEST, "invalid JSON", err)
		}
		return s, nil
	default:
		return trimmed, nil
	}
}
