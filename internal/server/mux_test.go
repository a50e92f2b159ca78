// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/signalapi/signal-service/internal/auth"
	"github.com/signalapi/signal-service/internal/media"
	"github.com/signalapi/signal-service/internal/model"
	"github.com/signalapi/signal-service/internal/schema"
	"github.com/signalapi/signal-service/internal/service"
	"github.com/signalapi/signal-service/internal/storage"
	"github.com/signalapi/signal-service/internal/telemetry"
)

var testPNG = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

// testServer bundles a mux with the verifier used to mint its tokens.
type testServer struct {
	handler http.Handler
	signer  auth.HMAC
	store   storage.Store
}

// pinger lets readiness tests control the ping result.
type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, ready error) *testServer {
	t.Helper()
	return newTestServerWith(t, ready, service.Options{
		MaxImageSize:     1024,
		AllowedMimeTypes: []string{"image/png", "image/jpeg"},
	}, Options{
		MaxImageSize:       1024,
		CORSAllowedOrigins: []string{"https://app.example"},
	})
}

func newTestServerWith(t *testing.T, ready error, svcOpts service.Options, opts Options) *testServer {
	t.Helper()

	store := storage.NewMemory(storage.Seed{
		Types:       []string{"pothole", "lighting"},
		UserRegions: map[string]string{"mod1": "Analamanga"},
	})
	images, err := media.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	svc := service.New(store, store, store, images, validator, svcOpts)
	signer := auth.HMAC{Secret: []byte("test-secret"), Issuer: "test-issuer", Audience: "test-audience"}
	mux := NewMux(svc, signer, pinger{err: ready}, opts)
	return &testServer{handler: mux, signer: signer, store: store}
}

func (s *testServer) token(t *testing.T, username string, roles ...model.Role) string {
	t.Helper()
	tok, err := s.signer.Sign(model.Caller{Username: username, Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

// createForm builds the multipart body of a create request.
func createForm(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		part, err := w.CreateFormFile("file", "photo.png")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(image)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, w.FormDataContentType()
}

func validFields(username string) map[string]string {
	return map[string]string{
		"typeSignal":  "pothole",
		"description": "deep hole near the market",
		"latitude":    "-18.8792",
		"longitude":   "47.5079",
		"status":      "pending",
		"date":        "2026-10-01",
		"username":    username,
	}
}

// decodeError returns the error code from an error envelope.
func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code          string `json:"code"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	if body.Error.CorrelationID == "" {
		t.Errorf("error envelope has no correlationId: %s", rr.Body.String())
	}
	return body.Error.Code
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	req, err := http.NewRequest("GET", "/healthz", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := srv.do(t, req, "")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint tests the readyz endpoint with a healthy and a failing store.
func TestReadyzEndpoint(t *testing.T) {
	for _, tc := range []struct {
		ping   error
		status int
		body   string
	}{
		{nil, http.StatusOK, "ok"},
		{errors.New("connection refused"), http.StatusServiceUnavailable, "not ready"},
	} {
		srv := newTestServer(t, tc.ping)
		req := httptest.NewRequest("GET", "/readyz", nil)
		rr := srv.do(t, req, "")

		if rr.Code != tc.status {
			t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tc.status)
		}
		if rr.Body.String() != tc.body {
			t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), tc.body)
		}
	}
}

// TestAuthentication verifies missing and invalid bearer tokens are rejected.
func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "SIGNAL_AUTHN"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "SIGNAL_AUTHN"},
		{"garbage", "Bearer not-a-jwt", "SIGNAL_JWT_MALFORMED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/signal/types", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := srv.do(t, req, "")
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusUnauthorized)
			}
			if code := decodeError(t, rr); code != tc.code {
				t.Errorf("error code = %s, want %s", code, tc.code)
			}
		})
	}
}

// TestCorrelationID verifies a supplied correlation id is echoed and a missing one generated.
func TestCorrelationID(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := srv.token(t, "alice", model.RoleUser)

	req := httptest.NewRequest("GET", "/api/signal/types", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := srv.do(t, req, tok)
	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q, want corr-123", got)
	}

	rr = srv.do(t, httptest.NewRequest("GET", "/api/signal/types", nil), tok)
	if rr.Header().Get("X-Correlation-Id") == "" {
		t.Error("expected generated X-Correlation-Id")
	}
}

// TestCORS verifies only configured origins receive CORS headers.
func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest("OPTIONS", "/api/signal", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := srv.do(t, req, "")
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", rr.Code, http.StatusNoContent)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/api/signal", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = srv.do(t, req, "")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected Access-Control-Allow-Origin %q for unknown origin", got)
	}
}

// TestSignalLifecycle walks a report through create, moderation and deletion.
func TestSignalLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	user := srv.token(t, "alice", model.RoleUser)
	mod := srv.token(t, "mod1", model.RoleModerator)
	admin := srv.token(t, "root", model.RoleAdmin)

	body, ct := createForm(t, validFields("alice"), testPNG)
	req := httptest.NewRequest("POST", "/api/signal", body)
	req.Header.Set("Content-Type", ct)
	rr := srv.do(t, req, user)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}
	var created struct {
		Data model.Signal `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	sig := created.Data
	if sig.ID == 0 || sig.Status != model.StatusPending || sig.Username != "alice" {
		t.Fatalf("unexpected created signal %+v", sig)
	}
	if !strings.HasPrefix(sig.Image, "alice_") || !strings.HasSuffix(sig.Image, ".png") {
		t.Errorf("image key = %q", sig.Image)
	}
	if loc := rr.Header().Get("Location"); loc != fmt.Sprintf("/api/signal/%d", sig.ID) {
		t.Errorf("Location = %q", loc)
	}

	// Image fetch with ETag revalidation
	rr = srv.do(t, httptest.NewRequest("GET", "/api/signal/image/"+sig.Image, nil), user)
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), testPNG) {
		t.Fatalf("image status = %d, %d bytes", rr.Code, rr.Body.Len())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("image Content-Type = %q", ct)
	}
	etag := rr.Header().Get("ETag")
	req = httptest.NewRequest("GET", "/api/signal/image/"+sig.Image, nil)
	req.Header.Set("If-None-Match", etag)
	if rr = srv.do(t, req, user); rr.Code != http.StatusNotModified {
		t.Errorf("conditional image status = %d, want 304", rr.Code)
	}

	// Admin assigns a region, moderator sees it and resolves it
	path := fmt.Sprintf("/api/signal/%d", sig.ID)
	req = httptest.NewRequest("PUT", path+"/region", strings.NewReader(`{"region":"Analamanga"}`))
	if rr = srv.do(t, req, admin); rr.Code != http.StatusOK {
		t.Fatalf("update region status = %d, body %s", rr.Code, rr.Body.String())
	}
	rr = srv.do(t, httptest.NewRequest("GET", "/api/signal?region=", nil), mod)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"username":"alice"`) {
		t.Errorf("moderator region list = %d %s", rr.Code, rr.Body.String())
	}
	req = httptest.NewRequest("PUT", path+"/status", strings.NewReader("resolved"))
	if rr = srv.do(t, req, mod); rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = srv.do(t, httptest.NewRequest("GET", path, nil), admin)
	var got struct {
		Data model.Signal `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Data.Status != model.StatusResolved || got.Data.Region == nil || *got.Data.Region != "Analamanga" {
		t.Errorf("after updates signal = %+v", got.Data)
	}

	// Another user may not delete it; the owner may
	other := srv.token(t, "bob", model.RoleUser)
	if rr = srv.do(t, httptest.NewRequest("DELETE", path, nil), other); rr.Code != http.StatusForbidden {
		t.Errorf("foreign delete status = %d, want 403", rr.Code)
	}
	if rr = srv.do(t, httptest.NewRequest("DELETE", path, nil), user); rr.Code != http.StatusOK {
		t.Fatalf("owner delete status = %d, body %s", rr.Code, rr.Body.String())
	}
	if rr = srv.do(t, httptest.NewRequest("GET", path, nil), admin); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rr.Code)
	}
	if rr = srv.do(t, httptest.NewRequest("GET", "/api/signal/image/"+sig.Image, nil), user); rr.Code != http.StatusNotFound {
		t.Errorf("image after delete status = %d, want 404", rr.Code)
	}
}

// TestCreateRejections verifies malformed create requests map to the error taxonomy.
func TestCreateRejections(t *testing.T) {
	srv := newTestServer(t, nil)
	user := srv.token(t, "alice", model.RoleUser)

	with := func(k, v string) map[string]string {
		f := validFields("alice")
		f[k] = v
		return f
	}
	cases := []struct {
		name   string
		fields map[string]string
		image  []byte
		status int
		code   string
	}{
		{"no image", validFields("alice"), nil, http.StatusBadRequest, "SIGNAL_VALIDATION"},
		{"bad latitude", with("latitude", "north"), testPNG, http.StatusBadRequest, "SIGNAL_VALIDATION"},
		{"latitude out of range", with("latitude", "91"), testPNG, http.StatusBadRequest, "SIGNAL_VALIDATION"},
		{"bad date", with("date", "01/10/2026"), testPNG, http.StatusBadRequest, "SIGNAL_VALIDATION"},
		{"bad status", with("status", "done"), testPNG, http.StatusBadRequest, "SIGNAL_VALIDATION"},
		{"unknown type", with("typeSignal", "volcano"), testPNG, http.StatusNotFound, "SIGNAL_TYPE_NOT_FOUND"},
		{"other user", with("username", "bob"), testPNG, http.StatusForbidden, "SIGNAL_OWNER_MISMATCH"},
		{"not an image", validFields("alice"), []byte("plain text, not an image"), http.StatusBadRequest, "SIGNAL_MEDIA_TYPE"},
		{"too large", validFields("alice"), append(append([]byte{}, testPNG...), make([]byte, 2048)...), http.StatusBadRequest, "SIGNAL_MEDIA_SIZE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, ct := createForm(t, tc.fields, tc.image)
			req := httptest.NewRequest("POST", "/api/signal", body)
			req.Header.Set("Content-Type", ct)
			rr := srv.do(t, req, user)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d, body %s", rr.Code, tc.status, rr.Body.String())
			}
			if code := decodeError(t, rr); code != tc.code {
				t.Errorf("error code = %s, want %s", code, tc.code)
			}
		})
	}

	req := httptest.NewRequest("POST", "/api/signal", strings.NewReader(`{"typeSignal":"pothole"}`))
	req.Header.Set("Content-Type", "application/json")
	if rr := srv.do(t, req, user); rr.Code != http.StatusBadRequest {
		t.Errorf("JSON create status = %d, want 400", rr.Code)
	}

	list, _ := srv.store.ListSignals(context.Background())
	if len(list) != 0 {
		t.Errorf("rejected creates left %d signals behind", len(list))
	}
}

// TestRoleEnforcement verifies the role policy is applied at the HTTP layer.
func TestRoleEnforcement(t *testing.T) {
	srv := newTestServer(t, nil)
	user := srv.token(t, "alice", model.RoleUser)
	mod := srv.token(t, "mod1", model.RoleModerator)

	cases := []struct {
		method, path, body string
		token              string
		status             int
	}{
		{"GET", "/api/signal", "", user, http.StatusForbidden},
		{"GET", "/api/signal", "", mod, http.StatusOK},
		{"GET", "/api/signal/1", "", mod, http.StatusForbidden},
		{"GET", "/api/signal/region", "", user, http.StatusForbidden},
		{"GET", "/api/signal/region", "", mod, http.StatusOK},
		{"GET", "/api/signal?username=alice", "", user, http.StatusOK},
		{"PUT", "/api/signal/1/status", "resolved", user, http.StatusForbidden},
		{"PUT", "/api/signal/1/region", "Analamanga", mod, http.StatusForbidden},
		{"GET", "/api/signal/types", "", user, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rr := srv.do(t, req, tc.token)
		if rr.Code != tc.status {
			t.Errorf("%s %s: status = %d, want %d, body %s", tc.method, tc.path, rr.Code, tc.status, rr.Body.String())
		}
	}
}

// TestBadPathAndMissing verifies id parsing and not-found mapping.
func TestBadPathAndMissing(t *testing.T) {
	srv := newTestServer(t, nil)
	admin := srv.token(t, "root", model.RoleAdmin)

	rr := srv.do(t, httptest.NewRequest("GET", "/api/signal/abc", nil), admin)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr) != "SIGNAL_BAD_REQUEST" {
		t.Errorf("bad id: status = %d, body %s", rr.Code, rr.Body.String())
	}
	rr = srv.do(t, httptest.NewRequest("PUT", "/api/signal/42/status", strings.NewReader(`"resolved"`)), admin)
	if rr.Code != http.StatusNotFound || decodeError(t, rr) != "SIGNAL_NOT_FOUND" {
		t.Errorf("missing id: status = %d, body %s", rr.Code, rr.Body.String())
	}
	rr = srv.do(t, httptest.NewRequest("PUT", "/api/signal/42/status", strings.NewReader(`{"status":`)), admin)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("broken JSON: status = %d, want 400", rr.Code)
	}
}

func TestReadValue(t *testing.T) {
	cases := map[string]string{
		`{"status":"resolved"}`: "resolved",
		`"resolved"`:            "resolved",
		"  resolved \n":         "resolved",
		`{"other":"x"}`:         "",
	}
	for body, want := range cases {
		req := httptest.NewRequest("PUT", "/", strings.NewReader(body))
		got, err := readValue(httptest.NewRecorder(), req, "status")
		if err != nil || got != want {
			t.Errorf("readValue(%q) = %q, %v; want %q", body, got, err, want)
		}
	}
}

func TestEtagMatches(t *testing.T) {
	if !etagMatches(`W/"abc", "def"`, `"abc"`) {
		t.Error("weak etag in list should match")
	}
	if !etagMatches("*", `"abc"`) {
		t.Error("wildcard should match")
	}
	if etagMatches(`"xyz"`, `"abc"`) {
		t.Error("different etag should not match")
	}
}

// TestCreateWithoutSizeLimit verifies a zero image limit does not cap uploads.
func TestCreateWithoutSizeLimit(t *testing.T) {
	srv := newTestServerWith(t, nil, service.Options{AllowedMimeTypes: []string{"image/png"}}, Options{})
	user := srv.token(t, "alice", model.RoleUser)

	large := append(append([]byte{}, testPNG...), make([]byte, 3<<20)...)
	body, ct := createForm(t, validFields("alice"), large)
	req := httptest.NewRequest("POST", "/api/signal", body)
	req.Header.Set("Content-Type", ct)
	rr := srv.do(t, req, user)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}

	// The configured limit still applies
	limited := newTestServer(t, nil)
	body, ct = createForm(t, validFields("alice"), large)
	req = httptest.NewRequest("POST", "/api/signal", body)
	req.Header.Set("Content-Type", ct)
	rr = limited.do(t, req, limited.token(t, "alice", model.RoleUser))
	if rr.Code != http.StatusBadRequest || decodeError(t, rr) != "SIGNAL_MEDIA_SIZE" {
		t.Errorf("limited create status = %d, body %s", rr.Code, rr.Body.String())
	}
}

// TestCorrelationIDReachesServiceLogs verifies service log records carry the
// request correlation id.
func TestCorrelationIDReachesServiceLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(telemetry.NewLogHandler(slog.NewJSONHandler(&buf, nil)))
	srv := newTestServerWith(t, nil, service.Options{
		MaxImageSize:     1024,
		AllowedMimeTypes: []string{"image/png"},
		Logger:           logger,
	}, Options{MaxImageSize: 1024})

	body, ct := createForm(t, validFields("alice"), testPNG)
	req := httptest.NewRequest("POST", "/api/signal", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-Correlation-Id", "corr-create-1")
	if rr := srv.do(t, req, srv.token(t, "alice", model.RoleUser)); rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rr.Code, rr.Body.String())
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		if record["msg"] == "signal created" {
			found = true
			if record["correlation_id"] != "corr-create-1" {
				t.Errorf("signal created record = %v, want correlation_id corr-create-1", record)
			}
		}
	}
	if !found {
		t.Errorf("no signal created record in %s", buf.String())
	}
}
