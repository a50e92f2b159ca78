// Package conformance provides a black-box harness that drives the signal
// service over HTTP and checks its externally visible behavior.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
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
	"github.com/signalapi/signal-service/internal/server"
	"github.com/signalapi/signal-service/internal/service"
	"github.com/signalapi/signal-service/internal/storage"
)

// Harness runs a complete signal service behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	signer auth.HMAC
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// ImageDir is the directory backing the image store
	ImageDir string

	// JWTSecret, JWTIssuer and JWTAudience configure HS256 tokens
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	// Types seeds the type catalog
	Types []string

	// UserRegions seeds moderator regions
	UserRegions map[string]string
}

// Fixed sample image with a PNG signature
var samplePNG = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory(storage.Seed{Types: cfg.Types, UserRegions: cfg.UserRegions})

	images, err := media.NewFileStore(cfg.ImageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize image store: %w", err)
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	signer := auth.HMAC{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience}
	svc := service.New(store, store, store, images, validator, service.Options{
		MaxImageSize:     1 << 20,
		AllowedMimeTypes: []string{"image/jpeg", "image/png"},
	})
	mux := server.NewMux(svc, signer, store, server.Options{MaxImageSize: 1 << 20})

	return &Harness{
		server: httptest.NewServer(mux),
		store:  store,
		signer: signer,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.store.Close()
}

// RunConformanceTests runs all conformance tests against the service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ModerationScenario", h.testModerationScenario)
	t.Run("RoleMatrix", h.testRoleMatrix)
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
}

// response is a decoded API response.
type response struct {
	Status int
	Header http.Header
	Data   json.RawMessage
	Error  struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}
}

func (h *Harness) token(t *testing.T, username string, roles ...model.Role) string {
	t.Helper()
	tok, err := h.signer.Sign(model.Caller{Username: username, Roles: roles}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

// call performs one API request and decodes the envelope.
func (h *Harness) call(t *testing.T, method, path, token, contentType string, body io.Reader) response {
	t.Helper()
	req, err := http.NewRequest(method, h.URL()+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode, Header: resp.Header}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error json.RawMessage `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("%s %s: invalid JSON body %q", method, path, raw)
		}
		out.Data = envelope.Data
		if len(envelope.Error) > 0 {
			_ = json.Unmarshal(envelope.Error, &out.Error)
		}
	} else {
		out.Data = raw
	}
	return out
}

// create uploads a report as username and returns the stored signal.
func (h *Harness) create(t *testing.T, token, username, typeName string) model.Signal {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range map[string]string{
		"typeSignal":  typeName,
		"description": "reported by " + username,
		"latitude":    "-18.91",
		"longitude":   "47.52",
		"date":        "2026-09-30",
		"username":    username,
	} {
		_ = w.WriteField(k, v)
	}
	part, _ := w.CreateFormFile("file", "report.png")
	_, _ = part.Write(samplePNG)
	_ = w.Close()

	resp := h.call(t, "POST", "/api/signal", token, w.FormDataContentType(), &body)
	if resp.Status != http.StatusCreated {
		t.Fatalf("create as %s: status %d, error %s", username, resp.Status, resp.Error.Code)
	}
	var sig model.Signal
	if err := json.Unmarshal(resp.Data, &sig); err != nil {
		t.Fatalf("create as %s: %v", username, err)
	}
	return sig
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testModerationScenario follows a report from creation to resolution.
func (h *Harness) testModerationScenario(t *testing.T) {
	user := h.token(t, "rabe", model.RoleUser)
	mod := h.token(t, "mod-itasy", model.RoleModerator)
	admin := h.token(t, "admin", model.RoleAdmin)

	sig := h.create(t, user, "rabe", "flood")
	if sig.Status != model.StatusPending || sig.Region != nil || sig.Seen != 0 {
		t.Fatalf("unexpected new signal %+v", sig)
	}
	if !strings.HasPrefix(sig.Image, "rabe_") {
		t.Errorf("image key %q does not start with the username", sig.Image)
	}

	// The moderator's region has no reports yet
	resp := h.call(t, "GET", "/api/signal?region=", mod, "", nil)
	if resp.Status != http.StatusOK || string(resp.Data) != "[]" {
		t.Errorf("moderator region before assignment: %d %s", resp.Status, resp.Data)
	}

	path := fmt.Sprintf("/api/signal/%d", sig.ID)
	if resp := h.call(t, "PUT", path+"/region", admin, "application/json", strings.NewReader(`{"region":"Itasy"}`)); resp.Status != http.StatusOK {
		t.Fatalf("assign region: %d %s", resp.Status, resp.Error.Code)
	}

	resp = h.call(t, "GET", "/api/signal/region", mod, "", nil)
	if resp.Status != http.StatusOK || !strings.Contains(string(resp.Data), `"Itasy"`) {
		t.Errorf("moderator region lookup: %d %s", resp.Status, resp.Data)
	}

	resp = h.call(t, "GET", "/api/signal?region=", mod, "", nil)
	var inRegion []model.Signal
	_ = json.Unmarshal(resp.Data, &inRegion)
	if len(inRegion) != 1 || inRegion[0].ID != sig.ID {
		t.Fatalf("moderator region after assignment = %s", resp.Data)
	}

	for _, status := range []string{"in_progress", "resolved"} {
		if resp := h.call(t, "PUT", path+"/status", mod, "text/plain", strings.NewReader(status)); resp.Status != http.StatusOK {
			t.Fatalf("set status %s: %d %s", status, resp.Status, resp.Error.Code)
		}
	}

	resp = h.call(t, "GET", "/api/signal?username=rabe", user, "", nil)
	var mine []model.Signal
	_ = json.Unmarshal(resp.Data, &mine)
	if len(mine) != 1 || mine[0].Status != model.StatusResolved || mine[0].Region == nil || *mine[0].Region != "Itasy" {
		t.Errorf("user view after moderation = %s", resp.Data)
	}

	img := h.call(t, "GET", "/api/signal/image/"+sig.Image, user, "", nil)
	if img.Status != http.StatusOK || !bytes.Equal(img.Data, samplePNG) || img.Header.Get("ETag") == "" {
		t.Errorf("image fetch: status %d, %d bytes, etag %q", img.Status, len(img.Data), img.Header.Get("ETag"))
	}

	if resp := h.call(t, "DELETE", path, user, "", nil); resp.Status != http.StatusOK {
		t.Fatalf("owner delete: %d %s", resp.Status, resp.Error.Code)
	}
	if resp := h.call(t, "GET", "/api/signal/image/"+sig.Image, user, "", nil); resp.Status != http.StatusNotFound {
		t.Errorf("image after delete: status %d", resp.Status)
	}
}

// testRoleMatrix checks each operation against each role.
func (h *Harness) testRoleMatrix(t *testing.T) {
	tokens := map[model.Role]string{
		model.RoleUser:      h.token(t, "matrix-user", model.RoleUser),
		model.RoleModerator: h.token(t, "mod-itasy", model.RoleModerator),
		model.RoleAdmin:     h.token(t, "matrix-admin", model.RoleAdmin),
	}
	seed := h.create(t, tokens[model.RoleAdmin], "matrix-admin", "garbage")
	path := fmt.Sprintf("/api/signal/%d", seed.ID)

	cases := []struct {
		name, method, path, body string
		allowed                  []model.Role
	}{
		{"list", "GET", "/api/signal", "", []model.Role{model.RoleModerator, model.RoleAdmin}},
		{"get", "GET", path, "", []model.Role{model.RoleAdmin}},
		{"region_for_user", "GET", "/api/signal/region?username=mod-itasy", "", []model.Role{model.RoleModerator}},
		{"list_by_region", "GET", "/api/signal?region=Itasy", "", []model.Role{model.RoleModerator, model.RoleAdmin}},
		{"list_by_username", "GET", "/api/signal?username=matrix-admin", "", []model.Role{model.RoleUser, model.RoleModerator, model.RoleAdmin}},
		{"update_status", "PUT", path + "/status", "in_progress", []model.Role{model.RoleModerator, model.RoleAdmin}},
		{"update_region", "PUT", path + "/region", "Itasy", []model.Role{model.RoleAdmin}},
		{"list_types", "GET", "/api/signal/types", "", []model.Role{model.RoleUser, model.RoleModerator, model.RoleAdmin}},
		{"image", "GET", "/api/signal/image/" + seed.Image, "", []model.Role{model.RoleUser, model.RoleModerator, model.RoleAdmin}},
	}
	for _, tc := range cases {
		for role, tok := range tokens {
			want := http.StatusForbidden
			for _, r := range tc.allowed {
				if r == role {
					want = http.StatusOK
				}
			}
			resp := h.call(t, tc.method, tc.path, tok, "text/plain", strings.NewReader(tc.body))
			if resp.Status != want {
				t.Errorf("%s as %s: status %d, want %d (%s)", tc.name, role, resp.Status, want, resp.Error.Code)
			}
		}
	}

	// Moderators cannot create reports
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("typeSignal", "garbage")
	_ = w.Close()
	if resp := h.call(t, "POST", "/api/signal", tokens[model.RoleModerator], w.FormDataContentType(), &body); resp.Status != http.StatusForbidden {
		t.Errorf("create as moderator: status %d, want 403", resp.Status)
	}
}

// testErrorEnvelope checks the shape of error responses.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	admin := h.token(t, "admin", model.RoleAdmin)

	cases := []struct {
		method, path, token string
		status              int
		code                string
	}{
		{"GET", "/api/signal", "", http.StatusUnauthorized, "SIGNAL_AUTHN"},
		{"GET", "/api/signal/999999", admin, http.StatusNotFound, "SIGNAL_NOT_FOUND"},
		{"GET", "/api/signal/zero", admin, http.StatusBadRequest, "SIGNAL_BAD_REQUEST"},
		{"GET", "/api/signal/image/nothing.png", admin, http.StatusNotFound, "SIGNAL_IMAGE_NOT_FOUND"},
		{"GET", "/api/signal?region=", admin, http.StatusBadRequest, "SIGNAL_VALIDATION"},
	}
	for _, tc := range cases {
		resp := h.call(t, tc.method, tc.path, tc.token, "", nil)
		if resp.Status != tc.status || resp.Error.Code != tc.code {
			t.Errorf("%s %s: got %d %s, want %d %s", tc.method, tc.path, resp.Status, resp.Error.Code, tc.status, tc.code)
		}
		if resp.Error.CorrelationID == "" || resp.Header.Get("X-Correlation-Id") != resp.Error.CorrelationID {
			t.Errorf("%s %s: correlation id %q not echoed in header %q", tc.method, tc.path, resp.Error.CorrelationID, resp.Header.Get("X-Correlation-Id"))
		}
	}
}
