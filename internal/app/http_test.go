package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"rars/api/internal/auth"
)

func newTestServer(t *testing.T, h *harness) http.Handler {
	t.Helper()
	return NewHTTPServer(h.svc, "*").Handler()
}

func (h *harness) bearer(t *testing.T, s Session) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(h.svc.cfg.JWTSecret), s.UserID, s.UserName, s.Roles.Strings(), time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path, authHeader, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)

	rec := doJSON(t, handler, http.MethodGet, "/api/health", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/ready", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d body=%s", rec.Code, rec.Body.String())
	}

	h.store.pingErr = errors.New("connection refused")
	rec = doJSON(t, handler, http.MethodGet, "/api/ready", "", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status with db down = %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["status"] != "not_ready" {
		t.Fatalf("ready body = %v", body)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "garbage", header: "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, handler, http.MethodGet, "/api/applications", tt.header, "", nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if body := decodeMap(t, rec); body["code"] != CodeUnauthenticated {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestSessionEndpoint(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)

	body := decodeMap(t, doJSON(t, handler, http.MethodGet, "/api/session", "", "", nil))
	if body["authenticated"] != false {
		t.Fatalf("anonymous session = %v", body)
	}

	body = decodeMap(t, doJSON(t, handler, http.MethodGet, "/api/session", h.bearer(t, h.officer), "", nil))
	if body["authenticated"] != true || body["userId"] != h.officer.UserID {
		t.Fatalf("session = %v", body)
	}
	if _, ok := body["accessToken"]; ok {
		t.Fatal("session endpoint echoed the access token")
	}
}

func verifyFrom(handler http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/verify/00000000-0000-0000-0000-000000000000", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestVerifyIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyRatePerMinute = 3
	h := newHarnessWith(t, cfg, nil)
	handler := newTestServer(t, h)

	for i := 0; i < 2; i++ {
		rec := verifyFrom(handler, "203.0.113.5:4000", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
		if body := decodeMap(t, rec); body["valid"] != false {
			t.Fatalf("unknown token body = %v", body)
		}
	}
	if rec := verifyFrom(handler, "203.0.113.5:4000", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}

	if rec := verifyFrom(handler, "198.51.100.7:4000", ""); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}
}

func TestVerifyLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyRatePerMinute = 3
	h := newHarnessWith(t, cfg, nil)
	handler := newTestServer(t, h)

	spoofed := []string{"10.1.1.1", "10.1.1.2", "10.1.1.3", "10.1.1.4"}
	codes := make([]int, 0, len(spoofed))
	for _, xff := range spoofed {
		codes = append(codes, verifyFrom(handler, "203.0.113.9:5000", xff).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want two 200s then 429s", codes)
	}
}

func TestVerifyLimitUsesForwardedForBehindTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyRatePerMinute = 3
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	h := newHarnessWith(t, cfg, nil)
	handler := newTestServer(t, h)

	// The client cannot shift its bucket by prepending hops.
	for i, xff := range []string{"198.51.100.1", "1.1.1.1, 198.51.100.1", "2.2.2.2, 198.51.100.1, 10.0.0.7"} {
		rec := verifyFrom(handler, "10.0.0.2:443", xff)
		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d (%q) status = %d, want %d", i, xff, rec.Code, want)
		}
	}
	if rec := verifyFrom(handler, "10.0.0.2:443", "198.51.100.2"); rec.Code != http.StatusOK {
		t.Fatalf("second client behind proxy status = %d", rec.Code)
	}
}

func TestRateLimiterEvictsIdleClientsFirst(t *testing.T) {
	rl := newRateLimiter(60, 1, nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	busy := rl.limiter("busy")
	for i := 1; i < maxRateClients; i++ {
		rl.limiter("idle-" + strconv.Itoa(i))
	}
	clock = clock.Add(rateClientIdle + time.Second)
	rl.limiter("busy")

	rl.limiter("newcomer")
	if n := len(rl.clients); n != 2 {
		t.Fatalf("clients after eviction = %d, want 2", n)
	}
	if rl.limiter("busy") != busy {
		t.Fatal("active client bucket was replaced")
	}
}

func TestCreateApplicationReplaysIdempotentRequest(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)
	token := h.bearer(t, h.applicant)
	headers := map[string]string{"Idempotency-Key": "create-1"}

	first := doJSON(t, handler, http.MethodPost, "/api/applications", token, `{"title":"Soil salinity"}`, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d body=%s", first.Code, first.Body.String())
	}
	second := doJSON(t, handler, http.MethodPost, "/api/applications", token, `{"title":"Soil salinity"}`, headers)
	if second.Code != http.StatusCreated || second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay status = %d headers=%v", second.Code, second.Header())
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), bytes.TrimSpace(second.Body.Bytes())) {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if n := len(h.store.applications); n != 1 {
		t.Fatalf("applications created = %d, want 1", n)
	}

	reused := doJSON(t, handler, http.MethodPost, "/api/applications", token, `{"title":"Something else"}`, headers)
	if reused.Code != http.StatusUnprocessableEntity {
		t.Fatalf("reused key status = %d", reused.Code)
	}
	if body := decodeMap(t, reused); body["code"] != CodeKeyReused {
		t.Fatalf("reused key body = %v", body)
	}

	// Keys are scoped per user.
	other := doJSON(t, handler, http.MethodPost, "/api/applications", h.bearer(t, h.officer), `{"title":"Soil salinity"}`, headers)
	if other.Code != http.StatusForbidden {
		t.Fatalf("officer create status = %d, want 403", other.Code)
	}
}

func TestIdempotencyKeyIsRecordedOnIntent(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)
	app := h.draft(t)
	h.upload(t, app.ID, "ETHICS_LETTER")

	path := "/api/applications/" + app.ID + "/submit"
	headers := map[string]string{"Idempotency-Key": "submit-1"}
	rec := doJSON(t, handler, http.MethodPost, path, h.bearer(t, h.applicant), "", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, path, h.bearer(t, h.applicant), "", headers)
	if rec.Code != http.StatusOK || rec.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replayed submit = %d", rec.Code)
	}

	intents := h.store.intentsFor("submit_application")
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	if want := "applicant:submit_application:submit-1"; intents[0].IdempotencyKey != want {
		t.Fatalf("intent key = %q, want %q", intents[0].IdempotencyKey, want)
	}
}

func TestTransitionErrorsOverHTTP(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)
	app := h.draft(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/applications/"+app.ID+"/submit", h.bearer(t, h.applicant), "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decodeMap(t, rec); body["code"] != CodeInvalidTransition {
		t.Fatalf("body = %v", body)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/applications/"+app.ID+"/screening", h.bearer(t, h.applicant), "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/applications/missing", h.bearer(t, h.officer), "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMultipartUpload(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)
	app := h.draft(t)

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("documentType", "PROPOSAL"); err != nil {
		t.Fatal(err)
	}
	part, err := form.CreateFormFile("file", "proposal.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("%PDF-1.4 proposal")); err != nil {
		t.Fatal(err)
	}
	if err := form.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/applications/"+app.ID+"/documents", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", h.bearer(t, h.applicant))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeMap(t, rec)
	if body["Version"] != float64(1) || body["DocumentType"] != "PROPOSAL" {
		t.Fatalf("body = %v", body)
	}

	download := doJSON(t, handler, http.MethodGet, "/api/documents/"+body["ID"].(string)+"/download", h.bearer(t, h.applicant), "", nil)
	if download.Code != http.StatusOK {
		t.Fatalf("download status = %d body=%s", download.Code, download.Body.String())
	}
	if link := decodeMap(t, download); !strings.HasPrefix(link["url"].(string), "https://files.example.org/blobs/") {
		t.Fatalf("link = %v", link)
	}
	if h.store.downloads != 1 {
		t.Fatalf("downloads recorded = %d", h.store.downloads)
	}
}

func TestAdminReconcileRequiresSystemAdmin(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)

	rec := doJSON(t, handler, http.MethodPost, "/api/admin/reconcile", h.bearer(t, h.officer), "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("officer status = %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/admin/reconcile", h.bearer(t, h.admin), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRepositoryRoutes(t *testing.T) {
	h := newHarness(t)
	handler := newTestServer(t, h)
	item := h.published(t, PublishInput{Keywords: []string{"sanitation"}})
	path := "/api/repository/" + item.ID

	rec := doJSON(t, handler, http.MethodGet, path, "", "", map[string]string{
		"X-Forwarded-For": "203.0.113.250",
		"User-Agent":      "portal-test",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d body = %s", path, rec.Code, rec.Body.String())
	}
	if body := decodeMap(t, rec); body["finalPaper"] != "final_paper.pdf" {
		t.Fatalf("detail body = %v", body)
	}
	logs := h.accessLogs()
	if len(logs) != 1 || logs[0].IPAddress != "192.0.2.1" || logs[0].UserAgent != "portal-test" {
		t.Fatalf("access log = %+v, want peer address and user agent", logs)
	}

	rec = doJSON(t, handler, http.MethodPost, path+"/download", "", `{"termsAccepted":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d body = %s", rec.Code, rec.Body.String())
	}
	if body := decodeMap(t, rec); body["url"] == "" || body["fileName"] != "final_paper.pdf" {
		t.Fatalf("download body = %v", body)
	}

	if rec := doJSON(t, handler, http.MethodPost, "/api/watchlist/"+item.ID, "", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous watch status = %d, want 401", rec.Code)
	}
	applicant := h.bearer(t, h.applicant)
	if rec := doJSON(t, handler, http.MethodPost, "/api/watchlist/"+item.ID, applicant, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("watch status = %d body = %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/watchlist", applicant, "", nil)
	if items, _ := decodeMap(t, rec)["items"].([]any); len(items) != 1 {
		t.Fatalf("watchlist body = %s", rec.Body.String())
	}
	if rec := doJSON(t, handler, http.MethodDelete, "/api/watchlist/"+item.ID, applicant, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("unwatch status = %d", rec.Code)
	}

	if rec := doJSON(t, handler, http.MethodGet, "/api/admin/repository/analytics", applicant, "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("applicant analytics status = %d, want 403", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/admin/repository/analytics?days=7", h.bearer(t, h.director), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analytics status = %d body = %s", rec.Code, rec.Body.String())
	}
	if body := decodeMap(t, rec); body["Views"] != float64(1) || body["Downloads"] != float64(1) {
		t.Fatalf("analytics body = %v", body)
	}
}
