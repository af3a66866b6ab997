package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/doc-forge/internal/auth"
	"github.com/yourusername/doc-forge/internal/config"
	"github.com/yourusername/doc-forge/internal/domain"
	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/store/sqlite"
	"github.com/yourusername/doc-forge/internal/testutil"
)

func TestMain(m *testing.M) {
	pdfapi.DisableConfigDir()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const (
	demoEmail    = "demo@example.com"
	demoPassword = "demo-password"
)

type testServer struct {
	router  *gin.Engine
	app     *app
	cookies []*http.Cookie
	csrf    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		GinMode:              gin.TestMode,
		CORSAllowedOrigins:   "http://localhost:5173",
		SessionSecret:        strings.Repeat("k", 32),
		UploadDir:            t.TempDir(),
		StoreDriver:          config.StoreMemory,
		QueueBackend:         config.QueueMemory,
		CleanupBackend:       config.CleanupMemory,
		WorkerConcurrency:    2,
		QueueSize:            10,
		JobTimeout:           time.Minute,
		CleanupDelay:         time.Hour,
		CleanupSweepInterval: time.Hour,
		DemoEmail:            demoEmail,
		DemoPassword:         demoPassword,
		DemoPlan:             "free",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if err := a.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.stop(ctx)
		a.close()
	})
	return &testServer{router: newRouter(cfg, a), app: a}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	for _, c := range s.cookies {
		req.AddCookie(c)
	}
	if s.csrf != "" {
		req.Header.Set(auth.CSRFHeader, s.csrf)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T) {
	t.Helper()
	body := strings.NewReader(`{"email":"` + demoEmail + `","password":"` + demoPassword + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(t, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	s.cookies = rec.Result().Cookies()
	s.csrf = rec.Header().Get(auth.CSRFHeader)
}

func multipartJob(t *testing.T, jobType, options string, files ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("type", jobType)
	if options != "" {
		_ = w.WriteField("options", options)
	}
	for _, path := range files {
		part, err := w.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		_, _ = part.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func writePDF(t *testing.T, dir, name string, pages int) string {
	t.Helper()
	images := make([]string, pages)
	for i := range images {
		images[i] = testutil.WritePNG(t, dir, 16, 16)
	}
	out := filepath.Join(dir, name)
	if err := pdf.ImagesToPDF(context.Background(), images, out); err != nil {
		t.Fatalf("ImagesToPDF: %v", err)
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestJobsRequireLogin(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateJobAndDownloadResult(t *testing.T) {
	s := newTestServer(t)
	s.login(t)
	dir := t.TempDir()
	a := writePDF(t, dir, "a.pdf", 1)
	b := writePDF(t, dir, "b.pdf", 2)

	rec := s.do(t, multipartJob(t, "pdf-merge", `{"order":[1,0]}`, a, b))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	decode(t, rec, &created)
	if created.JobID == "" || created.Status != "pending" {
		t.Fatalf("created = %+v", created)
	}

	var view jobView
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.JobID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		decode(t, rec, &view)
		if view.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish, last status %s", view.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if view.Status != domain.StatusCompleted || len(view.OutputFiles) != 1 {
		t.Fatalf("job = %+v", view)
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, view.OutputFiles[0].URL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("download is not a PDF")
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	var listed struct {
		Jobs []jobView `json:"jobs"`
	}
	decode(t, rec, &listed)
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != created.JobID {
		t.Fatalf("list = %+v", listed)
	}

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/usage", nil))
	var usage map[string]any
	decode(t, rec, &usage)
	if usage["jobsToday"] != float64(1) || usage["remaining"] != float64(9) || usage["plan"] != "free" {
		t.Fatalf("usage = %v", usage)
	}
}

func TestCreateJobErrors(t *testing.T) {
	s := newTestServer(t)
	s.login(t)
	dir := t.TempDir()
	in := writePDF(t, dir, "a.pdf", 1)

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{"unknown type", multipartJob(t, "pdf-explode", "", in), http.StatusBadRequest, "INVALID_JOB_TYPE"},
		{"bad options", multipartJob(t, "pdf-merge", "[1,2", in), http.StatusBadRequest, "INVALID_OPTION"},
		{"no files", multipartJob(t, "pdf-merge", ""), http.StatusBadRequest, "INVALID_FILE_COUNT"},
		{"feature not in plan", multipartJob(t, "pdf-protect", `{"password":"x"}`, in), http.StatusForbidden, domain.ReasonFeatureDenied},
		{"split needs one file", multipartJob(t, "pdf-split", "", in, in), http.StatusBadRequest, "INVALID_FILE_COUNT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["code"] != tt.wantErr || body["message"] == "" {
				t.Fatalf("body = %v, want code %s", body, tt.wantErr)
			}
		})
	}

	// 受付に失敗したアップロードは残さない
	entries, err := os.ReadDir(s.app.files.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload dir has %d leftover files", len(entries))
	}
}

func TestGetJobAndFileNotFound(t *testing.T) {
	s := newTestServer(t)
	s.login(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get status = %d", rec.Code)
	}
	for _, name := range []string{"output-" + uuid.NewString() + ".pdf", "passwd", "..%2Fsecret"} {
		rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/files/"+name, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("download %s status = %d", name, rec.Code)
		}
	}
}

func TestWriteErrorMapping(t *testing.T) {
	h := &jobHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{&domain.AdmissionDeniedError{TenantID: "t", Reason: domain.ReasonQuotaExceeded}, http.StatusTooManyRequests, domain.ReasonQuotaExceeded},
		{&domain.AdmissionDeniedError{TenantID: "t", Reason: domain.ReasonRateLimited}, http.StatusTooManyRequests, domain.ReasonRateLimited},
		{&domain.AdmissionDeniedError{TenantID: "t", Reason: domain.ReasonUnknownTenant}, http.StatusNotFound, domain.ReasonUnknownTenant},
		{&domain.ValidationError{Field: "files", Message: "x"}, http.StatusBadRequest, "INVALID_INPUT"},
		{errors.Join(errors.New("enqueue"), jobs.ErrQueueFull), http.StatusServiceUnavailable, jobs.CodeQueueUnavailable},
		{&domain.StorageError{Op: "insert", Err: errors.New("disk")}, http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		h.writeError(c, tt.err)
		if rec.Code != tt.wantCode || !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Fatalf("%v -> %d %s, want %d %s", tt.err, rec.Code, rec.Body.String(), tt.wantCode, tt.wantBody)
		}
	}
}

func TestJobIDFromOutput(t *testing.T) {
	id := uuid.NewString()
	for _, name := range []string{"output-" + id + ".pdf", id + "-page-001.pdf", id + "-sheet-02.xlsx"} {
		got, ok := jobIDFromOutput(name)
		if !ok || got != id {
			t.Fatalf("jobIDFromOutput(%q) = %q, %v", name, got, ok)
		}
	}
	if _, ok := jobIDFromOutput("short.pdf"); ok {
		t.Fatal("expected no id")
	}
}

func TestSignupThenMe(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"name":"Hanako","email":"Hanako@Example.com","password":"long-enough","tenantName":"Hanako Co"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", body)
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body = strings.NewReader(`{"email":"hanako@example.com","password":"long-enough"}`)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
	req.Header.Set("Content-Type", "application/json")
	rec = s.do(t, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	s.cookies = rec.Result().Cookies()

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var me struct {
		User struct {
			Email  string `json:"email"`
			Tenant struct {
				Name string `json:"name"`
				Plan string `json:"plan"`
			} `json:"tenant"`
		} `json:"user"`
	}
	decode(t, rec, &me)
	if me.User.Email != "hanako@example.com" || me.User.Tenant.Name != "Hanako Co" || me.User.Tenant.Plan != "free" {
		t.Fatalf("me = %+v", me)
	}
}

func TestNewCleanupStoreUsesRepositoryDatabase(t *testing.T) {
	cfg := &config.Config{
		StoreDriver:    config.StoreSQLite,
		DatabasePath:   filepath.Join(t.TempDir(), "app.db"),
		CleanupBackend: config.CleanupSQL,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, deadlines, closeRepo, err := openRepository(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openRepository: %v", err)
	}
	t.Cleanup(func() { _ = closeRepo() })

	if _, ok := newCleanupStore(cfg, nil, deadlines).(*sqlite.DeadlineStore); !ok {
		t.Fatalf("sql backend did not use the sqlite deadline store")
	}
	cfg.CleanupBackend = config.CleanupMemory
	if _, ok := newCleanupStore(cfg, nil, deadlines).(*sqlite.DeadlineStore); ok {
		t.Fatalf("memory backend used the sqlite deadline store")
	}
}
