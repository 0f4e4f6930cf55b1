package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/echs-verifier/internal/config"
	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/submission"
	"github.com/ehr/echs-verifier/internal/platform/blobstore"
	"github.com/ehr/echs-verifier/internal/platform/db"
	"github.com/ehr/echs-verifier/internal/platform/echsapi"
	"github.com/ehr/echs-verifier/internal/platform/middleware"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:            "development",
		EchsAPIBaseURL: "http://127.0.0.1:1/",
		EchsAPITimeout: time.Second,
		CORSOrigins:    []string{"http://localhost:3000"},
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 10 << 20,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		BlobStore:      "memory",
	}
}

func testService(t *testing.T, cfg *config.Config) *submission.Service {
	t.Helper()
	api, err := echsapi.New(echsapi.Config{BaseURL: cfg.EchsAPIBaseURL, Timeout: cfg.EchsAPITimeout}, nil)
	if err != nil {
		t.Fatalf("echsapi.New: %v", err)
	}
	reg := document.DefaultRegistry()
	return submission.NewService(submission.NewSessionRepoMemory(reg), blobstore.NewInMemoryBlobStore(), api, zerolog.Nop())
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestRootCommands(t *testing.T) {
	migrate := migrateCmd()
	names := map[string]bool{}
	for _, c := range migrate.Commands() {
		names[c.Name()] = true
	}
	if !names["up"] || !names["status"] {
		t.Errorf("expected migrate up and status, got %v", names)
	}
	if serveCmd().Use != "serve" {
		t.Error("expected serve command")
	}
}

func TestNewServer_Health(t *testing.T) {
	cfg := testConfig()
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected /health/db to be absent without a database, got %d", rec.Code)
	}
}

func TestNewServer_ReadyReportsDatabase(t *testing.T) {
	cfg := testConfig()
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), fakePinger{err: errors.New("down")}, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestNewServer_DevAuthSession(t *testing.T) {
	cfg := testConfig()
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submission", nil)
	req.Header.Set("X-User-ID", "reviewer-7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestNewServer_SharedKeyRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "secret"
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/submission", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public /health, got %d", rec.Code)
	}
}

type recordingWriter struct {
	records []db.AuditRecord
}

func (w *recordingWriter) Write(rec db.AuditRecord) error {
	w.records = append(w.records, rec)
	return nil
}

func TestAuditRecorder(t *testing.T) {
	w := &recordingWriter{}
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err := auditRecorder(w).RecordAccess(middleware.AuditEntry{
		UserID:     "u1",
		Action:     "POST /api/v1/submission/approvals/:field/toggle",
		Params:     map[string]string{"field": "age"},
		RequestID:  "req-1",
		StatusCode: 200,
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(w.records))
	}
	got := w.records[0]
	if got.UserID != "u1" || got.Params["field"] != "age" || got.RequestID != "req-1" || !got.RecordedAt.Equal(ts) {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestNewServer_AuditsMutations(t *testing.T) {
	cfg := testConfig()
	w := &recordingWriter{}
	e := newServer(cfg, zerolog.Nop(), testService(t, cfg), nil, auditRecorder(w))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submission/approvals/age/toggle", nil)
	req.Header.Set("X-User-ID", "reviewer-7")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(w.records) != 1 || w.records[0].UserID != "reviewer-7" || w.records[0].Params["field"] != "age" {
		t.Errorf("unexpected audit records %+v", w.records)
	}
}

func TestNewBlobStore(t *testing.T) {
	cfg := testConfig()
	store, err := newBlobStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*blobstore.InMemoryBlobStore); !ok {
		t.Errorf("expected in-memory store, got %T", store)
	}

	cfg.BlobStore = "ftp"
	if _, err := newBlobStore(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown blob store")
	}
}
