package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questgate/server/internal/history"
	"github.com/questgate/server/internal/integrity"
	"github.com/questgate/server/internal/ledger"
	"github.com/questgate/server/internal/metrics"
	"github.com/questgate/server/internal/quest"
	"github.com/questgate/server/internal/service"
)

var baseTime = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

type failingDigester struct{}

func (failingDigester) Digest(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(), error) {
	return nil, history.ErrLockTimeout
}

type testServer struct {
	handler http.Handler
	gate    *integrity.Gate
}

func newTestServer(t *testing.T, locker history.Locker, gateOpts ...integrity.GateOption) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog, err := quest.NewCatalog([]integrity.Quest{{ID: "plant-tree", TimeLimit: 120}})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := append([]integrity.GateOption{
		integrity.WithClock(func() time.Time { return baseTime }),
		integrity.WithLogger(logger),
		integrity.WithCommitObserver(m.ObserveCommit),
	}, gateOpts...)
	gate := integrity.NewGate(integrity.GateConfig{DetectAutomation: true}, catalog, opts...)

	if locker == nil {
		locker = history.NewMemoryLocker()
	}
	svc := service.New(service.Dependencies{
		Gate:    gate,
		Store:   history.NewMemoryStore(),
		Locker:  locker,
		Ledger:  ledger.NewMemory(),
		Metrics: m,
		Logger:  logger,
	})
	return testServer{
		handler: NewRouter(Options{Service: svc, Gate: gate, Logger: logger, Gatherer: reg}),
		gate:    gate,
	}
}

func (s testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.8")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}

func TestPanicIsRecovered(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewRouter(Options{Logger: logger})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/submissions", strings.NewReader(`{"questId":"plant-tree"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { handler.ServeHTTP(rec, req) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestFingerprintFillsFromHeaders(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/fingerprint", `{"timezone":"Europe/Berlin","platform":"Win32","cores":8,"screen":"1920x1080"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	decode(t, rec, &out)
	want := s.gate.Fingerprint(integrity.Environment{
		UserAgent: chromeUA,
		Language:  "de-DE",
		Timezone:  "Europe/Berlin",
		Platform:  "Win32",
		Cores:     8,
		Screen:    "1920x1080",
	})
	assert.Equal(t, want, out["fingerprint"])
	assert.Equal(t, "sha256", out["scheme"])
}

func TestCommit(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/commit",
		`{"questId":"plant-tree","timestamp":"2025-03-14T12:00:00Z","deviceId":"abc","description":"oak"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]string
	decode(t, rec, &out)
	want, err := integrity.NewHasher(nil).Commit(context.Background(), integrity.Submission{
		QuestID: "plant-tree", Timestamp: baseTime, DeviceID: "abc", Description: "oak",
	})
	require.NoError(t, err)
	assert.Equal(t, want, out["commitmentHash"])
	assert.Equal(t, "2025-03-14T12:00:00.000Z", out["timestamp"])

	rec = s.do(t, http.MethodPost, "/api/v1/commit", `{"questId":"plant-tree"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_SUBMISSION", decode(t, rec, nil).Code)
}

func TestCommitFailureIsRetryable(t *testing.T) {
	s := newTestServer(t, nil, integrity.WithHasher(integrity.NewHasher(failingDigester{})))

	rec := s.do(t, http.MethodPost, "/api/v1/users/u1/submissions", `{"questId":"plant-tree"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "COMMITMENT_UNAVAILABLE", decode(t, rec, nil).Code)
}

func TestEvaluateIsStateless(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"history":{"submissions":[],"lastSubmissionTime":"2025-03-14T11:55:00Z","verificationRate":0},
		"attempt":{"questId":"plant-tree","description":"oak"}}`

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/api/v1/evaluate", body)
		require.Equal(t, http.StatusOK, rec.Code)
		var d integrity.Decision
		decode(t, rec, &d)
		assert.Equal(t, integrity.VerdictReject, d.Verdict)
		assert.Equal(t, []string{"Wait 10 more minutes."}, d.Violations)
		assert.Empty(t, d.Submission.ID)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/users/u1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.StatusView
	decode(t, rec, &view)
	assert.Zero(t, view.TotalSubmissions)
}

func TestEvaluateFlagsAutomatedClient(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/evaluate",
		`{"history":{"submissions":[]},"attempt":{"questId":"plant-tree","environment":{"userAgent":"python-requests/2.31.0"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var d integrity.Decision
	decode(t, rec, &d)
	require.Len(t, d.Anomalies, 1)
	assert.Equal(t, integrity.AnomalyAutomatedClient, d.Anomalies[0].Type)
	assert.Equal(t, 25, d.Score)
	assert.Equal(t, integrity.LevelCaution, d.Status.Level)
	assert.Equal(t, integrity.VerdictAccept, d.Verdict)
}

func TestInvalidJSON(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/evaluate", `{"history":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "INVALID_JSON", env.Code)
}

func TestSubmissionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/users/u1/submissions", `{"questId":"plant-tree","description":"oak"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var first integrity.Decision
	decode(t, rec, &first)
	assert.True(t, first.Accepted)
	require.NotEmpty(t, first.Submission.ID)

	rec = s.do(t, http.MethodPost, "/api/v1/users/u1/submissions", `{"questId":"plant-tree","description":"again"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var second integrity.Decision
	decode(t, rec, &second)
	assert.Equal(t, integrity.VerdictReject, second.Verdict)
	assert.Equal(t, []string{"Wait 15 more minutes."}, second.Violations)

	rec = s.do(t, http.MethodPost, "/api/v1/users/u1/submissions/"+first.Submission.ID+"/verified", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/users/u1/submissions/unknown/verified", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/users/u1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.StatusView
	decode(t, rec, &view)
	assert.Equal(t, 1, view.TotalSubmissions)
	assert.Equal(t, 1.0, view.VerificationRate)

	rec = s.do(t, http.MethodGet, "/api/v1/submissions/"+first.Submission.ID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v service.Verification
	decode(t, rec, &v)
	assert.True(t, v.Valid)
	assert.Equal(t, "u1", v.UserID)

	rec = s.do(t, http.MethodGet, "/api/v1/submissions/unknown/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitLockTimeout(t *testing.T) {
	s := newTestServer(t, busyLocker{})
	rec := s.do(t, http.MethodPost, "/api/v1/users/u1/submissions", `{"questId":"plant-tree"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SUBMISSION_IN_PROGRESS", decode(t, rec, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/users/u1/submissions", `{"questId":"plant-tree"}`)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `questgate_gate_decisions_total{verdict="accept"} 1`)
	assert.Contains(t, rec.Body.String(), "questgate_commit_duration_seconds")
}

func TestPrimaryLanguage(t *testing.T) {
	assert.Equal(t, "de-DE", primaryLanguage("de-DE,de;q=0.9"))
	assert.Equal(t, "en", primaryLanguage("en;q=0.8"))
	assert.Equal(t, "", primaryLanguage(""))
}
