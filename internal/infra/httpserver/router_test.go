package httpserver

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
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appassistant "github.com/bryanwahyu/health-intake/internal/application/assistant"
	appsessions "github.com/bryanwahyu/health-intake/internal/application/sessions"
	domassistant "github.com/bryanwahyu/health-intake/internal/domain/assistant"
	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/infra/db/sqlite"
	"github.com/bryanwahyu/health-intake/internal/infra/db/sqlstore"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

type switchWorker struct {
	mu  sync.Mutex
	err error
}

func (w *switchWorker) Invoke(context.Context, domain.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

type staticAnswerer struct{ err error }

func (a staticAnswerer) Answer(_ context.Context, contextText, question string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "echo: " + question, nil
}

type testServer struct {
	handler http.Handler
	svc     *appsessions.Service
	worker  *switchWorker
	logs    *lockedBuffer
}

// lockedBuffer collects log output written from request and background goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const adminKey = "admin-secret"

func newTestServer(t *testing.T, answerer domassistant.Answerer) *testServer {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Connect(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, nil, db, sqlstore.SQLite))

	logs := &lockedBuffer{}
	log := slog.New(slog.NewTextHandler(logs, nil))
	repo := sqlite.NewSessionRepository(db)
	w := &switchWorker{}
	svc := &appsessions.Service{
		Repo:    repo,
		Blobs:   &memBlobs{objects: map[string][]byte{}},
		Trigger: &appsessions.Trigger{Repo: repo, Worker: w, Outbox: sqlite.NewOutboxRepository(db), Log: log},
		Log:     log,
	}
	t.Cleanup(svc.Wait)

	h := NewRouter(svc, &appassistant.Service{Answerer: answerer, Reports: repo}, Options{
		Log:        log,
		UserTokens: map[string]string{"user-1": "tok-1", "user-2": "tok-2"},
		AdminKeys:  map[string]string{"worker": adminKey},
	})
	return &testServer{handler: h, svc: svc, worker: w, logs: logs}
}

func (s *testServer) do(t *testing.T, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) submit(t *testing.T, fields map[string]string, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", "My Labs.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF-1.4 glucose 92"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	headers := map[string]string{"Content-Type": mw.FormDataContentType()}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return s.do(t, http.MethodPost, "/v1/sessions", &buf, headers)
}

func intakeFields() map[string]string {
	return map[string]string{"name": "Ana", "age": "34", "gender": "female", "height": "165", "weight": "60.5"}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]apiError](t, rec)
	return body["error"].Code
}

func jsonBody(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

var adminHeaders = map[string]string{"X-API-Key": adminKey, "Content-Type": "application/json"}

func TestSessionFlow(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.submit(t, intakeFields(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[appsessions.IntakeResult](t, rec)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, appsessions.ResultTriggered, res.Status)
	base := "/v1/sessions/" + string(res.SessionID)

	rec = s.do(t, http.MethodGet, base+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusReceived, decode[appsessions.StatusView](t, rec).Status)

	// worker publishes two questions
	rec = s.do(t, http.MethodPut, base+"/questions", jsonBody(map[string]any{
		"questions": []domain.Question{{ID: "q1", Text: "Do you smoke?"}, {ID: "q2", Text: "Any allergies?"}},
	}), adminHeaders)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	for _, a := range []map[string]string{
		{"question": "Do you smoke?", "answer": "No"},
		{"question": "Any allergies?", "answer": "Pollen"},
	} {
		rec = s.do(t, http.MethodPost, base+"/answers", jsonBody(a), nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, base+"/resume", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[appsessions.ResumeView](t, rec)
	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, domain.StatusQuestionsReady, view.StoredStatus)
	assert.Len(t, view.Answers, 2)

	rec = s.do(t, http.MethodGet, base+"/status", nil, nil)
	assert.Equal(t, domain.StatusQuestionsReady, decode[appsessions.StatusView](t, rec).Status)

	rec = s.do(t, http.MethodGet, base+"/report", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_ready", errCode(t, rec))

	rec = s.do(t, http.MethodPost, base+"/report", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPut, base+"/report", jsonBody(map[string]any{
		"report": map[string]string{"summary": "all good"}, "extractedText": "glucose 92",
	}), adminHeaders)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, base+"/report", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[domain.Report](t, rec)
	assert.JSONEq(t, `{"summary":"all good"}`, string(rep.Report))
	assert.Equal(t, "glucose 92", *rep.ExtractedText)
}

func TestSubmit_WorkerDown(t *testing.T) {
	s := newTestServer(t, nil)
	s.worker.err = errors.New("connection refused")

	rec := s.submit(t, intakeFields(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[appsessions.IntakeResult](t, rec)
	assert.Equal(t, appsessions.ResultTriggerPending, res.Status)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+string(res.SessionID)+"/status", nil, nil)
	assert.Contains(t, rec.Body.String(), "RECEIVED")

	rec = s.do(t, http.MethodPost, "/v1/sessions/"+string(res.SessionID)+"/trigger", nil, adminHeaders)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "worker_unavailable", errCode(t, rec))
}

func TestSubmit_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	fields := intakeFields()
	delete(fields, "name")
	rec := s.submit(t, fields, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", errCode(t, rec))

	fields = intakeFields()
	fields["age"] = "thirty"
	rec = s.submit(t, fields, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/sessions", strings.NewReader("name=Ana"), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownIsNull(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/v1/sessions/3f2b8c1e-9a4d-4f7e-8b21-0c5d6e7f8a90/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = s.do(t, http.MethodGet, "/v1/sessions/3f2b8c1e-9a4d-4f7e-8b21-0c5d6e7f8a90/resume", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errCode(t, rec))

	rec = s.do(t, http.MethodGet, "/v1/sessions/3f2b8c1e-9a4d-4f7e-8b21-0c5d6e7f8a90/report", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errCode(t, rec))
}

func TestAdminRoutesNeedKey(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPut, "/v1/sessions/abc/status", jsonBody(map[string]string{"status": "FAILED"}), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPut, "/v1/sessions/abc/status", jsonBody(map[string]string{"status": "FAILED"}), adminHeaders)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, s.logs.String(), "admin=worker")
}

func TestOpenUpload_Owner(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.submit(t, intakeFields(), "tok-1")
	require.Equal(t, http.StatusOK, rec.Code)
	id := string(decode[appsessions.IntakeResult](t, rec).SessionID)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/upload", nil, map[string]string{"Authorization": "Bearer tok-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/sessions/"+id+"/upload", nil, map[string]string{"Authorization": "Bearer tok-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 glucose 92", rec.Body.String())
}

func TestAssistant(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/v1/assistant/ask", jsonBody(map[string]string{"question": "hi"}), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s = newTestServer(t, staticAnswerer{})
	rec = s.do(t, http.MethodPost, "/v1/assistant/ask", jsonBody(map[string]string{"question": "what is LDL?"}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo: what is LDL?", decode[appassistant.AskResult](t, rec).Answer)

	s = newTestServer(t, staticAnswerer{err: domassistant.ErrQuotaExceeded})
	rec = s.do(t, http.MethodPost, "/v1/assistant/ask", jsonBody(map[string]string{"question": "q"}), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "intake_reconcile_uplifts_total")
}
