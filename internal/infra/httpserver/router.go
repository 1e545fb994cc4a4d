package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appassistant "github.com/bryanwahyu/health-intake/internal/application/assistant"
	appsessions "github.com/bryanwahyu/health-intake/internal/application/sessions"
	domassistant "github.com/bryanwahyu/health-intake/internal/domain/assistant"
	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/infra/storage"
	"github.com/bryanwahyu/health-intake/internal/middleware"
)

const (
	defaultMaxUpload = 20 << 20
	maxJSONBody      = 1 << 20
	multipartMemory  = 8 << 20
	maxTextField     = 200
)

// Options configures the HTTP surface around the services.
type Options struct {
	Log            *slog.Logger
	MaxUploadBytes int64
	UserTokens     map[string]string // user id -> bearer token
	AdminKeys      map[string]string // key name -> X-API-Key
	RateCapacity   int               // intake route, per client IP; 0 disables
	RateRefill     int
	Health         map[string]middleware.HealthChecker
}

type Router struct {
	sessions  *appsessions.Service
	assistant *appassistant.Service
	log       *slog.Logger
	maxUpload int64
}

func NewRouter(sessions *appsessions.Service, assistant *appassistant.Service, opts Options) http.Handler {
	r := &Router{sessions: sessions, assistant: assistant, log: opts.Log, maxUpload: opts.MaxUploadBytes}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.maxUpload <= 0 {
		r.maxUpload = defaultMaxUpload
	}

	mux := chi.NewRouter()
	mux.Get("/health", middleware.HealthHandler(opts.Health))
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.ReadinessHandler(opts.Health))
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.OptionalAuth(opts.UserTokens))

		intake := rt.With()
		if opts.RateCapacity > 0 {
			intake = rt.With(middleware.RateLimit(opts.RateCapacity, opts.RateRefill))
		}
		intake.Post("/sessions", r.wrap(r.handleSubmitIntake))

		rt.Get("/sessions/{id}/status", r.wrap(r.handleGetStatus))
		rt.Get("/sessions/{id}/resume", r.wrap(r.handleResume))
		rt.Post("/sessions/{id}/answers", r.wrap(r.handleRecordAnswer))
		rt.Post("/sessions/{id}/report", r.wrap(r.handleRequestReport))
		rt.Get("/sessions/{id}/report", r.wrap(r.handleGetReport))
		rt.Get("/sessions/{id}/upload", r.wrap(r.handleOpenUpload))
		rt.Post("/assistant/ask", r.wrap(r.handleAsk))

		// admin + worker callbacks
		rt.Group(func(adm chi.Router) {
			adm.Use(middleware.APIKeyAuth(opts.AdminKeys), r.auditAdmin)
			adm.Put("/sessions/{id}/status", r.wrap(r.handleSetStatus))
			adm.Post("/sessions/{id}/trigger", r.wrap(r.handleRetrigger))
			adm.Put("/sessions/{id}/questions", r.wrap(r.handlePublishQuestions))
			adm.Put("/sessions/{id}/report", r.wrap(r.handlePublishReport))
		})
	})

	return mux
}

// auditAdmin logs which admin key touched a session.
func (r *Router) auditAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.log.Info("admin request",
			"admin", middleware.AdminFromContext(req.Context()),
			"method", req.Method,
			"path", req.URL.Path,
		)
		next.ServeHTTP(w, req)
	})
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	_ = writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var (
			verr   *domain.ValidationError
			terr   *domain.TriggerError
			maxErr *http.MaxBytesError
		)
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, "invalid_argument", verr.Error())
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "session not found")
		case errors.Is(err, domain.ErrNotReady):
			writeError(w, http.StatusNotFound, "not_ready", "report is not ready yet")
		case errors.Is(err, domain.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
		case errors.Is(err, domain.ErrQuestionsFrozen):
			writeError(w, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, domassistant.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, "quota_exceeded", "ai quota exceeded")
		case errors.Is(err, domassistant.ErrDisabled):
			writeError(w, http.StatusServiceUnavailable, "assistant_disabled", "assistant is not configured")
		case errors.As(err, &terr):
			writeError(w, http.StatusBadGateway, "worker_unavailable", terr.Error())
		default:
			code := "internal"
			if domain.IsStore(err) {
				code = "store_unavailable"
			}
			r.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
			if hub := sentry.GetHubFromContext(req.Context()); hub != nil {
				hub.CaptureException(err)
			}
			writeError(w, http.StatusInternalServerError, code, "internal error")
		}
	}
}

func sessionID(req *http.Request) (domain.SessionID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateSessionID(id); err != nil {
		return "", domain.Invalid("session_id", err.Error())
	}
	return domain.SessionID(id), nil
}

// decodeJSON reads a bounded JSON body. An empty body is fine when allowEmpty.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any, allowEmpty bool) error {
	req.Body = http.MaxBytesReader(w, req.Body, maxJSONBody)
	err := json.NewDecoder(req.Body).Decode(dst)
	var maxErr *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && allowEmpty:
		return nil
	case errors.As(err, &maxErr):
		return err
	default:
		return domain.Invalid("body", "malformed JSON")
	}
}

// POST /v1/sessions (multipart/form-data)
func (r *Router) handleSubmitIntake(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxUpload)
	if err := req.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return domain.Invalid("body", "expected multipart/form-data")
	}
	defer req.MultipartForm.RemoveAll()

	field := func(name string) string {
		return middleware.SanitizeField(req.FormValue(name), maxTextField)
	}
	intake := domain.Intake{
		Name:       field("name"),
		Gender:     field("gender"),
		Units:      domain.Units(field("units")),
		Language:   field("language"),
		Diet:       field("diet"),
		Occupation: field("occupation"),
		Sleep:      field("sleep"),
	}
	var err error
	if intake.Age, err = strconv.Atoi(field("age")); err != nil {
		return domain.Invalid("age", "must be a whole number")
	}
	if intake.Height, err = parseOptionalFloat(field("height")); err != nil {
		return domain.Invalid("height", "must be a number")
	}
	if intake.Weight, err = parseOptionalFloat(field("weight")); err != nil {
		return domain.Invalid("weight", "must be a number")
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		return domain.Invalid("file", "is required")
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = storage.ContentTypeFor(header.Filename)
	}

	res, err := r.sessions.SubmitIntake(req.Context(), appsessions.IntakeCommand{
		Intake:      intake,
		File:        file,
		FileName:    header.Filename,
		FileSize:    header.Size,
		ContentType: contentType,
		OwnerID:     middleware.UserIDFromContext(req.Context()),
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

func parseOptionalFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// GET /v1/sessions/{id}/status
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	view, err := r.sessions.GetStatus(req.Context(), id)
	if err != nil {
		return err
	}
	// null kalau belum ada record
	return writeJSON(w, http.StatusOK, view)
}

// PUT /v1/sessions/{id}/status  {"status": "..."}
func (r *Router) handleSetStatus(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(w, req, &body, false); err != nil {
		return err
	}
	if err := r.sessions.SetStatus(req.Context(), id, domain.Status(body.Status)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/sessions/{id}/resume
func (r *Router) handleResume(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	view, err := r.sessions.Resume(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// POST /v1/sessions/{id}/answers  {"question": "...", "answer": "..."}
func (r *Router) handleRecordAnswer(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	var body struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	}
	if err := decodeJSON(w, req, &body, false); err != nil {
		return err
	}
	if err := r.sessions.RecordAnswer(req.Context(), id, body.Question, body.Answer); err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// POST /v1/sessions/{id}/report  {"answers": [{"question": "...", "answer": "..."}]} (body optional)
func (r *Router) handleRequestReport(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	var body struct {
		Answers []struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		} `json:"answers"`
	}
	if err := decodeJSON(w, req, &body, true); err != nil {
		return err
	}
	answers := make([]domain.Answer, 0, len(body.Answers))
	for _, a := range body.Answers {
		answers = append(answers, domain.Answer{SessionID: id, Question: a.Question, Answer: a.Answer})
	}
	if err := r.sessions.RequestReport(req.Context(), id, middleware.UserIDFromContext(req.Context()), answers); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// GET /v1/sessions/{id}/report
func (r *Router) handleGetReport(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	rep, err := r.sessions.GetReport(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, rep)
}

// GET /v1/sessions/{id}/upload
func (r *Router) handleOpenUpload(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	rc, sess, err := r.sessions.OpenUpload(req.Context(), id, middleware.UserIDFromContext(req.Context()))
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Content-Type", storage.ContentTypeFor(sess.FileKey))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(sess.FileKey)))
	if _, err := io.Copy(w, rc); err != nil {
		// header sudah terkirim, cukup log
		r.log.Warn("upload stream interrupted", "session_id", id, "err", err)
	}
	return nil
}

// POST /v1/sessions/{id}/trigger
func (r *Router) handleRetrigger(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	if err := r.sessions.Retrigger(req.Context(), id); err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, map[string]string{"status": appsessions.ResultTriggered})
}

// PUT /v1/sessions/{id}/questions  {"questions": [{"id": "...", "text": "..."}]}
func (r *Router) handlePublishQuestions(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	var body struct {
		Questions []domain.Question `json:"questions"`
	}
	if err := decodeJSON(w, req, &body, false); err != nil {
		return err
	}
	if err := r.sessions.PublishQuestions(req.Context(), id, body.Questions); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// PUT /v1/sessions/{id}/report  {"report": {...}, "extractedText": "..."}
func (r *Router) handlePublishReport(w http.ResponseWriter, req *http.Request) error {
	id, err := sessionID(req)
	if err != nil {
		return err
	}
	var body struct {
		Report        json.RawMessage `json:"report"`
		ExtractedText *string         `json:"extractedText"`
	}
	if err := decodeJSON(w, req, &body, false); err != nil {
		return err
	}
	if err := r.sessions.PublishReport(req.Context(), id, body.Report, body.ExtractedText); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/assistant/ask  {"session_id": "...", "question": "..."}
func (r *Router) handleAsk(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		SessionID string `json:"session_id"`
		Question  string `json:"question"`
	}
	if err := decodeJSON(w, req, &body, false); err != nil {
		return err
	}
	if body.SessionID != "" {
		if err := middleware.ValidateSessionID(body.SessionID); err != nil {
			return domain.Invalid("session_id", err.Error())
		}
	}
	res, err := r.assistant.Ask(req.Context(), domain.SessionID(body.SessionID), body.Question)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}
