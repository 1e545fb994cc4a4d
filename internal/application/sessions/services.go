package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/metrics"
)

const (
	defaultRepoTimeout = 5 * time.Second
	defaultBlobTimeout = 60 * time.Second

	maxQuestionLen = 1000
	maxAnswerLen   = 5000
)

var statusPattern = regexp.MustCompile(`^[A-Z][A-Z_]{0,31}$`)

// Service implements the session use-cases on top of the ports.
// Safe for concurrent use.
type Service struct {
	Repo    domain.Repository
	Blobs   domain.BlobStore
	Trigger *Trigger
	Clock   clockwork.Clock
	Log     *slog.Logger

	RepoTimeout time.Duration
	BlobTimeout time.Duration
	NewID       func() domain.SessionID // defaults to uuid v4

	wg sync.WaitGroup
}

//
// ==== INTAKE ====
//

// IntakeCommand is one multipart submission: demographics plus the report file.
type IntakeCommand struct {
	Intake      domain.Intake
	File        io.Reader
	FileName    string
	FileSize    int64 // -1 if unknown
	ContentType string
	OwnerID     *string
}

const (
	ResultTriggered      = "triggered"
	ResultTriggerPending = "trigger_pending"
)

type IntakeResult struct {
	SessionID domain.SessionID `json:"session_id"`
	Status    string           `json:"status"`
	Message   string           `json:"message"`
}

// SubmitIntake stores the file, persists the session and triggers analysis.
// Once validation passes the pipeline runs to the end even if the caller
// goes away. A worker failure still returns the session id, flagged
// trigger_pending.
func (s *Service) SubmitIntake(ctx context.Context, cmd IntakeCommand) (IntakeResult, error) {
	if cmd.File == nil {
		metrics.IntakesTotal.WithLabelValues("rejected").Inc()
		return IntakeResult{}, domain.Invalid("file", "is required")
	}
	if cmd.FileSize == 0 {
		metrics.IntakesTotal.WithLabelValues("rejected").Inc()
		return IntakeResult{}, domain.Invalid("file", "is empty")
	}
	cmd.Intake.Normalize()
	if err := cmd.Intake.Validate(); err != nil {
		metrics.IntakesTotal.WithLabelValues("rejected").Inc()
		return IntakeResult{}, err
	}

	ctx = context.WithoutCancel(ctx)
	id := s.newID()
	key := domain.BlobKey(id, cmd.FileName)
	log := s.logger().With("session_id", id)

	bctx, cancel := context.WithTimeout(ctx, s.blobTimeout())
	err := s.Blobs.Put(bctx, key, cmd.File, cmd.FileSize, cmd.ContentType)
	cancel()
	if err != nil {
		metrics.IntakesTotal.WithLabelValues("failed").Inc()
		log.Error("blob upload failed", "key", key, "err", err)
		return IntakeResult{}, asStoreErr("put blob", err)
	}

	sess := &domain.Session{
		ID:        id,
		Intake:    cmd.Intake,
		FileKey:   key,
		OwnerID:   cmd.OwnerID,
		CreatedAt: s.clock().Now().UTC(),
	}
	err = s.Trigger.Trigger(ctx, sess)
	var terr *domain.TriggerError
	switch {
	case err == nil:
		metrics.IntakesTotal.WithLabelValues(ResultTriggered).Inc()
		log.Info("intake accepted", "key", key)
		return IntakeResult{SessionID: id, Status: ResultTriggered, Message: "analysis started"}, nil
	case errors.As(err, &terr):
		metrics.IntakesTotal.WithLabelValues(ResultTriggerPending).Inc()
		log.Warn("intake accepted, worker trigger pending", "err", terr.Err)
		return IntakeResult{
			SessionID: id,
			Status:    ResultTriggerPending,
			Message:   "session saved, analysis will start shortly",
		}, nil
	default:
		// jangan tinggalin file yatim tanpa session
		dctx, dcancel := context.WithTimeout(ctx, s.blobTimeout())
		if derr := s.Blobs.Delete(dctx, key); derr != nil {
			log.Warn("orphan blob cleanup failed", "key", key, "err", derr)
		}
		dcancel()
		metrics.IntakesTotal.WithLabelValues("failed").Inc()
		log.Error("create session failed", "err", err)
		return IntakeResult{}, asStoreErr("create session", err)
	}
}

//
// ==== STATUS ====
//

type StatusView struct {
	Status             domain.Status     `json:"status"`
	GeneratedQuestions []domain.Question `json:"generatedQuestions"`
}

// GetStatus returns the stored status of the latest record, or nil when the
// session has none.
func (s *Service) GetStatus(ctx context.Context, id domain.SessionID) (*StatusView, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	rec, err := s.Repo.LatestAnalysisRecord(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusView{Status: rec.Status, GeneratedQuestions: nonNilQuestions(rec.GeneratedQuestions)}, nil
}

// SetStatus overwrites the status of the latest record.
func (s *Service) SetStatus(ctx context.Context, id domain.SessionID, status domain.Status) error {
	if err := requireID(id); err != nil {
		return err
	}
	status = domain.Status(strings.ToUpper(strings.TrimSpace(string(status))))
	if !statusPattern.MatchString(string(status)) {
		return domain.Invalid("status", "must be an upper-case status name")
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	if err := s.Repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	if !status.Known() {
		s.logger().Info("custom status stored", "session_id", id, "status", status)
	}
	return nil
}

//
// ==== RESUME ====
//

type ResumeView struct {
	Status       domain.Status     `json:"status"`
	StoredStatus domain.Status     `json:"storedStatus"`
	Questions    []domain.Question `json:"questions"`
	Answers      []domain.Answer   `json:"answers"`
}

// Resume rebuilds the questionnaire view. The returned status is reconciled,
// the stored one is left alone.
func (s *Service) Resume(ctx context.Context, id domain.SessionID) (*ResumeView, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()

	var (
		rec     *domain.AnalysisRecord
		answers []domain.Answer
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rec, err = s.Repo.LatestAnalysisRecord(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		answers, err = s.Repo.ListAnswers(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	questions := nonNilQuestions(rec.GeneratedQuestions)
	answers = domain.DedupeAnswers(answers)
	effective := domain.Reconcile(rec.Status, questions, answers)
	if effective != rec.Status {
		metrics.ReconcileUpliftsTotal.Inc()
	}
	return &ResumeView{
		Status:       effective,
		StoredStatus: rec.Status,
		Questions:    questions,
		Answers:      answers,
	}, nil
}

//
// ==== ANSWERS & REPORT ====
//

// RecordAnswer appends one answer. Re-answering a question adds a new row,
// reads keep the latest.
func (s *Service) RecordAnswer(ctx context.Context, id domain.SessionID, question, answer string) error {
	if err := requireID(id); err != nil {
		return err
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	switch {
	case question == "":
		return domain.Invalid("question", "is required")
	case answer == "":
		return domain.Invalid("answer", "is required")
	case len(question) > maxQuestionLen:
		return domain.Invalid("question", "is too long")
	case len(answer) > maxAnswerLen:
		return domain.Invalid("answer", "is too long")
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	return s.Repo.AppendAnswer(ctx, id, question, answer)
}

// RequestReport asks the worker for the final report and returns once the
// job is handed off. With no answers supplied the stored ones are loaded
// first, and a failed load is returned so the caller can retry. Worker
// failures are logged and queued in the outbox, never reported back.
func (s *Service) RequestReport(ctx context.Context, id domain.SessionID, userID *string, answers []domain.Answer) error {
	if err := requireID(id); err != nil {
		return err
	}
	sent := answers
	if len(sent) == 0 {
		rctx, cancel := s.repoCtx(ctx)
		stored, err := s.Repo.ListAnswers(rctx, id)
		cancel()
		if err != nil {
			return asStoreErr("list answers", err)
		}
		sent = domain.DedupeAnswers(stored)
	}

	bg := context.WithoutCancel(ctx)
	job := domain.Job{SessionID: id, UserID: userID, Action: domain.ActionReport, Answers: sent}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log := s.logger().With("session_id", id)
		if err := s.Trigger.Dispatch(bg, job, true); err != nil {
			log.Error("report request failed", "err", err)
			return
		}
		log.Info("report requested", "answers", len(sent))
	}()
	return nil
}

// GetReport returns the final report. ErrNotFound when the session has no
// record, ErrNotReady while the report is still empty.
func (s *Service) GetReport(ctx context.Context, id domain.SessionID) (*domain.Report, error) {
	if err := requireID(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	return s.Repo.GetReport(ctx, id)
}

//
// ==== WORKER CALLBACKS ====
//

// PublishQuestions stores the worker's follow-up questions and moves the
// session to QUESTIONS_READY in one write. Publishing the same questions
// again succeeds; different ones get ErrQuestionsFrozen.
func (s *Service) PublishQuestions(ctx context.Context, id domain.SessionID, questions []domain.Question) error {
	if err := requireID(id); err != nil {
		return err
	}
	if len(questions) == 0 {
		return domain.Invalid("questions", "must not be empty")
	}
	seen := make(map[string]struct{}, len(questions))
	for i := range questions {
		questions[i].ID = strings.TrimSpace(questions[i].ID)
		questions[i].Text = strings.TrimSpace(questions[i].Text)
		if questions[i].ID == "" || questions[i].Text == "" {
			return domain.Invalid("questions", "every question needs an id and text")
		}
		if _, dup := seen[questions[i].ID]; dup {
			return domain.Invalid("questions", "duplicate question id "+questions[i].ID)
		}
		seen[questions[i].ID] = struct{}{}
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	err := s.Repo.SetQuestions(ctx, id, questions, domain.StatusQuestionsReady)
	if !errors.Is(err, domain.ErrQuestionsFrozen) {
		return err
	}
	// replay dari worker (misal response sebelumnya hilang) tetap sukses
	rec, lerr := s.Repo.LatestAnalysisRecord(ctx, id)
	if lerr != nil {
		return lerr
	}
	if slices.Equal(rec.GeneratedQuestions, questions) {
		return nil
	}
	return err
}

// PublishReport stores the worker's final report on the latest record.
func (s *Service) PublishReport(ctx context.Context, id domain.SessionID, report json.RawMessage, extractedText *string) error {
	if err := requireID(id); err != nil {
		return err
	}
	if !json.Valid(report) {
		return domain.Invalid("report", "must be valid JSON")
	}
	rec := domain.AnalysisRecord{FinalReport: report}
	if !rec.HasReport() {
		return domain.Invalid("report", "must not be empty")
	}
	ctx, cancel := s.repoCtx(ctx)
	defer cancel()
	return s.Repo.SetReport(ctx, id, report, extractedText)
}

//
// ==== ADMIN & FILES ====
//

// Retrigger starts a fresh analysis run for an existing session: a new
// RECEIVED record becomes the latest one and the worker is invoked again.
// Invocation failures come back as *TriggerError and are not queued.
func (s *Service) Retrigger(ctx context.Context, id domain.SessionID) error {
	if err := requireID(id); err != nil {
		return err
	}
	rctx, cancel := s.repoCtx(ctx)
	defer cancel()
	sess, err := s.Repo.GetSession(rctx, id)
	if err != nil {
		return err
	}
	if _, err := s.Repo.CreateAnalysisRecord(rctx, id, domain.StatusReceived); err != nil {
		return err
	}
	err = s.Trigger.Dispatch(ctx, domain.Job{SessionID: id, UserID: sess.OwnerID, Action: domain.ActionAnalyze}, false)
	if err == nil {
		s.logger().Info("worker retriggered", "session_id", id)
	}
	return err
}

// OpenUpload streams the uploaded file back. Sessions with an owner are only
// readable by that owner.
func (s *Service) OpenUpload(ctx context.Context, id domain.SessionID, userID *string) (io.ReadCloser, *domain.Session, error) {
	if err := requireID(id); err != nil {
		return nil, nil, err
	}
	rctx, cancel := s.repoCtx(ctx)
	sess, err := s.Repo.GetSession(rctx, id)
	cancel()
	if err != nil {
		return nil, nil, err
	}
	if sess.OwnerID != nil && (userID == nil || *userID != *sess.OwnerID) {
		return nil, nil, domain.ErrForbidden
	}
	rc, err := s.Blobs.Get(ctx, sess.FileKey)
	if err != nil {
		return nil, nil, asStoreErr("get blob", err)
	}
	return rc, sess, nil
}

// Wait blocks until background report requests are done.
func (s *Service) Wait() { s.wg.Wait() }

//
// ==== helpers ====
//

func requireID(id domain.SessionID) error {
	if strings.TrimSpace(string(id)) == "" {
		return domain.Invalid("session_id", "is required")
	}
	return nil
}

func nonNilQuestions(qs []domain.Question) []domain.Question {
	if qs == nil {
		return []domain.Question{}
	}
	return qs
}

func asStoreErr(op string, err error) error {
	if err == nil || domain.IsStore(err) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return &domain.StoreError{Op: op, Err: err}
}

func (s *Service) repoCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d := s.RepoTimeout
	if d <= 0 {
		d = defaultRepoTimeout
	}
	return context.WithTimeout(ctx, d)
}

func (s *Service) blobTimeout() time.Duration {
	if s.BlobTimeout <= 0 {
		return defaultBlobTimeout
	}
	return s.BlobTimeout
}

func (s *Service) newID() domain.SessionID {
	if s.NewID != nil {
		return s.NewID()
	}
	return domain.SessionID(uuid.NewString())
}

func (s *Service) clock() clockwork.Clock {
	if s.Clock == nil {
		return clockwork.NewRealClock()
	}
	return s.Clock
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
