package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

type SessionRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSessionRepository(db *sql.DB, d Dialect) *SessionRepository {
	return &SessionRepository{db: db, dialect: d, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (r *SessionRepository) WithClock(now func() time.Time) *SessionRepository {
	r.now = now
	return r
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return &domain.StoreError{Op: op, Err: err}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SessionRepository) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.dialect.rebind(q), args...)
}

func (r *SessionRepository) insertID(ctx context.Context, db execer, q string, args ...any) (int64, error) {
	if r.dialect.Returning {
		var id int64
		err := db.QueryRowContext(ctx, r.dialect.rebind(q+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, r.dialect.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const insertRecord = `
INSERT INTO analysis_records (session_id, status, created_at)
VALUES (?,?,?)`

// CreateSession inserts the write-once intake row and its first analysis
// record in one transaction.
func (r *SessionRepository) CreateSession(ctx context.Context, s *domain.Session, first domain.Status) (int64, error) {
	const q = `
INSERT INTO intake_sessions
(id, name, age, gender, height, weight, units, language, diet, occupation, sleep_pattern,
 file_key, owner_id, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	created := s.CreatedAt
	if created.IsZero() {
		created = r.now()
		s.CreatedAt = created.UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("create session", err)
	}
	defer tx.Rollback()

	in := s.Intake
	_, err = tx.ExecContext(ctx, r.dialect.rebind(q),
		string(s.ID), in.Name, in.Age, in.Gender, in.Height, in.Weight, string(in.Units), in.Language,
		in.Diet, in.Occupation, in.Sleep,
		s.FileKey, nullString(s.OwnerID), r.dialect.timeArg(created),
	)
	if err != nil {
		return 0, storeErr("create session", err)
	}
	recID, err := r.insertID(ctx, tx, insertRecord, string(s.ID), string(first), r.dialect.timeArg(r.now()))
	if err != nil {
		return 0, storeErr("create analysis record", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("create session", err)
	}
	return recID, nil
}

// GetSession by ID
func (r *SessionRepository) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	const q = `
SELECT id, name, age, gender, height, weight, units, language, diet, occupation, sleep_pattern,
       file_key, owner_id, created_at
FROM intake_sessions
WHERE id=? LIMIT 1`
	var (
		s       domain.Session
		owner   sql.NullString
		created dbTime
	)
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(q), string(id)).Scan(
		&s.ID, &s.Intake.Name, &s.Intake.Age, &s.Intake.Gender, &s.Intake.Height, &s.Intake.Weight,
		&s.Intake.Units, &s.Intake.Language, &s.Intake.Diet, &s.Intake.Occupation, &s.Intake.Sleep,
		&s.FileKey, &owner, &created,
	)
	if err != nil {
		return nil, storeErr("get session", err)
	}
	s.OwnerID = stringPtr(owner)
	s.CreatedAt = created.Time
	return &s, nil
}

// CreateAnalysisRecord appends a new status row; callers must not assume it is the only one.
func (r *SessionRepository) CreateAnalysisRecord(ctx context.Context, id domain.SessionID, status domain.Status) (int64, error) {
	recID, err := r.insertID(ctx, r.db, insertRecord, string(id), string(status), r.dialect.timeArg(r.now()))
	if err != nil {
		return 0, storeErr("create analysis record", err)
	}
	return recID, nil
}

// LatestAnalysisRecord returns the newest record by created_at, insertion order breaking ties.
func (r *SessionRepository) LatestAnalysisRecord(ctx context.Context, id domain.SessionID) (*domain.AnalysisRecord, error) {
	const q = `
SELECT id, session_id, status, generated_questions, final_report, extracted_text, created_at
FROM analysis_records
WHERE session_id=?
ORDER BY created_at DESC, id DESC
LIMIT 1`
	var (
		rec       domain.AnalysisRecord
		questions sql.NullString
		report    sql.NullString
		text      sql.NullString
		created   dbTime
	)
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(q), string(id)).Scan(
		&rec.ID, &rec.SessionID, &rec.Status, &questions, &report, &text, &created,
	)
	if err != nil {
		return nil, storeErr("latest analysis record", err)
	}
	rec.GeneratedQuestions = []domain.Question{}
	if questions.Valid && questions.String != "" {
		if err := json.Unmarshal([]byte(questions.String), &rec.GeneratedQuestions); err != nil {
			return nil, &domain.StoreError{Op: "decode generated questions", Err: err}
		}
		if rec.GeneratedQuestions == nil {
			rec.GeneratedQuestions = []domain.Question{}
		}
	}
	if report.Valid {
		rec.FinalReport = json.RawMessage(report.String)
	}
	rec.ExtractedText = stringPtr(text)
	rec.CreatedAt = created.Time
	return &rec, nil
}

func (r *SessionRepository) latestID(ctx context.Context, id domain.SessionID) (int64, error) {
	const q = `
SELECT id FROM analysis_records
WHERE session_id=?
ORDER BY created_at DESC, id DESC
LIMIT 1`
	var recID int64
	if err := r.db.QueryRowContext(ctx, r.dialect.rebind(q), string(id)).Scan(&recID); err != nil {
		return 0, err
	}
	return recID, nil
}

// UpdateStatus hanya update kolom status pada record terbaru
func (r *SessionRepository) UpdateStatus(ctx context.Context, id domain.SessionID, status domain.Status) error {
	recID, err := r.latestID(ctx, id)
	if err != nil {
		return storeErr("update status", err)
	}
	_, err = r.exec(ctx, `UPDATE analysis_records SET status=? WHERE id=?`, string(status), recID)
	return storeErr("update status", err)
}

// SetQuestions writes generated_questions once on the latest record and sets
// its status in the same statement.
func (r *SessionRepository) SetQuestions(ctx context.Context, id domain.SessionID, questions []domain.Question, status domain.Status) error {
	recID, err := r.latestID(ctx, id)
	if err != nil {
		return storeErr("set questions", err)
	}
	if questions == nil {
		questions = []domain.Question{}
	}
	payload, err := jsonText(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	res, err := r.exec(ctx,
		`UPDATE analysis_records SET generated_questions=?, status=? WHERE id=? AND generated_questions IS NULL`,
		payload, string(status), recID)
	if err != nil {
		return storeErr("set questions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("set questions", err)
	}
	if n == 0 {
		return domain.ErrQuestionsFrozen
	}
	return nil
}

// SetReport writes final_report (and extracted_text when given) on the latest record.
func (r *SessionRepository) SetReport(ctx context.Context, id domain.SessionID, report []byte, extractedText *string) error {
	recID, err := r.latestID(ctx, id)
	if err != nil {
		return storeErr("set report", err)
	}
	if extractedText == nil {
		_, err = r.exec(ctx, `UPDATE analysis_records SET final_report=? WHERE id=?`, string(report), recID)
	} else {
		_, err = r.exec(ctx, `UPDATE analysis_records SET final_report=?, extracted_text=? WHERE id=?`,
			string(report), *extractedText, recID)
	}
	return storeErr("set report", err)
}

// AppendAnswer inserts one answer row. Duplicates are kept.
func (r *SessionRepository) AppendAnswer(ctx context.Context, id domain.SessionID, question, answer string) error {
	const q = `
INSERT INTO session_answers (session_id, question, answer, created_at)
VALUES (?,?,?,?)`
	_, err := r.exec(ctx, q, string(id), question, answer, r.dialect.timeArg(r.now()))
	return storeErr("append answer", err)
}

// ListAnswers in insertion order
func (r *SessionRepository) ListAnswers(ctx context.Context, id domain.SessionID) ([]domain.Answer, error) {
	const q = `
SELECT id, session_id, question, answer, created_at
FROM session_answers
WHERE session_id=?
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), string(id))
	if err != nil {
		return nil, storeErr("list answers", err)
	}
	defer rows.Close()

	out := []domain.Answer{}
	for rows.Next() {
		var (
			a       domain.Answer
			created dbTime
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Question, &a.Answer, &created); err != nil {
			return nil, storeErr("scan answer", err)
		}
		a.CreatedAt = created.Time
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list answers", err)
	}
	return out, nil
}

// GetReport returns the report of the latest record. A record without a
// report yields ErrNotReady.
func (r *SessionRepository) GetReport(ctx context.Context, id domain.SessionID) (*domain.Report, error) {
	rec, err := r.LatestAnalysisRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.HasReport() {
		return nil, domain.ErrNotReady
	}
	return &domain.Report{Report: rec.FinalReport, ExtractedText: rec.ExtractedText}, nil
}
