package sessions

import (
	"context"
	"io"
	"time"
)

// Repository port (persistence for sessions, analysis records and answers)
type Repository interface {
	// CreateSession stores the session together with its first analysis
	// record. Either both rows exist afterwards or neither does.
	CreateSession(ctx context.Context, s *Session, first Status) (int64, error)
	GetSession(ctx context.Context, id SessionID) (*Session, error)

	CreateAnalysisRecord(ctx context.Context, id SessionID, status Status) (int64, error)
	LatestAnalysisRecord(ctx context.Context, id SessionID) (*AnalysisRecord, error)
	UpdateStatus(ctx context.Context, id SessionID, status Status) error

	// written by the external worker
	SetQuestions(ctx context.Context, id SessionID, questions []Question, status Status) error
	SetReport(ctx context.Context, id SessionID, report []byte, extractedText *string) error

	AppendAnswer(ctx context.Context, id SessionID, question, answer string) error
	ListAnswers(ctx context.Context, id SessionID) ([]Answer, error)
	GetReport(ctx context.Context, id SessionID) (*Report, error)
}

// BlobStore port (opaque storage of uploaded report files)
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Action tells the worker what to do with a session.
type Action string

const (
	ActionAnalyze Action = "analyze"
	ActionReport  Action = "report"
)

// Job is the payload sent to the external worker.
type Job struct {
	SessionID SessionID `json:"session_id"`
	UserID    *string   `json:"user_id,omitempty"`
	Action    Action    `json:"action"`
	Answers   []Answer  `json:"answers,omitempty"`
}

// Worker port (the out-of-process job runner)
type Worker interface {
	Invoke(ctx context.Context, job Job) error
}

// PendingTrigger is an outbox row for a worker invocation that failed.
type PendingTrigger struct {
	ID            int64
	Job           Job
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// Outbox port (durable retry queue of failed worker invocations)
type Outbox interface {
	Enqueue(ctx context.Context, p *PendingTrigger) error
	Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*PendingTrigger, error)
	MarkDelivered(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, next time.Time) error
}
