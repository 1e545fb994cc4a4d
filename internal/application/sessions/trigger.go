package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/metrics"
)

const defaultWorkerTimeout = 30 * time.Second

// Trigger records that analysis was requested and hands the session to the
// external worker. A failed invocation is queued in the outbox instead of
// failing the caller.
type Trigger struct {
	Repo    domain.Repository
	Worker  domain.Worker
	Outbox  domain.Outbox // optional
	Clock   clockwork.Clock
	Log     *slog.Logger
	Timeout time.Duration // per worker invocation

	RepoTimeout time.Duration
}

// Trigger persists the session with its RECEIVED analysis record, then
// invokes the worker. A store failure is returned as is and leaves no rows
// behind. A worker failure comes back as *TriggerError after both rows exist.
func (t *Trigger) Trigger(ctx context.Context, sess *domain.Session) error {
	rtimeout := t.RepoTimeout
	if rtimeout <= 0 {
		rtimeout = defaultRepoTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, rtimeout)
	_, err := t.Repo.CreateSession(rctx, sess, domain.StatusReceived)
	cancel()
	if err != nil {
		return err
	}
	job := domain.Job{SessionID: sess.ID, UserID: sess.OwnerID, Action: domain.ActionAnalyze}
	return t.Dispatch(ctx, job, true)
}

// Dispatch invokes the worker. On failure the job goes to the outbox when
// enqueue is set and an outbox is configured.
func (t *Trigger) Dispatch(ctx context.Context, job domain.Job, enqueue bool) error {
	err := t.invoke(ctx, job)
	if err == nil {
		return nil
	}
	t.logger().Warn("worker invocation failed",
		"session_id", job.SessionID, "action", job.Action, "err", err)
	if enqueue && t.Outbox != nil {
		now := t.clock().Now()
		p := &domain.PendingTrigger{
			Job:           job,
			Attempts:      1,
			LastError:     err.Error(),
			NextAttemptAt: now.Add(retryDelay(1)),
			CreatedAt:     now,
		}
		if qerr := t.Outbox.Enqueue(ctx, p); qerr != nil {
			t.logger().Error("outbox enqueue failed", "session_id", job.SessionID, "err", qerr)
		} else {
			metrics.OutboxPending.Inc()
		}
	}
	return &domain.TriggerError{SessionID: job.SessionID, Err: err}
}

func (t *Trigger) invoke(ctx context.Context, job domain.Job) error {
	if t.Worker == nil {
		return errors.New("no worker configured")
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := t.clock().Now()
	err := t.Worker.Invoke(ctx, job)
	metrics.RecordWorkerInvocation(string(job.Action), t.clock().Since(start), err)
	return err
}

func (t *Trigger) clock() clockwork.Clock {
	if t.Clock == nil {
		return clockwork.NewRealClock()
	}
	return t.Clock
}

func (t *Trigger) logger() *slog.Logger {
	if t.Log == nil {
		return slog.Default()
	}
	return t.Log
}
