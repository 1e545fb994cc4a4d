package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/metrics"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour

	defaultRetryInterval = 15 * time.Second
	defaultMaxAttempts   = 8
	defaultBatchSize     = 20
)

// retryDelay returns the delay before the next attempt after n failed ones:
// 30s, 1m, 2m, ... capped at one hour, without jitter.
func retryDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < n && d < maxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}

// pendingCounter is implemented by outbox stores that can report their backlog.
type pendingCounter interface {
	Pending(ctx context.Context, maxAttempts int) (int, error)
}

// Retrier redelivers failed worker invocations from the outbox.
type Retrier struct {
	Outbox      domain.Outbox
	Trigger     *Trigger
	Clock       clockwork.Clock
	Log         *slog.Logger
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

// RunOnce delivers every due entry and returns how many succeeded.
func (r *Retrier) RunOnce(ctx context.Context) (int, error) {
	now := r.clock().Now()
	due, err := r.Outbox.Due(ctx, now, r.maxAttempts(), r.batchSize())
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, p := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ierr := r.Trigger.invoke(ctx, p.Job)
		metrics.RecordOutboxDelivery(ierr)
		if ierr == nil {
			if err := r.Outbox.MarkDelivered(ctx, p.ID, r.clock().Now()); err != nil {
				return delivered, err
			}
			delivered++
			r.logger().Info("outbox delivered",
				"id", p.ID, "session_id", p.Job.SessionID, "attempts", p.Attempts+1)
			continue
		}

		attempts := p.Attempts + 1
		next := r.clock().Now().Add(retryDelay(attempts))
		if err := r.Outbox.MarkFailed(ctx, p.ID, attempts, ierr.Error(), next); err != nil {
			return delivered, err
		}
		if attempts >= r.maxAttempts() {
			r.logger().Error("outbox entry gave up",
				"id", p.ID, "session_id", p.Job.SessionID, "attempts", attempts, "err", ierr)
		} else {
			r.logger().Warn("outbox redelivery failed",
				"id", p.ID, "session_id", p.Job.SessionID, "attempts", attempts, "next", next, "err", ierr)
		}
	}
	r.refreshGauge(ctx)
	return delivered, nil
}

// Run polls the outbox until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	r.refreshGauge(ctx)
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	ticker := r.clock().NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger().Error("outbox pass failed", "err", err)
			}
		}
	}
}

func (r *Retrier) refreshGauge(ctx context.Context) {
	pc, ok := r.Outbox.(pendingCounter)
	if !ok {
		return
	}
	n, err := pc.Pending(ctx, r.maxAttempts())
	if err != nil {
		return
	}
	metrics.OutboxPending.Set(float64(n))
}

func (r *Retrier) maxAttempts() int {
	if r.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return r.MaxAttempts
}

func (r *Retrier) batchSize() int {
	if r.BatchSize <= 0 {
		return defaultBatchSize
	}
	return r.BatchSize
}

func (r *Retrier) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

func (r *Retrier) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
