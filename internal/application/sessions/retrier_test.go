package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
	"github.com/bryanwahyu/health-intake/internal/metrics"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{50, time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func newRetrier(clock *clockwork.FakeClock, w *fakeWorker, o *memOutbox) *Retrier {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Retrier{
		Outbox:      o,
		Trigger:     &Trigger{Worker: w, Clock: clock, Log: log},
		Clock:       clock,
		Log:         log,
		MaxAttempts: 3,
	}
}

func TestRetrier_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	w := &fakeWorker{err: errors.New("still down")}
	o := &memOutbox{}
	r := newRetrier(clock, w, o)

	require.NoError(t, o.Enqueue(ctx, &domain.PendingTrigger{
		Job:           domain.Job{SessionID: "s1", Action: domain.ActionAnalyze},
		Attempts:      1,
		NextAttemptAt: clock.Now().Add(retryDelay(1)),
		CreatedAt:     clock.Now(),
	}))

	// not due yet
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.calls())

	clock.Advance(retryDelay(1))
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	entry := o.snapshot()[0]
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, "still down", entry.LastError)
	assert.Equal(t, clock.Now().Add(time.Minute), entry.NextAttemptAt)

	w.setErr(nil)
	clock.Advance(time.Minute)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entry = o.snapshot()[0]
	require.NotNil(t, entry.DeliveredAt)
	assert.Len(t, w.calls(), 2)

	// delivered entries are not sent again
	clock.Advance(time.Hour)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, w.calls(), 2)
}

func TestRetrier_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	w := &fakeWorker{err: errors.New("gone")}
	o := &memOutbox{}
	r := newRetrier(clock, w, o)

	require.NoError(t, o.Enqueue(ctx, &domain.PendingTrigger{
		Job:           domain.Job{SessionID: "s1", Action: domain.ActionReport},
		Attempts:      1,
		NextAttemptAt: clock.Now(),
	}))

	for i := 0; i < 5; i++ {
		_, err := r.RunOnce(ctx)
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	assert.Len(t, w.calls(), 2)
	assert.Equal(t, 3, o.snapshot()[0].Attempts)
	assert.Zero(t, testutil.ToFloat64(metrics.OutboxPending), "given-up entries leave the pending gauge")
}

func TestRetrier_RunStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := &fakeWorker{}
	o := &memOutbox{}
	r := newRetrier(clock, w, o)
	r.Interval = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, o.Enqueue(ctx, &domain.PendingTrigger{
		Job:           domain.Job{SessionID: "s2", Action: domain.ActionAnalyze},
		Attempts:      1,
		NextAttemptAt: clock.Now(),
	}))
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return len(w.calls()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
