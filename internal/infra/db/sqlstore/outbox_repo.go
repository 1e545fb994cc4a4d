package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

type OutboxRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewOutboxRepository(db *sql.DB, d Dialect) *OutboxRepository {
	return &OutboxRepository{db: db, dialect: d}
}

// Enqueue stores a failed worker invocation for later delivery.
func (r *OutboxRepository) Enqueue(ctx context.Context, p *domain.PendingTrigger) error {
	const q = `
INSERT INTO trigger_outbox
(session_id, action, payload, attempts, last_error, next_attempt_at, created_at)
VALUES (?,?,?,?,?,?,?)`
	payload, err := json.Marshal(p.Job)
	if err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	next := p.NextAttemptAt
	if next.IsZero() {
		next = created
	}
	args := []any{
		string(p.Job.SessionID), string(p.Job.Action), string(payload), p.Attempts, p.LastError,
		r.dialect.timeArg(next), r.dialect.timeArg(created),
	}

	if r.dialect.Returning {
		err = r.db.QueryRowContext(ctx, r.dialect.rebind(q+" RETURNING id"), args...).Scan(&p.ID)
		return storeErr("enqueue trigger", err)
	}
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(q), args...)
	if err != nil {
		return storeErr("enqueue trigger", err)
	}
	p.ID, err = res.LastInsertId()
	return storeErr("enqueue trigger", err)
}

// Due lists undelivered rows whose next attempt is not after now.
func (r *OutboxRepository) Due(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*domain.PendingTrigger, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, payload, attempts, last_error, next_attempt_at, created_at, delivered_at
FROM trigger_outbox
WHERE delivered_at IS NULL AND attempts < ? AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC, id ASC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(q), maxAttempts, r.dialect.timeArg(now), limit)
	if err != nil {
		return nil, storeErr("due triggers", err)
	}
	defer rows.Close()

	var out []*domain.PendingTrigger
	for rows.Next() {
		var (
			p                        domain.PendingTrigger
			payload                  string
			next, created, delivered dbTime
		)
		if err := rows.Scan(&p.ID, &payload, &p.Attempts, &p.LastError, &next, &created, &delivered); err != nil {
			return nil, storeErr("scan trigger", err)
		}
		if err := json.Unmarshal([]byte(payload), &p.Job); err != nil {
			return nil, &domain.StoreError{Op: "decode trigger payload", Err: err}
		}
		p.NextAttemptAt = next.Time
		p.CreatedAt = created.Time
		p.DeliveredAt = delivered.ptr()
		out = append(out, &p)
	}
	return out, storeErr("due triggers", rows.Err())
}

func (r *OutboxRepository) MarkDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.dialect.rebind(`UPDATE trigger_outbox SET delivered_at=? WHERE id=?`),
		r.dialect.timeArg(at), id)
	return storeErr("mark delivered", err)
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, next time.Time) error {
	_, err := r.db.ExecContext(ctx,
		r.dialect.rebind(`UPDATE trigger_outbox SET attempts=?, last_error=?, next_attempt_at=? WHERE id=?`),
		attempts, lastErr, r.dialect.timeArg(next), id)
	return storeErr("mark failed", err)
}

// Pending counts undelivered rows that are still below maxAttempts. Rows
// that gave up are left out.
func (r *OutboxRepository) Pending(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		r.dialect.rebind(`SELECT COUNT(*) FROM trigger_outbox WHERE delivered_at IS NULL AND attempts < ?`),
		maxAttempts).Scan(&n)
	return n, storeErr("pending triggers", err)
}
