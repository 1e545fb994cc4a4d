package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	domain "github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

type memRepo struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.Session
	records  map[domain.SessionID][]*domain.AnalysisRecord
	answers  map[domain.SessionID][]domain.Answer
	nextID   int64

	failCreateSession error
	failCreateRecord  error
	failSetQuestions  error // one shot
	failListAnswers   error
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: map[domain.SessionID]*domain.Session{},
		records:  map[domain.SessionID][]*domain.AnalysisRecord{},
		answers:  map[domain.SessionID][]domain.Answer{},
	}
}

// CreateSession mirrors the transactional store: a failure at either insert
// leaves nothing behind.
func (m *memRepo) CreateSession(_ context.Context, s *domain.Session, first domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateSession != nil {
		return 0, m.failCreateSession
	}
	if m.failCreateRecord != nil {
		return 0, m.failCreateRecord
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.nextID++
	m.records[s.ID] = append(m.records[s.ID], &domain.AnalysisRecord{ID: m.nextID, SessionID: s.ID, Status: first})
	return m.nextID, nil
}

func (m *memRepo) GetSession(_ context.Context, id domain.SessionID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) CreateAnalysisRecord(_ context.Context, id domain.SessionID, status domain.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateRecord != nil {
		return 0, m.failCreateRecord
	}
	m.nextID++
	m.records[id] = append(m.records[id], &domain.AnalysisRecord{ID: m.nextID, SessionID: id, Status: status})
	return m.nextID, nil
}

func (m *memRepo) latest(id domain.SessionID) (*domain.AnalysisRecord, error) {
	rs := m.records[id]
	if len(rs) == 0 {
		return nil, domain.ErrNotFound
	}
	return rs[len(rs)-1], nil
}

func (m *memRepo) LatestAnalysisRecord(_ context.Context, id domain.SessionID) (*domain.AnalysisRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.latest(id)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) UpdateStatus(_ context.Context, id domain.SessionID, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.latest(id)
	if err != nil {
		return err
	}
	r.Status = status
	return nil
}

func (m *memRepo) SetQuestions(_ context.Context, id domain.SessionID, qs []domain.Question, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSetQuestions; err != nil {
		m.failSetQuestions = nil
		return err
	}
	r, err := m.latest(id)
	if err != nil {
		return err
	}
	if r.GeneratedQuestions != nil {
		return domain.ErrQuestionsFrozen
	}
	r.GeneratedQuestions = append([]domain.Question{}, qs...)
	r.Status = status
	return nil
}

func (m *memRepo) SetReport(_ context.Context, id domain.SessionID, report []byte, text *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.latest(id)
	if err != nil {
		return err
	}
	r.FinalReport = append([]byte{}, report...)
	r.ExtractedText = text
	return nil
}

func (m *memRepo) AppendAnswer(_ context.Context, id domain.SessionID, q, a string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.answers[id] = append(m.answers[id], domain.Answer{ID: m.nextID, SessionID: id, Question: q, Answer: a})
	return nil
}

func (m *memRepo) ListAnswers(_ context.Context, id domain.SessionID) ([]domain.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failListAnswers != nil {
		return nil, m.failListAnswers
	}
	return append([]domain.Answer{}, m.answers[id]...), nil
}

func (m *memRepo) GetReport(_ context.Context, id domain.SessionID) (*domain.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.latest(id)
	if err != nil {
		return nil, err
	}
	if !r.HasReport() {
		return nil, domain.ErrNotReady
	}
	return &domain.Report{Report: r.FinalReport, ExtractedText: r.ExtractedText}, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if b.failPut != nil {
		return b.failPut
	}
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

func (b *memBlobs) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type fakeWorker struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (w *fakeWorker) Invoke(_ context.Context, job domain.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, job)
	return w.err
}

func (w *fakeWorker) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *fakeWorker) calls() []domain.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Job{}, w.jobs...)
}

type memOutbox struct {
	mu      sync.Mutex
	entries []*domain.PendingTrigger
}

func (o *memOutbox) Enqueue(_ context.Context, p *domain.PendingTrigger) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.ID = int64(len(o.entries) + 1)
	cp := *p
	o.entries = append(o.entries, &cp)
	return nil
}

func (o *memOutbox) Due(_ context.Context, now time.Time, maxAttempts, limit int) ([]*domain.PendingTrigger, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*domain.PendingTrigger
	for _, p := range o.entries {
		if p.DeliveredAt == nil && p.Attempts < maxAttempts && !p.NextAttemptAt.After(now) {
			cp := *p
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *memOutbox) Pending(_ context.Context, maxAttempts int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, p := range o.entries {
		if p.DeliveredAt == nil && p.Attempts < maxAttempts {
			n++
		}
	}
	return n, nil
}

func (o *memOutbox) find(id int64) (*domain.PendingTrigger, error) {
	for _, p := range o.entries {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, errors.New("no such entry")
}

func (o *memOutbox) MarkDelivered(_ context.Context, id int64, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.find(id)
	if err != nil {
		return err
	}
	p.DeliveredAt = &at
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id int64, attempts int, lastErr string, next time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, err := o.find(id)
	if err != nil {
		return err
	}
	p.Attempts = attempts
	p.LastError = lastErr
	p.NextAttemptAt = next
	return nil
}

func (o *memOutbox) snapshot() []domain.PendingTrigger {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.PendingTrigger, 0, len(o.entries))
	for _, p := range o.entries {
		out = append(out, *p)
	}
	return out
}
