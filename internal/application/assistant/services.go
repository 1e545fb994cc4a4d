package assistant

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bryanwahyu/health-intake/internal/domain/assistant"
	"github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

const (
	defaultTimeout = 60 * time.Second
	maxQuestionLen = 2000
)

// ReportSource is the slice of the session repository the assistant reads.
type ReportSource interface {
	GetReport(ctx context.Context, id sessions.SessionID) (*sessions.Report, error)
}

// Service answers free-form questions, optionally grounded on a session's report.
type Service struct {
	Answerer domain.Answerer // nil means disabled
	Reports  ReportSource
	Timeout  time.Duration
}

type AskResult struct {
	Answer    string `json:"answer"`
	Grounded  bool   `json:"grounded"`
	SessionID string `json:"session_id,omitempty"`
}

// Ask answers question. With a session id, the session's extracted text and
// final report (when ready) become the context.
func (s *Service) Ask(ctx context.Context, sessionID sessions.SessionID, question string) (AskResult, error) {
	if s.Answerer == nil {
		return AskResult{}, domain.ErrDisabled
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return AskResult{}, sessions.Invalid("question", "is required")
	}
	if len(question) > maxQuestionLen {
		return AskResult{}, sessions.Invalid("question", "is too long")
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	contextText, err := s.reportContext(ctx, sessionID)
	if err != nil {
		return AskResult{}, err
	}
	answer, err := s.Answerer.Answer(ctx, contextText, question)
	if err != nil {
		return AskResult{}, err
	}
	return AskResult{Answer: answer, Grounded: contextText != "", SessionID: string(sessionID)}, nil
}

func (s *Service) reportContext(ctx context.Context, id sessions.SessionID) (string, error) {
	if id == "" || s.Reports == nil {
		return "", nil
	}
	rep, err := s.Reports.GetReport(ctx, id)
	if errors.Is(err, sessions.ErrNotReady) {
		// belum ada report, jawab tanpa konteks
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if rep.ExtractedText != nil && strings.TrimSpace(*rep.ExtractedText) != "" {
		b.WriteString(strings.TrimSpace(*rep.ExtractedText))
		b.WriteString("\n\n")
	}
	b.Write(rep.Report)
	return b.String(), nil
}
