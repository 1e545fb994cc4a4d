package assistant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/health-intake/internal/domain/assistant"
	"github.com/bryanwahyu/health-intake/internal/domain/sessions"
)

type recordingAnswerer struct {
	contextText string
	question    string
	err         error
}

func (r *recordingAnswerer) Answer(_ context.Context, contextText, question string) (string, error) {
	r.contextText = contextText
	r.question = question
	if r.err != nil {
		return "", r.err
	}
	return "answer", nil
}

type reportMap map[sessions.SessionID]*sessions.Report

func (m reportMap) GetReport(_ context.Context, id sessions.SessionID) (*sessions.Report, error) {
	rep, ok := m[id]
	if !ok {
		return nil, sessions.ErrNotFound
	}
	if rep == nil {
		return nil, sessions.ErrNotReady
	}
	return rep, nil
}

func TestAsk_Disabled(t *testing.T) {
	s := &Service{}
	_, err := s.Ask(context.Background(), "", "hello")
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestAsk_WithoutSession(t *testing.T) {
	a := &recordingAnswerer{}
	s := &Service{Answerer: a}

	res, err := s.Ask(context.Background(), "", "  what is HbA1c?  ")
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Answer)
	assert.False(t, res.Grounded)
	assert.Equal(t, "what is HbA1c?", a.question)
	assert.Empty(t, a.contextText)
}

func TestAsk_GroundedOnReport(t *testing.T) {
	text := "HbA1c 5.4%"
	a := &recordingAnswerer{}
	s := &Service{Answerer: a, Reports: reportMap{
		"ready":   {Report: json.RawMessage(`{"summary":"normal"}`), ExtractedText: &text},
		"pending": nil,
	}}

	res, err := s.Ask(context.Background(), "ready", "is this fine?")
	require.NoError(t, err)
	assert.True(t, res.Grounded)
	assert.Contains(t, a.contextText, "HbA1c 5.4%")
	assert.Contains(t, a.contextText, `{"summary":"normal"}`)

	res, err = s.Ask(context.Background(), "pending", "is this fine?")
	require.NoError(t, err)
	assert.False(t, res.Grounded)

	_, err = s.Ask(context.Background(), "missing", "is this fine?")
	assert.ErrorIs(t, err, sessions.ErrNotFound)
}

func TestAsk_Validation(t *testing.T) {
	s := &Service{Answerer: &recordingAnswerer{}}
	_, err := s.Ask(context.Background(), "", " ")
	assert.True(t, sessions.IsValidation(err))
}

func TestAsk_QuotaPassesThrough(t *testing.T) {
	s := &Service{Answerer: &recordingAnswerer{err: domain.ErrQuotaExceeded}}
	_, err := s.Ask(context.Background(), "", "hi")
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}
