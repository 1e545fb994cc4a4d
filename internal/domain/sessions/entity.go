package sessions

import (
	"encoding/json"
	"time"
)

// SessionID is the opaque identifier of one intake submission.
type SessionID string

// Status of an analysis record
type Status string

const (
	StatusReceived       Status = "RECEIVED"
	StatusQuestionsReady Status = "QUESTIONS_READY"
	StatusCompleted      Status = "COMPLETED"
)

// Known reports whether s is one of the three pipeline states. Anything else
// (e.g. a worker-written "FAILED") is carried through untouched.
func (s Status) Known() bool {
	switch s {
	case StatusReceived, StatusQuestionsReady, StatusCompleted:
		return true
	}
	return false
}

// Units enum
type Units string

const (
	UnitsMetric   Units = "metric"
	UnitsImperial Units = "imperial"
)

// Intake holds the demographic answers of a submission. Write-once.
type Intake struct {
	Name       string  `json:"name"`
	Age        int     `json:"age"`
	Gender     string  `json:"gender"`
	Height     float64 `json:"height"`
	Weight     float64 `json:"weight"`
	Units      Units   `json:"units"`
	Language   string  `json:"language"`
	Diet       string  `json:"diet,omitempty"`
	Occupation string  `json:"occupation,omitempty"`
	Sleep      string  `json:"sleep,omitempty"`
}

// Session aggregate root
type Session struct {
	ID        SessionID `json:"id"`
	Intake    Intake    `json:"intake"`
	FileKey   string    `json:"file_key"`
	OwnerID   *string   `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Question is one generated follow-up question.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AnalysisRecord is a status/questions/report row. A session may have several;
// the newest one wins.
type AnalysisRecord struct {
	ID                 int64           `json:"id"`
	SessionID          SessionID       `json:"session_id"`
	Status             Status          `json:"status"`
	GeneratedQuestions []Question      `json:"generated_questions"`
	FinalReport        json.RawMessage `json:"final_report,omitempty"`
	ExtractedText      *string         `json:"extracted_text,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// HasReport reports whether the worker has produced a final report.
func (r *AnalysisRecord) HasReport() bool {
	if r == nil || len(r.FinalReport) == 0 {
		return false
	}
	s := string(r.FinalReport)
	return s != "null" && s != "{}" && s != `""`
}

// Answer is one user answer row.
type Answer struct {
	ID        int64     `json:"id"`
	SessionID SessionID `json:"session_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// Report is the worker output exposed to readers.
type Report struct {
	Report        json.RawMessage `json:"report"`
	ExtractedText *string         `json:"extractedText"`
}
