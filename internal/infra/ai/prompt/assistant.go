package prompt

import (
	"fmt"
	"strings"
)

// maxContextChars caps how much report text goes into one prompt.
const maxContextChars = 12000

// GetSystemPrompt sets the assistant's scope for questions about a health report.
func GetSystemPrompt() string {
	return `You are a careful health report assistant. You answer questions about the user's own lab or medical report.

Rules:
- Base your answer on the report context when it is provided. Say so plainly when the context does not cover the question.
- Explain terms and values in plain language. Keep answers short.
- Do not diagnose and do not prescribe. Suggest talking to a clinician for decisions about treatment.
- Answer in the language of the question.`
}

// GetUserPrompt wraps the question with the report context, trimmed to a fixed size.
func GetUserPrompt(contextText, question string) string {
	contextText = strings.TrimSpace(contextText)
	if contextText == "" {
		return fmt.Sprintf("No report context is available.\n\nQuestion: %s", question)
	}
	if len(contextText) > maxContextChars {
		contextText = contextText[:maxContextChars]
	}
	return fmt.Sprintf("Report context:\n%s\n\nQuestion: %s", contextText, question)
}
