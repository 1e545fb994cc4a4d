package assistant

import "context"

// Answerer answers a free-form question given some context text. Stateless.
type Answerer interface {
	Answer(ctx context.Context, contextText, question string) (string, error)
}
