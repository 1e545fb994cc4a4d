package sessions

// Reconcile returns the effective status of a session. A stored
// QUESTIONS_READY is lifted to COMPLETED once every generated question has an
// answer, because the user can finish before the worker writes its own
// transition. It never touches stored state.
func Reconcile(stored Status, questions []Question, answers []Answer) Status {
	if stored == StatusQuestionsReady && len(questions) > 0 && len(answers) >= len(questions) {
		return StatusCompleted
	}
	return stored
}

// DedupeAnswers keeps one answer per question: the most recently inserted
// text, placed at the position where the question was first answered.
// Input must be in insertion order.
func DedupeAnswers(answers []Answer) []Answer {
	if len(answers) == 0 {
		return []Answer{}
	}
	pos := make(map[string]int, len(answers))
	out := make([]Answer, 0, len(answers))
	for _, a := range answers {
		if i, ok := pos[a.Question]; ok {
			out[i] = a
			continue
		}
		pos[a.Question] = len(out)
		out = append(out, a)
	}
	return out
}
