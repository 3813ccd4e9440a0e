package session

import "fmt"

// SubmissionError reports a start request that never became an observed job:
// the record was not in Draft, another session already holds it, or the
// platform declined the enqueue. The session returns to idle.
type SubmissionError struct {
	Docname string
	Message string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("import submission for %s declined: %s", e.Docname, e.Message)
}
