package session

import (
	"fmt"
	"time"

	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// Phase is the controller's position in the session lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseObserving
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSubmitting:
		return "submitting"
	case PhaseObserving:
		return "observing"
	case PhaseTerminal:
		return "terminal"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ImportJob is the in-memory picture of the observed job. Poll responses and
// pushed events overwrite it field by field, last write wins. Counters stay
// nil until the platform reports them and keep their value when a later
// update omits them.
type ImportJob struct {
	JobID             string
	Status            models.ImportStatus
	Progress          int
	Title             string
	SuccessfulRecords *int
	FailedRecords     *int
	TotalRecords      *int
	TimeTaken         *float64
	Error             string
}

// Snapshot is a copy of one session's state, safe to hold across updates.
type Snapshot struct {
	SessionID   string
	Docname     string
	Doctype     string
	Phase       Phase
	Job         ImportJob
	StaleEvents int
	Violations  int
	Polls       int
	StartedAt   time.Time
	Summary     string
}

// ExportAvailable reports whether the export-error-rows action applies: the
// session reached a terminal status and the platform reported failed rows.
func (s Snapshot) ExportAvailable() bool {
	return s.Phase == PhaseTerminal && s.Job.FailedRecords != nil && *s.Job.FailedRecords > 0
}

// Notifier receives the user-facing messages a session produces: retry
// notices, observation-cap notices and the one completion summary.
// Implementations must tolerate calls from the observer goroutine.
type Notifier interface {
	Notify(sessionID, message string)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(sessionID, message string)

func (f NotifierFunc) Notify(sessionID, message string) {
	f(sessionID, message)
}

// logNotifier routes session messages through the shared logger when no
// interactive surface is attached.
type logNotifier struct{}

func (logNotifier) Notify(sessionID, message string) {
	config.Log.WithField("session_id", sessionID).Info(message)
}
