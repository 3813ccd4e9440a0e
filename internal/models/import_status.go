package models

import "strings"

// ImportStatus is the lifecycle status of an import job as reported by the
// platform. The wire values match the upload record's status select field.
type ImportStatus string

const (
	StatusDraft          ImportStatus = "Draft"
	StatusQueued         ImportStatus = "Queued"
	StatusInProgress     ImportStatus = "In Progress"
	StatusCompleted      ImportStatus = "Completed"
	StatusFailed         ImportStatus = "Failed"
	StatusPartialSuccess ImportStatus = "Partial Success"
)

// ParseImportStatus maps a wire string to an ImportStatus. The realtime
// emitter historically sent collapsed forms without spaces, so both
// spellings are accepted.
func ParseImportStatus(s string) (ImportStatus, bool) {
	switch strings.TrimSpace(s) {
	case "Draft":
		return StatusDraft, true
	case "Queued":
		return StatusQueued, true
	case "In Progress", "InProgress":
		return StatusInProgress, true
	case "Completed":
		return StatusCompleted, true
	case "Failed":
		return StatusFailed, true
	case "Partial Success", "PartialSuccess":
		return StatusPartialSuccess, true
	}
	return "", false
}

// Terminal reports whether no further progress updates are expected.
func (s ImportStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialSuccess:
		return true
	}
	return false
}

func (s ImportStatus) String() string {
	return string(s)
}
