package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrAborted reports that the user declined to continue a reconciliation
// round. No job is submitted and nothing is saved.
var ErrAborted = errors.New("field mapping aborted")

// IncompleteError rejects a mapping that leaves required destination fields
// without a source column. Missing lists their fieldnames in schema order.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("required fields unmapped: %s", strings.Join(e.Missing, ", "))
}

// ConflictError rejects a mapping in which a destination field is claimed by
// more than one source column. Duplicates keys the contested fieldname to
// every column claiming it.
type ConflictError struct {
	Duplicates map[string][]string
}

func (e *ConflictError) Error() string {
	targets := make([]string, 0, len(e.Duplicates))
	for target := range e.Duplicates {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	parts := make([]string, 0, len(targets))
	for _, target := range targets {
		parts = append(parts, fmt.Sprintf("%s claimed by [%s]", target, strings.Join(e.Duplicates[target], ", ")))
	}
	return fmt.Sprintf("duplicate mapping targets: %s", strings.Join(parts, "; "))
}
