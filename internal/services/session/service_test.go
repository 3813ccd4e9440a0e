package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/events"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// envelope wraps a payload the way the platform does.
func envelope(t *testing.T, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"message": payload})
	require.NoError(t, err)
	return data
}

// methodServer routes requests to handlers by whitelisted method suffix.
func methodServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for suffix, handler := range handlers {
			if strings.HasSuffix(r.URL.Path, suffix) {
				handler(w, r)
				return
			}
		}
		t.Errorf("Unexpected call to %s", r.URL.Path)
		http.NotFound(w, r)
	}))
}

// uploadHandler serves the record fetch: the submission gate sees the first
// status, the post-terminal refresh sees the second.
func uploadHandler(t *testing.T, first, rest string) http.HandlerFunc {
	var calls int32
	return func(w http.ResponseWriter, r *http.Request) {
		status := rest
		if atomic.AddInt32(&calls, 1) == 1 {
			status = first
		}
		w.Write(envelope(t, map[string]interface{}{
			"values": map[string]interface{}{
				"name":              "UP-0001",
				"status":            status,
				"reference_doctype": "Contact",
				"csv_file":          "/files/contacts.csv",
			},
		}))
	}
}

func startHandler(t *testing.T, jobID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "success", "message": "Import queued"}
		if jobID != "" {
			resp["job_id"] = jobID
		}
		w.Write(envelope(t, resp))
	}
}

func progressPayload(jobID, status string, pct int) map[string]interface{} {
	return map[string]interface{}{
		"job_id":   jobID,
		"status":   status,
		"progress": pct,
		"title":    fmt.Sprintf("Importing (%d%%)", pct),
	}
}

func terminalPayload(jobID, status string, successful, failed, total int, timeTaken float64) map[string]interface{} {
	payload := progressPayload(jobID, status, 100)
	payload["successful_records"] = successful
	payload["failed_records"] = failed
	payload["total_records"] = total
	payload["time_taken"] = timeTaken
	return payload
}

// progressScript serves payloads in order, repeating the last one.
func progressScript(t *testing.T, calls *int32, payloads ...map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(calls, 1))
		payload := payloads[len(payloads)-1]
		if n <= len(payloads) {
			payload = payloads[n-1]
		}
		w.Write(envelope(t, payload))
	}
}

// recordingNotifier collects everything a session tells the user.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(sessionID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func (n *recordingNotifier) containing(substr string) int {
	count := 0
	for _, msg := range n.all() {
		if strings.Contains(msg, substr) {
			count++
		}
	}
	return count
}

func newTestService(t *testing.T, handlers map[string]http.HandlerFunc, opts Options) (*Service, *events.Dispatcher, *recordingNotifier) {
	t.Helper()
	server := methodServer(t, handlers)
	t.Cleanup(server.Close)

	dispatcher := events.NewDispatcher()
	notifier := &recordingNotifier{}
	svc := NewService(api.NewClient(server.URL, "key", "secret"), nil, dispatcher, notifier, opts)
	return svc, dispatcher, notifier
}

func snapshotOf(t *testing.T, svc *Service, sessionID string) Snapshot {
	t.Helper()
	snap, ok := svc.GetSession(sessionID)
	require.True(t, ok, "session %s should exist", sessionID)
	return snap
}

// TestStartImportSession tests submission and the session lifecycle
func TestStartImportSession(t *testing.T) {
	t.Run("Should observe a submitted job through to completion", func(t *testing.T) {
		var progressCalls int32
		svc, _, notifier := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Draft", "Completed"),
			".start_import":       startHandler(t, "job-123"),
			".get_progress": progressScript(t, &progressCalls,
				progressPayload("job-123", "In Progress", 40),
				terminalPayload("job-123", "Completed", 90, 10, 100, 12.5),
			),
		}, Options{PollInterval: 10 * time.Millisecond, MaxPolls: 100, MaxObservation: 5 * time.Second, RetryAttempts: 1})

		id, err := svc.Start(context.Background(), "UP-0001", map[string]string{"Email": "email"})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			snap, ok := svc.GetSession(id)
			return ok && snap.Summary != ""
		}, 3*time.Second, 10*time.Millisecond, "session should reach a terminal summary")

		snap := snapshotOf(t, svc, id)
		assert.Equal(t, PhaseTerminal, snap.Phase)
		assert.Equal(t, models.StatusCompleted, snap.Job.Status)
		assert.Equal(t, 100, snap.Job.Progress)
		require.NotNil(t, snap.Job.SuccessfulRecords)
		assert.Equal(t, 90, *snap.Job.SuccessfulRecords)
		require.NotNil(t, snap.Job.FailedRecords)
		assert.Equal(t, 10, *snap.Job.FailedRecords)
		assert.True(t, snap.ExportAvailable(), "failed rows should make export available")
		assert.Contains(t, snap.Summary, "90 records imported")
		assert.Contains(t, snap.Summary, "10 failed")
		assert.Contains(t, snap.Summary, "took 12.5s")

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, notifier.containing("Import complete"), "exactly one summary")
	})

	t.Run("Should refuse to submit a record that is not draft", func(t *testing.T) {
		svc, _, _ := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Queued", "Queued"),
		}, Options{})

		_, err := svc.Start(context.Background(), "UP-0001", nil)

		var serr *SubmissionError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Message, "only Draft")
		assert.Empty(t, svc.Sessions())
	})

	t.Run("Should return to idle when the platform declines the start", func(t *testing.T) {
		svc, _, _ := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Draft", "Draft"),
			".start_import": func(w http.ResponseWriter, r *http.Request) {
				w.Write(envelope(t, map[string]string{"status": "error", "message": "No CSV file attached"}))
			},
		}, Options{})

		_, err := svc.Start(context.Background(), "UP-0001", nil)

		var serr *SubmissionError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Message, "No CSV file attached")
		assert.Empty(t, svc.Sessions(), "a declined submission leaves nothing behind")
	})

	t.Run("Should observe pushed events keyed by the record name when no job id is returned", func(t *testing.T) {
		svc, dispatcher, notifier := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Draft", "Completed"),
			".start_import":       startHandler(t, ""),
		}, Options{PollInterval: time.Hour})

		id, err := svc.Start(context.Background(), "UP-0001", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return dispatcher.SubscriberCount("UP-0001") == 1
		}, time.Second, 5*time.Millisecond, "observer should subscribe under the record name")

		dispatcher.Publish(api.ProgressUpdate{
			JobID:    "UP-0001",
			Status:   models.StatusInProgress,
			Progress: 55,
			Title:    "Importing (55%)",
		})
		require.Eventually(t, func() bool {
			snap, ok := svc.GetSession(id)
			return ok && snap.Job.Progress == 55
		}, time.Second, 5*time.Millisecond)

		successful, failed, total := 100, 0, 100
		taken := 9.0
		dispatcher.Publish(api.ProgressUpdate{
			JobID:             "UP-0001",
			Status:            models.StatusCompleted,
			Progress:          100,
			SuccessfulRecords: &successful,
			FailedRecords:     &failed,
			TotalRecords:      &total,
			TimeTaken:         &taken,
		})
		require.Eventually(t, func() bool {
			snap, ok := svc.GetSession(id)
			return ok && snap.Summary != ""
		}, time.Second, 5*time.Millisecond)

		snap := snapshotOf(t, svc, id)
		assert.Equal(t, PhaseTerminal, snap.Phase)
		assert.False(t, snap.ExportAvailable(), "no failed rows, nothing to export")
		assert.Contains(t, snap.Summary, "100 records imported")
		assert.Contains(t, snap.Summary, "took 9.0s")
		assert.Equal(t, 1, notifier.containing("Import complete"))
	})

	t.Run("Should return to idle when the refreshed record is draft again", func(t *testing.T) {
		svc, dispatcher, notifier := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Draft", "Draft"),
			".start_import":       startHandler(t, "job-55"),
		}, Options{PollInterval: time.Hour})

		id, err := svc.Start(context.Background(), "UP-0001", nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return dispatcher.SubscriberCount("job-55") == 1
		}, time.Second, 5*time.Millisecond)

		successful := 10
		dispatcher.Publish(api.ProgressUpdate{
			JobID:             "job-55",
			Status:            models.StatusCompleted,
			Progress:          100,
			SuccessfulRecords: &successful,
		})

		require.Eventually(t, func() bool {
			snap, ok := svc.GetSession(id)
			return ok && snap.Phase == PhaseIdle
		}, time.Second, 5*time.Millisecond, "a reset record sends the session back to idle")

		assert.NotEmpty(t, snapshotOf(t, svc, id).Summary, "the summary still fires before the refresh")
		assert.Equal(t, 1, notifier.containing("Import complete"))
	})

	t.Run("Should reject a second session for the same record", func(t *testing.T) {
		svc, _, _ := newTestService(t, map[string]http.HandlerFunc{
			".get_doctype_fields": uploadHandler(t, "Draft", "Draft"),
			".start_import":       startHandler(t, "job-77"),
		}, Options{PollInterval: time.Hour})

		first, err := svc.Start(context.Background(), "UP-0001", nil)
		require.NoError(t, err)

		_, err = svc.Start(context.Background(), "UP-0001", nil)
		var serr *SubmissionError
		require.ErrorAs(t, err, &serr)
		assert.Contains(t, serr.Message, "already observing")

		// Releasing the first session frees the record for a new one.
		svc.StopObserving(first)
		assert.Equal(t, PhaseIdle, snapshotOf(t, svc, first).Phase)

		second, err := svc.Start(context.Background(), "UP-0001", nil)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
		svc.StopObserving(second)

		assert.Len(t, svc.Sessions(), 2)
	})
}

// TestExportErrorRows tests the failed-row export passthrough
func TestExportErrorRows(t *testing.T) {
	t.Run("Should return the export file URL", func(t *testing.T) {
		svc, _, _ := newTestService(t, map[string]http.HandlerFunc{
			".export_error_rows": func(w http.ResponseWriter, r *http.Request) {
				w.Write(envelope(t, map[string]string{
					"status":   "success",
					"file_url": "/private/files/errors-UP-0001.csv",
				}))
			},
		}, Options{})

		url, err := svc.ExportErrorRows("UP-0001")

		require.NoError(t, err)
		assert.Equal(t, "/private/files/errors-UP-0001.csv", url)
	})

	t.Run("Should surface a declined export", func(t *testing.T) {
		svc, _, _ := newTestService(t, map[string]http.HandlerFunc{
			".export_error_rows": func(w http.ResponseWriter, r *http.Request) {
				w.Write(envelope(t, map[string]string{"status": "error", "message": "No failed rows to export"}))
			},
		}, Options{})

		_, err := svc.ExportErrorRows("UP-0001")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "No failed rows to export")
	})
}
