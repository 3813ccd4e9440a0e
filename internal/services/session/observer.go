package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// observe drives one session from submission acknowledgement to its terminal
// report. It owns the poll schedule; pushed updates share the same apply path
// through the dispatcher subscription. Either channel may deliver the
// terminal update first.
func (s *Service) observe(ctx context.Context, sess *session) {
	sess.mu.Lock()
	jobID := sess.job.JobID
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		// Release the observation context when the loop exits on its own.
		defer cancel()
	}

	eventCh, unsubscribe := s.dispatcher.Subscribe(jobID)
	defer unsubscribe()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(s.opts.MaxObservation)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-eventCh:
			if !ok {
				// Dispatcher went away; polling still covers the session.
				eventCh = nil
				continue
			}
			if s.apply(sess, &update) {
				s.finalize(sess)
				return
			}
			s.persist(sess)

		case <-ticker.C:
			sess.mu.Lock()
			sess.polls++
			polls := sess.polls
			sess.mu.Unlock()

			update, err := s.pollOnce(sess)
			if err != nil {
				// Transport trouble does not abandon the session; the next
				// tick tries again.
				config.Log.WithError(err).WithField("session_id", sess.id).Warn("Progress poll failed")
			} else {
				if s.apply(sess, update) {
					s.finalize(sess)
					return
				}
				s.persist(sess)
			}

			if polls >= s.opts.MaxPolls {
				s.abandon(sess, fmt.Sprintf(
					"Stopped watching after %d progress checks, the import continues on the server", polls))
				return
			}

		case <-deadline.C:
			s.abandon(sess, fmt.Sprintf(
				"Stopped watching after %s, the import continues on the server", s.opts.MaxObservation))
			return
		}
	}
}

// pollOnce queries the platform for the session's current progress, retrying
// transient failures with backoff before giving up on this cycle.
func (s *Service) pollOnce(sess *session) (*api.ProgressUpdate, error) {
	sess.mu.Lock()
	jobID := sess.job.JobID
	sess.mu.Unlock()

	var update *api.ProgressUpdate
	err := retryWithBackoff(sess.id, func() error {
		u, err := s.client.GetProgress(jobID)
		if err != nil {
			return err
		}
		update = u
		return nil
	}, s.opts.RetryAttempts, s.notifier.Notify)
	if err != nil {
		return nil, err
	}
	return update, nil
}

// apply folds one progress update into the session snapshot and reports
// whether it carried a terminal status. Updates for other jobs are dropped
// and counted; a shrinking percentage is logged as a protocol violation but
// still applied, the newest value always wins.
func (s *Service) apply(sess *session, update *api.ProgressUpdate) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.phase != PhaseObserving {
		return false
	}

	if update.JobID != sess.job.JobID {
		sess.staleEvents++
		config.Log.WithFields(logrus.Fields{
			"session_id": sess.id,
			"observed":   sess.job.JobID,
			"received":   update.JobID,
		}).Debug("Discarding progress update for another job")
		return false
	}

	if update.Progress < sess.job.Progress {
		sess.violations++
		config.Log.WithFields(logrus.Fields{
			"session_id": sess.id,
			"job_id":     sess.job.JobID,
		}).Warnf("Progress regressed from %d%% to %d%%", sess.job.Progress, update.Progress)
	}

	sess.job.Status = update.Status
	sess.job.Progress = update.Progress
	sess.job.Title = update.Title
	if update.SuccessfulRecords != nil {
		sess.job.SuccessfulRecords = update.SuccessfulRecords
	}
	if update.FailedRecords != nil {
		sess.job.FailedRecords = update.FailedRecords
	}
	if update.TotalRecords != nil {
		sess.job.TotalRecords = update.TotalRecords
	}
	if update.TimeTaken != nil {
		sess.job.TimeTaken = update.TimeTaken
	}
	if update.Error != "" {
		sess.job.Error = update.Error
	}

	if update.Status.Terminal() {
		sess.phase = PhaseTerminal
		return true
	}
	return false
}

// finalize runs the terminal side effects exactly once: compose and emit the
// summary, write the final journal row, then refresh the upload record. A
// record that came back as Draft means the user already reset it, so the
// session returns straight to idle.
func (s *Service) finalize(sess *session) {
	sess.finish.Do(func() {
		sess.mu.Lock()
		summary := composeSummary(sess.job, time.Since(sess.startedAt))
		sess.summary = summary
		sess.mu.Unlock()

		s.notifier.Notify(sess.id, summary)
		s.persist(sess)

		record, err := s.client.GetUpload(sess.docname)
		if err != nil {
			config.Log.WithError(err).WithField("docname", sess.docname).Warn("Failed to refresh upload record after terminal status")
			return
		}
		if record.Status == models.StatusDraft {
			sess.mu.Lock()
			sess.phase = PhaseIdle
			sess.mu.Unlock()
		}
	})
}

// abandon stops observing without a terminal status: the poll cap or the
// observation deadline was reached. The server-side job is untouched.
func (s *Service) abandon(sess *session, notice string) {
	sess.mu.Lock()
	if sess.phase == PhaseObserving {
		sess.phase = PhaseIdle
	}
	sess.mu.Unlock()

	s.persist(sess)
	s.notifier.Notify(sess.id, notice)
}

// composeSummary renders the one user-facing completion message. The server's
// own time_taken is preferred over the locally measured span.
func composeSummary(job ImportJob, local time.Duration) string {
	elapsed := elapsedText(job.TimeTaken, local)

	switch job.Status {
	case models.StatusCompleted:
		if job.SuccessfulRecords == nil {
			return fmt.Sprintf("Import complete (%s)", elapsed)
		}
		if failed := intValue(job.FailedRecords); failed > 0 {
			return fmt.Sprintf("Import complete: %d records imported, %d failed (%s)",
				*job.SuccessfulRecords, failed, elapsed)
		}
		return fmt.Sprintf("Import complete: %d records imported (%s)", *job.SuccessfulRecords, elapsed)

	case models.StatusPartialSuccess:
		return fmt.Sprintf("Import partially succeeded: %d records imported, %d failed (%s)",
			intValue(job.SuccessfulRecords), intValue(job.FailedRecords), elapsed)

	case models.StatusFailed:
		if job.Error != "" {
			return fmt.Sprintf("Import failed: %s", job.Error)
		}
		return "Import failed, the server reported no further detail"
	}

	return fmt.Sprintf("Import finished with status %s (%s)", job.Status, elapsed)
}

func elapsedText(timeTaken *float64, local time.Duration) string {
	if timeTaken != nil {
		return fmt.Sprintf("took %.1fs", *timeTaken)
	}
	return fmt.Sprintf("took %s", local.Round(time.Second))
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
