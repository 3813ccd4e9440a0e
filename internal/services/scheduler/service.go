package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// Fixed maintenance job names.
const (
	jobRetentionPurge  = "retention-purge"
	jobProgressRefresh = "progress-refresh"
)

// terminalStatuses are the journal status values no further update can follow.
var terminalStatuses = []string{
	models.StatusCompleted.String(),
	models.StatusFailed.String(),
	models.StatusPartialSuccess.String(),
}

// Options carries the maintenance cadence and cutoffs.
type Options struct {
	PurgeCron   string        // when to purge old finished sessions
	RefreshCron string        // when to reconcile stale running sessions
	Retention   time.Duration // how long finished journal rows are kept
	StaleAfter  time.Duration // age at which a running row is reconciled
}

func (o Options) withDefaults() Options {
	if o.PurgeCron == "" {
		o.PurgeCron = "0 0 3 * * *"
	}
	if o.RefreshCron == "" {
		o.RefreshCron = "0 */10 * * * *"
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	return o
}

// Service runs cron-driven upkeep over the session journal: a retention purge
// for finished rows and a refresh sweep that reconciles rows whose observer is
// gone. A row an observer still updates never looks stale, so the sweep only
// touches sessions nobody is watching anymore.
type Service struct {
	db     *gorm.DB
	client *api.Client
	cron   *cron.Cron
	opts   Options
	jobs   map[string]jobEntry
}

type jobEntry struct {
	id   cron.EntryID
	spec string
}

// NewService creates the maintenance scheduler. The jobs are fixed; only
// their schedule comes from configuration.
func NewService(db *gorm.DB, client *api.Client, opts Options) *Service {
	// Create cron scheduler with seconds support
	c := cron.New(cron.WithSeconds())

	return &Service{
		db:     db,
		client: client,
		cron:   c,
		opts:   opts.withDefaults(),
		jobs:   make(map[string]jobEntry),
	}
}

// Start registers both maintenance jobs and starts the cron scheduler.
func (s *Service) Start() error {
	if s.db == nil {
		return fmt.Errorf("journal maintenance requires a database")
	}

	if err := s.schedule(jobRetentionPurge, s.opts.PurgeCron, s.runPurge); err != nil {
		return err
	}
	if err := s.schedule(jobProgressRefresh, s.opts.RefreshCron, s.runRefresh); err != nil {
		return err
	}

	s.cron.Start()
	config.Log.Infof("Maintenance scheduler started (purge %q, refresh %q)",
		s.jobs[jobRetentionPurge].spec, s.jobs[jobProgressRefresh].spec)
	return nil
}

// RunNow executes both maintenance jobs once, outside the schedule.
func (s *Service) RunNow() error {
	if s.db == nil {
		return fmt.Errorf("journal maintenance requires a database")
	}
	s.runPurge()
	s.runRefresh()
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running job to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
		config.Log.Info("Maintenance scheduler stopped")
	}
}

// Jobs reports the registered maintenance jobs with their run times.
func (s *Service) Jobs() []JobInfo {
	infos := make([]JobInfo, 0, len(s.jobs))
	for _, name := range []string{jobRetentionPurge, jobProgressRefresh} {
		entry, ok := s.jobs[name]
		if !ok {
			continue
		}

		ce := s.cron.Entry(entry.id)
		info := JobInfo{Name: name, Cron: entry.spec}
		if !ce.Prev.IsZero() {
			prev := ce.Prev
			info.LastRunAt = &prev
		}
		if !ce.Next.IsZero() {
			next := ce.Next
			info.NextRunAt = &next
		}
		infos = append(infos, info)
	}
	return infos
}

// schedule normalizes a cron spec and adds the job to the scheduler.
func (s *Service) schedule(name, spec string, fn func()) error {
	normalized, err := normalizeCron(spec)
	if err != nil {
		return fmt.Errorf("invalid cron for %s: %w", name, err)
	}

	entryID, err := s.cron.AddFunc(normalized, fn)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}

	s.jobs[name] = jobEntry{id: entryID, spec: normalized}
	return nil
}

// runPurge deletes finished journal rows older than the retention window.
func (s *Service) runPurge() {
	cutoff := time.Now().Add(-s.opts.Retention)

	result := s.db.Where("status IN ? AND updated_at < ?", terminalStatuses, cutoff).
		Delete(&models.ImportSession{})
	if result.Error != nil {
		config.Log.Warnf("Failed to purge old import sessions: %v", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		config.Log.Infof("Purged %d finished import sessions older than %s",
			result.RowsAffected, s.opts.Retention)
	}
}

// runRefresh reconciles running journal rows that stopped receiving updates.
// One progress call per row: a terminal report finalizes the row, a running
// report refreshes it, a failed call leaves it for the next sweep.
func (s *Service) runRefresh() {
	cutoff := time.Now().Add(-s.opts.StaleAfter)

	var rows []models.ImportSession
	err := s.db.Where("status NOT IN ? AND updated_at < ?", terminalStatuses, cutoff).
		Find(&rows).Error
	if err != nil {
		config.Log.Warnf("Failed to load stale import sessions: %v", err)
		return
	}

	for i := range rows {
		s.refreshRow(&rows[i])
	}
}

func (s *Service) refreshRow(row *models.ImportSession) {
	jobID := row.JobID
	if jobID == "" {
		// Older servers key progress by the record name instead of a job ID.
		jobID = row.Docname
	}

	update, err := s.client.GetProgress(jobID)
	if err != nil {
		config.Log.Warnf("Failed to refresh import session %s: %v", row.ID, err)
		return
	}
	if update.JobID != jobID {
		config.Log.WithFields(logrus.Fields{
			"session_id": row.ID,
			"observed":   jobID,
			"received":   update.JobID,
		}).Debug("Discarding progress update for another job")
		return
	}

	row.Status = update.Status.String()
	row.Progress = update.Progress
	row.Title = update.Title
	if update.SuccessfulRecords != nil {
		row.SuccessfulRecords = update.SuccessfulRecords
	}
	if update.FailedRecords != nil {
		row.FailedRecords = update.FailedRecords
	}
	if update.TotalRecords != nil {
		row.TotalRecords = update.TotalRecords
	}
	if update.TimeTaken != nil {
		row.TimeTaken = update.TimeTaken
	}
	if update.Error != "" {
		row.Error = update.Error
	}

	if err := s.db.Save(row).Error; err != nil {
		config.Log.Warnf("Failed to save refreshed session %s: %v", row.ID, err)
		return
	}

	if update.Status.Terminal() {
		config.Log.Infof("Finalized abandoned import session %s with status %s", row.ID, update.Status)
	}
}

// normalizeCron converts 5-field cron specs to 6-field format by prepending
// seconds.
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	fields := strings.Fields(cronExpr)

	if len(fields) == 6 {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return cronExpr, nil
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}
