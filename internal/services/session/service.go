package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/events"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// Options bound one session's observation window.
type Options struct {
	PollInterval   time.Duration
	MaxPolls       int
	MaxObservation time.Duration
	RetryAttempts  int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 300
	}
	if o.MaxObservation <= 0 {
		o.MaxObservation = 10 * time.Minute
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	return o
}

// Service owns import sessions: submission, progress observation and the
// terminal report. One observer goroutine runs per active session; pushed
// events reach it through the dispatcher, polls it schedules itself.
type Service struct {
	client     *api.Client
	db         *gorm.DB
	dispatcher *events.Dispatcher
	notifier   Notifier
	opts       Options

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is the mutable state of one observed job. All fields below mu are
// guarded by it; the identity fields are set once before the observer starts.
type session struct {
	id      string
	docname string
	doctype string

	mu          sync.Mutex
	phase       Phase
	job         ImportJob
	staleEvents int
	violations  int
	polls       int
	startedAt   time.Time
	summary     string
	cancel      context.CancelFunc

	finish sync.Once
}

// NewService creates the session controller. db may be nil, in which case no
// journal is kept; a nil notifier falls back to the shared logger.
func NewService(client *api.Client, db *gorm.DB, dispatcher *events.Dispatcher, notifier Notifier, opts Options) *Service {
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}
	if notifier == nil {
		notifier = logNotifier{}
	}
	return &Service{
		client:     client,
		db:         db,
		dispatcher: dispatcher,
		notifier:   notifier,
		opts:       opts.withDefaults(),
		sessions:   make(map[string]*session),
	}
}

// Start submits the import job for a draft upload record and begins observing
// it. The returned session ID keys all later lookups. mapping may be nil when
// the record already carries a confirmed field mapping. The context bounds the
// whole observation; cancelling it abandons the session without touching the
// server-side job.
func (s *Service) Start(ctx context.Context, docname string, mapping map[string]string) (string, error) {
	record, err := s.client.GetUpload(docname)
	if err != nil {
		return "", err
	}
	if record.Status != models.StatusDraft {
		return "", &SubmissionError{
			Docname: docname,
			Message: fmt.Sprintf("record status is %q, only Draft uploads can be submitted", record.Status),
		}
	}

	sess := &session{
		id:      uuid.New().String(),
		docname: docname,
		doctype: record.DestinationDoctype,
		phase:   PhaseSubmitting,
		job:     ImportJob{Status: record.Status},
	}

	s.mu.Lock()
	for _, other := range s.sessions {
		if other.docname == docname && other.active() {
			s.mu.Unlock()
			return "", &SubmissionError{
				Docname: docname,
				Message: "another session is already observing this record",
			}
		}
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	result, err := s.client.StartImport(docname, mapping)
	if err != nil {
		s.drop(sess.id)
		return "", err
	}
	if !result.Accepted() {
		s.drop(sess.id)
		return "", &SubmissionError{Docname: docname, Message: result.Message}
	}

	jobID := result.JobID
	if jobID == "" {
		// Older servers key progress events by the record name instead of a
		// dedicated job ID.
		jobID = docname
	}

	observeCtx, cancel := context.WithCancel(ctx)

	sess.mu.Lock()
	sess.phase = PhaseObserving
	sess.job.JobID = jobID
	sess.job.Status = models.StatusQueued
	sess.startedAt = time.Now()
	sess.cancel = cancel
	sess.mu.Unlock()

	s.persist(sess)

	config.Log.WithFields(logrus.Fields{
		"session_id": sess.id,
		"docname":    docname,
		"job_id":     jobID,
	}).Info("Import job submitted, observing progress")

	go s.observe(observeCtx, sess)

	return sess.id, nil
}

// StopObserving abandons a session's observation. The server-side job keeps
// running; only the poll schedule and the event subscription are released.
func (s *Service) StopObserving(sessionID string) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	cancel := sess.cancel
	if sess.phase == PhaseObserving {
		sess.phase = PhaseIdle
	}
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.persist(sess)

	config.Log.WithField("session_id", sessionID).Info("Stopped observing, the job continues on the server")
}

// ExportErrorRows asks the platform to assemble the failed rows of a finished
// import into a downloadable file and returns its URL.
func (s *Service) ExportErrorRows(docname string) (string, error) {
	result, err := s.client.ExportErrorRows(docname)
	if err != nil {
		return "", err
	}
	if result.Status != "success" {
		return "", fmt.Errorf("export for %s declined: %s", docname, result.Message)
	}
	return result.FileURL, nil
}

// GetSession returns a copy of the session's current state.
func (s *Service) GetSession(sessionID string) (Snapshot, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// Sessions returns snapshots of every session this service still tracks.
func (s *Service) Sessions() []Snapshot {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(all))
	for _, sess := range all {
		snapshots = append(snapshots, sess.snapshot())
	}
	return snapshots
}

// History returns journal rows, newest first. An empty docname returns rows
// for every record; limit <= 0 returns all of them.
func (s *Service) History(docname string, limit int) ([]models.ImportSession, error) {
	if s.db == nil {
		return nil, fmt.Errorf("session journal requires a database")
	}

	query := s.db.Order("updated_at desc")
	if docname != "" {
		query = query.Where("docname = ?", docname)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.ImportSession
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return rows, nil
}

// persist writes the session's current state to the journal. Journal failures
// never interrupt observation.
func (s *Service) persist(sess *session) {
	if s.db == nil {
		return
	}

	sess.mu.Lock()
	row := models.ImportSession{
		ID:                sess.id,
		Docname:           sess.docname,
		Doctype:           sess.doctype,
		JobID:             sess.job.JobID,
		Status:            sess.job.Status.String(),
		Progress:          sess.job.Progress,
		Title:             sess.job.Title,
		SuccessfulRecords: sess.job.SuccessfulRecords,
		FailedRecords:     sess.job.FailedRecords,
		TotalRecords:      sess.job.TotalRecords,
		TimeTaken:         sess.job.TimeTaken,
		Error:             sess.job.Error,
		StaleEvents:       sess.staleEvents,
		Violations:        sess.violations,
	}
	sess.mu.Unlock()

	var existing models.ImportSession
	err := s.db.Where("id = ?", row.ID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		if err := s.db.Create(&row).Error; err != nil {
			config.Log.WithError(err).WithField("session_id", row.ID).Warn("Failed to create session journal row")
		}
		return
	}
	if err != nil {
		config.Log.WithError(err).WithField("session_id", row.ID).Warn("Failed to load session journal row")
		return
	}

	existing.JobID = row.JobID
	existing.Status = row.Status
	existing.Progress = row.Progress
	existing.Title = row.Title
	existing.SuccessfulRecords = row.SuccessfulRecords
	existing.FailedRecords = row.FailedRecords
	existing.TotalRecords = row.TotalRecords
	existing.TimeTaken = row.TimeTaken
	existing.Error = row.Error
	existing.StaleEvents = row.StaleEvents
	existing.Violations = row.Violations
	if err := s.db.Save(&existing).Error; err != nil {
		config.Log.WithError(err).WithField("session_id", row.ID).Warn("Failed to update session journal row")
	}
}

// drop removes a session that never reached observation.
func (s *Service) drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (sess *session) active() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.phase == PhaseSubmitting || sess.phase == PhaseObserving
}

func (sess *session) snapshot() Snapshot {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{
		SessionID:   sess.id,
		Docname:     sess.docname,
		Doctype:     sess.doctype,
		Phase:       sess.phase,
		Job:         sess.job,
		StaleEvents: sess.staleEvents,
		Violations:  sess.violations,
		Polls:       sess.polls,
		StartedAt:   sess.startedAt,
		Summary:     sess.summary,
	}
}
