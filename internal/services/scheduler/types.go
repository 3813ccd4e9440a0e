package scheduler

import "time"

// JobInfo describes one registered maintenance job.
type JobInfo struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron"`
	LastRunAt *time.Time `json:"last_run_at"`
	NextRunAt *time.Time `json:"next_run_at"`
}
