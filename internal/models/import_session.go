package models

import (
	"time"
)

// ImportSession is the local journal row for one observed import job.
// Counters are pointers so they stay NULL until the platform reports them.
type ImportSession struct {
	ID                string    `gorm:"primaryKey" json:"id"` // UUID session ID
	Docname           string    `gorm:"not null;index" json:"docname"`
	Doctype           string    `gorm:"column:destination_doctype" json:"destination_doctype"`
	JobID             string    `gorm:"index" json:"job_id"`
	Status            string    `gorm:"not null;default:Queued" json:"status"`
	Progress          int       `gorm:"not null;default:0" json:"progress"` // 0-100
	Title             string    `json:"title"`
	SuccessfulRecords *int      `json:"successful_records"`
	FailedRecords     *int      `json:"failed_records"`
	TotalRecords      *int      `json:"total_records"`
	TimeTaken         *float64  `json:"time_taken"` // seconds, terminal only
	Error             string    `gorm:"type:text" json:"error"`
	StaleEvents       int       `gorm:"not null;default:0" json:"stale_events"`
	Violations        int       `gorm:"not null;default:0" json:"violations"` // progress regressions
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (ImportSession) TableName() string {
	return "import_sessions"
}
