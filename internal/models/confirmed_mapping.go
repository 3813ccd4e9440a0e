package models

import (
	"time"
)

// ConfirmedMapping caches the last user-confirmed field mapping per upload
// record. It seeds the next reconciliation for the same record so confirmed
// choices survive across sessions.
type ConfirmedMapping struct {
	ID        string    `gorm:"primaryKey" json:"id"` // UUID
	Docname   string    `gorm:"uniqueIndex;not null" json:"docname"`
	Doctype   string    `gorm:"column:destination_doctype" json:"destination_doctype"`
	Mapping   string    `gorm:"type:text" json:"mapping"` // JSON object: source column -> fieldname
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (ConfirmedMapping) TableName() string {
	return "confirmed_mappings"
}
