package api

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tridz-dev/lightning-import/internal/models"
)

var validate = validator.New()

// DestinationField describes one importable field of the destination doctype,
// as returned by the platform's schema endpoint. Reqd follows the platform's
// 0/1 convention.
type DestinationField struct {
	Fieldname string `json:"fieldname" validate:"required"`
	Label     string `json:"label"`
	Fieldtype string `json:"fieldtype"`
	Reqd      int    `json:"reqd"`
}

// Required reports whether the field must be mapped before import.
func (f DestinationField) Required() bool {
	return f.Reqd != 0
}

// ProgressUpdate is the shared payload shape delivered by both the progress
// poll and the realtime event channel. Counters are pointers: absent means
// the backend has not reported them yet.
type ProgressUpdate struct {
	JobID             string              `json:"job_id" validate:"required"`
	Status            models.ImportStatus `json:"-"`
	Progress          int                 `json:"progress" validate:"min=0,max=100"`
	Title             string              `json:"title"`
	SuccessfulRecords *int                `json:"successful_records,omitempty" validate:"omitempty,min=0"`
	FailedRecords     *int                `json:"failed_records,omitempty" validate:"omitempty,min=0"`
	TotalRecords      *int                `json:"total_records,omitempty" validate:"omitempty,min=0"`
	TimeTaken         *float64            `json:"time_taken,omitempty" validate:"omitempty,min=0"`
	Error             string              `json:"error,omitempty"`
}

// progressWire carries the raw status string before it is parsed into the
// typed enum.
type progressWire struct {
	ProgressUpdate
	RawStatus string `json:"status"`
}

// ParseProgressPayload decodes and validates a progress payload. Every update
// passes through here before it reaches the session state machine, whether it
// arrived by poll or by push.
func ParseProgressPayload(data []byte) (*ProgressUpdate, error) {
	var wire progressWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, transportErr("progress payload", "decode failed: %w", err)
	}

	status, ok := models.ParseImportStatus(wire.RawStatus)
	if !ok {
		return nil, transportErr("progress payload", "unknown status %q", wire.RawStatus)
	}

	update := wire.ProgressUpdate
	update.Status = status

	if err := validate.Struct(&update); err != nil {
		return nil, transportErr("progress payload", "invalid payload: %w", err)
	}

	// Counters must stay consistent once all three are known.
	if update.SuccessfulRecords != nil && update.FailedRecords != nil && update.TotalRecords != nil {
		if *update.SuccessfulRecords+*update.FailedRecords > *update.TotalRecords {
			return nil, transportErr("progress payload", "successful (%d) + failed (%d) exceeds total (%d)",
				*update.SuccessfulRecords, *update.FailedRecords, *update.TotalRecords)
		}
	}

	return &update, nil
}

// StartImportResult is the platform's acknowledgement of a start request.
// JobID may be absent on older servers that key events by record name.
type StartImportResult struct {
	Status  string `json:"status" validate:"required"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// Accepted reports whether the server enqueued the job.
func (r *StartImportResult) Accepted() bool {
	return r.Status == "success"
}

// ExportResult is the outcome of an export-error-rows request.
type ExportResult struct {
	Status  string `json:"status" validate:"required"`
	FileURL string `json:"file_url,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerMapResult is the server-side auto-mapper's answer, used as a fallback
// when headers or schema cannot be fetched for local reconciliation.
type ServerMapResult struct {
	Mapping          map[string]string `json:"mapping"`
	UnmappedRequired []string          `json:"unmapped_required"`
}

// UploadRecord is a snapshot of the upload record's current values, fetched
// on submission and again after a terminal transition.
type UploadRecord struct {
	Name               string              `json:"name"`
	Status             models.ImportStatus `json:"-"`
	DestinationDoctype string              `json:"reference_doctype"`
	CSVFile            string              `json:"csv_file"`
	FieldMapping       map[string]string   `json:"-"`
}

// parseUploadValues builds an UploadRecord from the record-values map the
// schema endpoint returns for a docname.
func parseUploadValues(values map[string]json.RawMessage) (*UploadRecord, error) {
	rec := &UploadRecord{}

	str := func(key string) string {
		raw, ok := values[key]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}

	rec.Name = str("name")
	rec.DestinationDoctype = str("reference_doctype")
	rec.CSVFile = str("csv_file")

	rawStatus := str("status")
	status, ok := models.ParseImportStatus(rawStatus)
	if !ok {
		return nil, fmt.Errorf("record %q has unknown status %q", rec.Name, rawStatus)
	}
	rec.Status = status

	// field_mapping is stored as a JSON string inside the record
	if encoded := str("field_mapping"); encoded != "" {
		mapping := make(map[string]string)
		if err := json.Unmarshal([]byte(encoded), &mapping); err == nil {
			rec.FieldMapping = mapping
		}
	}

	return rec, nil
}
