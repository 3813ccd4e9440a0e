package mapping

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tridz-dev/lightning-import/internal/api"
	"github.com/tridz-dev/lightning-import/internal/config"
	"github.com/tridz-dev/lightning-import/internal/models"
)

// Choice is the user's decision when auto-mapping leaves required fields
// unserved.
type Choice int

const (
	// ChoiceProceed submits with the candidate mapping as-is; rows missing
	// required values will fail server-side.
	ChoiceProceed Choice = iota
	// ChoiceEdit opens the manual editor seeded with the candidate.
	ChoiceEdit
	// ChoiceAbort ends the round without submitting anything.
	ChoiceAbort
)

// Prompter mediates the user-facing decisions of a reconciliation round.
// Implementations block until the user answers.
type Prompter interface {
	// ResolveGaps presents the candidate and its unmapped required fields,
	// returning one of the three choices.
	ResolveGaps(candidate Result, fields []api.DestinationField) (Choice, error)

	// EditMapping collects a full replacement mapping, seeded with the last
	// candidate. lastErr carries the rejection from the previous save
	// attempt, nil on the first pass.
	EditMapping(seed map[string]string, fields []api.DestinationField, lastErr error) (map[string]string, error)
}

// Preview is the material a reconciliation round works from.
type Preview struct {
	Headers   []string
	Fields    []api.DestinationField
	Candidate Result
	// ServerMapped marks a candidate produced by the platform's own mapper
	// because headers or schema could not be fetched.
	ServerMapped bool
}

// Outcome reports how a reconciliation round settled.
type Outcome struct {
	Mapping map[string]string
	// GapsAccepted is set when the user chose to proceed with required
	// fields unmapped.
	GapsAccepted bool
	// Edited is set when the mapping went through the manual editor.
	Edited bool
}

// Service drives mapping reconciliation for upload records.
type Service struct {
	client *api.Client
	db     *gorm.DB
}

// NewService creates a mapping service. db may be nil; confirmed mappings
// are then persisted only on the platform, not journaled locally.
func NewService(client *api.Client, db *gorm.DB) *Service {
	return &Service{client: client, db: db}
}

// Preview fetches headers and schema and runs auto-mapping locally. When
// either fetch fails, the platform's auto_map_and_validate stands in, so a
// round can still start while the schema endpoint is unreachable.
func (s *Service) Preview(upload *api.UploadRecord) (*Preview, error) {
	headers, err := s.client.GetSourceHeaders(upload.Name)
	if err != nil {
		config.Log.WithError(err).Warn("Header fetch failed, falling back to server-side auto-mapping")
		return s.serverPreview(upload)
	}

	fields, err := s.client.GetDestinationFields(upload.DestinationDoctype)
	if err != nil {
		config.Log.WithError(err).Warn("Schema fetch failed, falling back to server-side auto-mapping")
		return s.serverPreview(upload)
	}

	candidate := AutoMap(headers, fields, s.priorMapping(upload))
	return &Preview{Headers: headers, Fields: fields, Candidate: candidate}, nil
}

func (s *Service) serverPreview(upload *api.UploadRecord) (*Preview, error) {
	result, err := s.client.AutoMapAndValidate(upload.Name)
	if err != nil {
		return nil, err
	}

	return &Preview{
		Candidate:    Result{Mapping: result.Mapping, UnmappedRequired: result.UnmappedRequired},
		ServerMapped: true,
	}, nil
}

// Reconcile runs one reconciliation round for an upload record and returns
// the confirmed mapping. Every accepting path saves the mapping to the
// platform before returning. ErrAborted reports the user's refusal and
// leaves the record untouched.
func (s *Service) Reconcile(upload *api.UploadRecord, prompter Prompter) (*Outcome, error) {
	preview, err := s.Preview(upload)
	if err != nil {
		return nil, err
	}

	// No gaps: the candidate is accepted without prompting.
	if len(preview.Candidate.UnmappedRequired) == 0 {
		if err := s.confirm(upload, preview.Candidate.Mapping); err != nil {
			return nil, err
		}
		return &Outcome{Mapping: preview.Candidate.Mapping}, nil
	}

	choice, err := prompter.ResolveGaps(preview.Candidate, preview.Fields)
	if err != nil {
		return nil, err
	}

	switch choice {
	case ChoiceProceed:
		if err := s.confirm(upload, preview.Candidate.Mapping); err != nil {
			return nil, err
		}
		return &Outcome{Mapping: preview.Candidate.Mapping, GapsAccepted: true}, nil

	case ChoiceEdit:
		return s.editLoop(upload, preview, prompter)

	case ChoiceAbort:
		return nil, ErrAborted

	default:
		return nil, fmt.Errorf("unknown reconciliation choice %d", choice)
	}
}

// editLoop reruns the manual editor until the edited mapping passes
// validation. Validation always covers the whole mapping, never just the
// entries the user touched.
func (s *Service) editLoop(upload *api.UploadRecord, preview *Preview, prompter Prompter) (*Outcome, error) {
	fields := preview.Fields
	if fields == nil {
		var err error
		fields, err = s.client.GetDestinationFields(upload.DestinationDoctype)
		if err != nil {
			return nil, err
		}
	}

	seed := preview.Candidate.Mapping
	var lastErr error
	for {
		edited, err := prompter.EditMapping(seed, fields, lastErr)
		if err != nil {
			return nil, err
		}

		if err := ValidateMapping(edited, fields); err != nil {
			lastErr = err
			seed = edited
			continue
		}

		if err := s.confirm(upload, edited); err != nil {
			return nil, err
		}
		return &Outcome{Mapping: edited, Edited: true}, nil
	}
}

// priorMapping returns the confirmed mapping to seed auto-mapping with: the
// record's own persisted mapping when present, otherwise the local journal.
func (s *Service) priorMapping(upload *api.UploadRecord) map[string]string {
	if len(upload.FieldMapping) > 0 {
		return upload.FieldMapping
	}
	if s.db == nil {
		return nil
	}

	var row models.ConfirmedMapping
	if err := s.db.First(&row, "docname = ?", upload.Name).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			config.Log.WithError(err).Warn("Failed to read confirmed mapping journal")
		}
		return nil
	}

	mapping := make(map[string]string)
	if err := json.Unmarshal([]byte(row.Mapping), &mapping); err != nil {
		config.Log.WithError(err).Warnf("Journaled mapping for %s is corrupt, ignoring it", upload.Name)
		return nil
	}
	return mapping
}

// confirm persists an accepted mapping: on the platform first, then in the
// local journal. Journal failures are logged, not fatal, since the platform
// copy is the one the import job reads.
func (s *Service) confirm(upload *api.UploadRecord, mapping map[string]string) error {
	if err := s.client.SaveFieldMapping(upload.Name, mapping); err != nil {
		return err
	}
	s.journal(upload, mapping)
	return nil
}

// journal upserts the confirmed mapping row for the record.
func (s *Service) journal(upload *api.UploadRecord, mapping map[string]string) {
	if s.db == nil {
		return
	}

	encoded, err := json.Marshal(mapping)
	if err != nil {
		config.Log.WithError(err).Warn("Failed to encode mapping for the journal")
		return
	}

	var row models.ConfirmedMapping
	result := s.db.First(&row, "docname = ?", upload.Name)
	if result.Error != nil {
		if result.Error != gorm.ErrRecordNotFound {
			config.Log.WithError(result.Error).Warn("Failed to read confirmed mapping journal")
			return
		}
		row = models.ConfirmedMapping{
			ID:      uuid.New().String(),
			Docname: upload.Name,
		}
	}

	row.Doctype = upload.DestinationDoctype
	row.Mapping = string(encoded)

	if result.Error == gorm.ErrRecordNotFound {
		if err := s.db.Create(&row).Error; err != nil {
			config.Log.WithError(err).Warn("Failed to journal confirmed mapping")
		}
	} else {
		if err := s.db.Save(&row).Error; err != nil {
			config.Log.WithError(err).Warn("Failed to journal confirmed mapping")
		}
	}
}
