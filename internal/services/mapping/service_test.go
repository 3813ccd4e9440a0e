package mapping

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tridz-dev/lightning-import/internal/api"
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

func headersHandler(t *testing.T, headers []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, map[string]interface{}{"status": "success", "headers": headers}))
	}
}

func fieldsHandler(t *testing.T, fields []api.DestinationField) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write(envelope(t, map[string]interface{}{"fields": fields}))
	}
}

// saveRecorder captures what save_field_mapping receives.
type saveRecorder struct {
	calls   int
	mapping map[string]string
}

func (rec *saveRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docname string `json:"docname"`
			Mapping string `json:"mapping"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		rec.calls++
		rec.mapping = map[string]string{}
		require.NoError(t, json.Unmarshal([]byte(req.Mapping), &rec.mapping))

		w.Write(envelope(t, map[string]string{"status": "success"}))
	}
}

// scriptedPrompter plays back canned answers and records what it was shown.
type scriptedPrompter struct {
	choice Choice
	edits  []map[string]string

	gapsCalls int
	editCalls int
	candidate Result
	editErrs  []error
}

func (p *scriptedPrompter) ResolveGaps(candidate Result, fields []api.DestinationField) (Choice, error) {
	p.gapsCalls++
	p.candidate = candidate
	return p.choice, nil
}

func (p *scriptedPrompter) EditMapping(seed map[string]string, fields []api.DestinationField, lastErr error) (map[string]string, error) {
	p.editErrs = append(p.editErrs, lastErr)
	if p.editCalls >= len(p.edits) {
		return nil, ErrAborted
	}
	edit := p.edits[p.editCalls]
	p.editCalls++
	return edit, nil
}

func draftUpload(doctype string) *api.UploadRecord {
	return &api.UploadRecord{
		Name:               "UP-0001",
		Status:             models.StatusDraft,
		DestinationDoctype: doctype,
		CSVFile:            "/files/import.csv",
	}
}

// TestReconcile tests the user reconciliation protocol end to end
func TestReconcile(t *testing.T) {
	schema := []api.DestinationField{
		field("first_name", "First Name", true),
		field("email", "Email Address", true),
		field("name", "ID", false),
	}

	t.Run("Should auto-accept and save when no required gaps remain", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"First Name", "Email"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		prompter := &scriptedPrompter{choice: ChoiceAbort}

		outcome, err := svc.Reconcile(draftUpload("Customer"), prompter)

		require.NoError(t, err)
		assert.Equal(t, 0, prompter.gapsCalls, "A gap-free candidate must not prompt")
		assert.False(t, outcome.GapsAccepted)
		assert.False(t, outcome.Edited)
		assert.Equal(t, map[string]string{"First Name": "first_name", "Email": "email"}, outcome.Mapping)
		assert.Equal(t, 1, saved.calls)
		assert.Equal(t, outcome.Mapping, saved.mapping)
	})

	t.Run("Should return ErrAborted and save nothing when the user aborts", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"Favourite Colour"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		prompter := &scriptedPrompter{choice: ChoiceAbort}

		outcome, err := svc.Reconcile(draftUpload("Customer"), prompter)

		assert.ErrorIs(t, err, ErrAborted)
		assert.Nil(t, outcome)
		assert.Equal(t, 1, prompter.gapsCalls)
		assert.ElementsMatch(t, []string{"first_name", "email"}, prompter.candidate.UnmappedRequired)
		assert.Equal(t, 0, saved.calls, "Aborting must not save a mapping")
	})

	t.Run("Should proceed with gaps when the user overrides", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"First Name", "Favourite Colour"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		prompter := &scriptedPrompter{choice: ChoiceProceed}

		outcome, err := svc.Reconcile(draftUpload("Customer"), prompter)

		require.NoError(t, err)
		assert.True(t, outcome.GapsAccepted)
		assert.Equal(t, 1, saved.calls)
		assert.Equal(t, "", saved.mapping["Favourite Colour"], "Unmatched columns are saved with the empty sentinel")
		assert.Equal(t, "first_name", saved.mapping["First Name"])
	})

	t.Run("Should loop the editor until the mapping validates", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"Colour", "Shade"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		// First edit leaves email missing, second claims email twice, third is valid.
		prompter := &scriptedPrompter{
			choice: ChoiceEdit,
			edits: []map[string]string{
				{"Colour": "first_name"},
				{"Colour": "first_name", "Shade": "email", "Hue": "email"},
				{"Colour": "first_name", "Shade": "email"},
			},
		}

		outcome, err := svc.Reconcile(draftUpload("Customer"), prompter)

		require.NoError(t, err)
		assert.True(t, outcome.Edited)
		assert.Equal(t, 3, prompter.editCalls)

		require.Len(t, prompter.editErrs, 3)
		assert.NoError(t, prompter.editErrs[0], "First editor pass starts clean")
		var incomplete *IncompleteError
		assert.ErrorAs(t, prompter.editErrs[1], &incomplete)
		var conflict *ConflictError
		assert.ErrorAs(t, prompter.editErrs[2], &conflict)

		assert.Equal(t, 1, saved.calls)
		assert.Equal(t, map[string]string{"Colour": "first_name", "Shade": "email"}, saved.mapping)
	})

	t.Run("Should abort from inside the editor", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"Colour"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		prompter := &scriptedPrompter{choice: ChoiceEdit} // no edits scripted: editor aborts

		_, err := svc.Reconcile(draftUpload("Customer"), prompter)

		assert.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, 0, saved.calls)
	})

	t.Run("Should seed auto-mapping with the record's persisted mapping", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": headersHandler(t, []string{"Weird Column", "First Name"}),
			".get_doctype_fields": fieldsHandler(t, schema),
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		upload := draftUpload("Customer")
		upload.FieldMapping = map[string]string{"Weird Column": "email"}

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)
		outcome, err := svc.Reconcile(upload, &scriptedPrompter{choice: ChoiceAbort})

		require.NoError(t, err)
		assert.Equal(t, "email", outcome.Mapping["Weird Column"])
		assert.Equal(t, "first_name", outcome.Mapping["First Name"])
		assert.Equal(t, 1, saved.calls)
	})

	t.Run("Should fall back to the server mapper when headers cannot be fetched", func(t *testing.T) {
		saved := &saveRecorder{}
		server := methodServer(t, map[string]http.HandlerFunc{
			".get_source_headers": func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
			".auto_map_and_validate": func(w http.ResponseWriter, r *http.Request) {
				w.Write(envelope(t, map[string]interface{}{
					"mapping":           map[string]string{"A": "first_name", "B": "email"},
					"unmapped_required": []string{},
				}))
			},
			".save_field_mapping": saved.handler(t),
		})
		defer server.Close()

		svc := NewService(api.NewClient(server.URL, "key", "secret"), nil)

		preview, err := svc.Preview(draftUpload("Customer"))
		require.NoError(t, err)
		assert.True(t, preview.ServerMapped)

		outcome, err := svc.Reconcile(draftUpload("Customer"), &scriptedPrompter{choice: ChoiceAbort})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"A": "first_name", "B": "email"}, outcome.Mapping)
		assert.Equal(t, 1, saved.calls)
	})
}
