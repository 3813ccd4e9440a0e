package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Whitelisted method paths on the platform. start_import and friends live on
// the upload doctype's controller module; the schema endpoint is the app-level
// get_fields module.
const (
	uploadModule = "api/method/lightning_import.lightning_import.doctype.lightning_upload.lightning_upload"

	methodStartImport      = uploadModule + ".start_import"
	methodGetProgress      = uploadModule + ".get_progress"
	methodExportErrorRows  = uploadModule + ".export_error_rows"
	methodGetSourceHeaders = uploadModule + ".get_source_headers"
	methodAutoMap          = uploadModule + ".auto_map_and_validate"
	methodSaveFieldMapping = uploadModule + ".save_field_mapping"
	methodGetDoctypeFields = "api/method/lightning_import.api.get_fields.get_doctype_fields"
)

// uploadDoctype is the doctype name of the upload record itself.
const uploadDoctype = "Lightning Upload"

// Client talks to the platform's whitelisted import methods.
type Client struct {
	baseURL string
	http    *resty.Client
	fields  *fieldCache
}

// NewClient creates a platform API client authenticated with an API key pair.
func NewClient(baseURL, apiKey, apiSecret string) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		fields:  newFieldCache(32),
	}

	client.http = resty.New().
		SetHeader("User-Agent", "lightning-import-client").
		SetHeader("Authorization", fmt.Sprintf("token %s:%s", apiKey, apiSecret)).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// SetTimeout allows customizing the timeout for specific operations
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}

// call POSTs params to a whitelisted method and returns the unwrapped
// "message" payload from the platform's response envelope.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimPrefix(method, "/"))

	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		Post(url)
	if err != nil {
		return nil, &TransportError{Op: method, Err: err}
	}

	if !resp.IsSuccess() {
		return nil, transportErr(method, "HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, transportErr(method, "failed to parse response: %w", err)
	}
	if envelope.Message == nil {
		return nil, transportErr(method, "response carried no message payload")
	}

	return envelope.Message, nil
}

// StartImport asks the platform to enqueue the import job for an upload
// record. A non-nil mapping rides along and replaces whatever mapping the
// record carries. A declined start is reported inside the result, not as an
// error.
func (c *Client) StartImport(docname string, mapping map[string]string) (*StartImportResult, error) {
	params := map[string]string{"docname": docname}
	if mapping != nil {
		encoded, err := json.Marshal(mapping)
		if err != nil {
			return nil, transportErr(methodStartImport, "failed to encode mapping: %w", err)
		}
		params["mapping"] = string(encoded)
	}

	payload, err := c.call(methodStartImport, params)
	if err != nil {
		return nil, err
	}

	var result StartImportResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodStartImport, "failed to parse result: %w", err)
	}
	if err := validate.Struct(&result); err != nil {
		return nil, transportErr(methodStartImport, "invalid result: %w", err)
	}

	return &result, nil
}

// GetProgress fetches the current progress payload for a job.
func (c *Client) GetProgress(jobID string) (*ProgressUpdate, error) {
	payload, err := c.call(methodGetProgress, map[string]string{"job_id": jobID})
	if err != nil {
		return nil, err
	}
	return ParseProgressPayload(payload)
}

// ExportErrorRows asks the platform to assemble the failed rows of a finished
// job into a downloadable file.
func (c *Client) ExportErrorRows(docname string) (*ExportResult, error) {
	payload, err := c.call(methodExportErrorRows, map[string]string{"docname": docname})
	if err != nil {
		return nil, err
	}

	var result ExportResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodExportErrorRows, "failed to parse result: %w", err)
	}
	if err := validate.Struct(&result); err != nil {
		return nil, transportErr(methodExportErrorRows, "invalid result: %w", err)
	}

	return &result, nil
}

// GetSourceHeaders returns the ordered header row of the uploaded CSV.
func (c *Client) GetSourceHeaders(docname string) ([]string, error) {
	payload, err := c.call(methodGetSourceHeaders, map[string]string{"docname": docname})
	if err != nil {
		return nil, err
	}

	var result struct {
		Status  string   `json:"status"`
		Headers []string `json:"headers"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodGetSourceHeaders, "failed to parse result: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return nil, transportErr(methodGetSourceHeaders, "server reported %s", result.Status)
	}

	return result.Headers, nil
}

// GetDestinationFields returns the importable field descriptors of a doctype.
// Schemas change rarely, so results are served from an LRU cache.
func (c *Client) GetDestinationFields(doctype string) ([]DestinationField, error) {
	if fields, ok := c.fields.Get(doctype); ok {
		return fields, nil
	}

	payload, err := c.call(methodGetDoctypeFields, map[string]string{"doctype": doctype})
	if err != nil {
		return nil, err
	}

	var result struct {
		Fields []DestinationField `json:"fields"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodGetDoctypeFields, "failed to parse result: %w", err)
	}
	if len(result.Fields) == 0 {
		return nil, transportErr(methodGetDoctypeFields, "doctype %q has no importable fields", doctype)
	}
	for _, f := range result.Fields {
		if err := validate.Struct(&f); err != nil {
			return nil, transportErr(methodGetDoctypeFields, "invalid field descriptor: %w", err)
		}
	}

	c.fields.Put(doctype, result.Fields)
	return result.Fields, nil
}

// GetUpload refreshes the upload record's current values. The schema endpoint
// doubles as a record fetch when a docname is supplied.
func (c *Client) GetUpload(docname string) (*UploadRecord, error) {
	payload, err := c.call(methodGetDoctypeFields, map[string]string{
		"doctype": uploadDoctype,
		"docname": docname,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Values map[string]json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodGetDoctypeFields, "failed to parse result: %w", err)
	}
	if result.Values == nil {
		return nil, transportErr(methodGetDoctypeFields, "record %q returned no values", docname)
	}

	rec, err := parseUploadValues(result.Values)
	if err != nil {
		return nil, transportErr(methodGetDoctypeFields, "%w", err)
	}
	if rec.Name == "" {
		rec.Name = docname
	}

	return rec, nil
}

// AutoMapAndValidate runs the platform's own auto-mapper. Used as a fallback
// when the local reconciler cannot fetch headers or schema.
func (c *Client) AutoMapAndValidate(docname string) (*ServerMapResult, error) {
	payload, err := c.call(methodAutoMap, map[string]string{"docname": docname})
	if err != nil {
		return nil, err
	}

	var result ServerMapResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, transportErr(methodAutoMap, "failed to parse result: %w", err)
	}
	if result.Mapping == nil {
		return nil, transportErr(methodAutoMap, "server returned no mapping")
	}

	return &result, nil
}

// SaveFieldMapping persists a confirmed mapping onto the upload record so the
// server-side import uses it verbatim.
func (c *Client) SaveFieldMapping(docname string, mapping map[string]string) error {
	encoded, err := json.Marshal(mapping)
	if err != nil {
		return transportErr(methodSaveFieldMapping, "failed to encode mapping: %w", err)
	}

	payload, err := c.call(methodSaveFieldMapping, map[string]string{
		"docname": docname,
		"mapping": string(encoded),
	})
	if err != nil {
		return err
	}

	var result struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		return transportErr(methodSaveFieldMapping, "failed to parse result: %w", err)
	}
	if result.Status != "success" {
		return transportErr(methodSaveFieldMapping, "server declined: %s", result.Message)
	}

	return nil
}

// ClearSchemaCache drops all cached field schemas.
func (c *Client) ClearSchemaCache() {
	c.fields.Clear()
}
