package flow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/locale"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/google/jsonschema-go/jsonschema"
)

// ExtractionResult is the outcome of document analysis: ValidDocument or
// InvalidDocument.
type ExtractionResult interface {
	isExtractionResult()
}

// ValidDocument is an accepted identity document with its extracted fields.
type ValidDocument struct {
	Data                models.ExtractedIDData
	ConfirmationMessage string
}

// InvalidDocument is a rejected upload.
type InvalidDocument struct {
	RejectionMessage string
}

func (ValidDocument) isExtractionResult()   {}
func (InvalidDocument) isExtractionResult() {}

// ExtractionOutcome labels an extraction attempt for observers.
type ExtractionOutcome string

const (
	ExtractionValid   ExtractionOutcome = "valid"
	ExtractionInvalid ExtractionOutcome = "invalid"
	ExtractionFailed  ExtractionOutcome = "failed"
)

const documentSchemaName = "id_document_analysis"

func stringProperty(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

// documentResponseSchema is the schema sent to the model.
func documentResponseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"isValidDocument": {
				Type:        "boolean",
				Description: "True if the document is an Aadhaar, PAN, or Passport. False otherwise.",
			},
			"name":                stringProperty("The user's full name. Only present if isValidDocument is true."),
			"idNumber":            stringProperty("The ID number. Only present if isValidDocument is true."),
			"dob":                 stringProperty("The user's date of birth. Only present if isValidDocument is true."),
			"confirmationMessage": stringProperty("The message to show the user for confirmation. Only present if isValidDocument is true."),
			"rejectionMessage":    stringProperty("The polite rejection message. Only present if isValidDocument is false."),
		},
		Required: []string{"isValidDocument"},
	}
}

// documentValidationSchema tightens the response schema with one branch per
// outcome so that fields of the other branch are refused.
func documentValidationSchema() *jsonschema.Schema {
	s := documentResponseSchema()
	s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}

	required := func(names ...string) []*jsonschema.Schema {
		out := make([]*jsonschema.Schema, 0, len(names))
		for _, n := range names {
			out = append(out, &jsonschema.Schema{Required: []string{n}})
		}
		return out
	}
	s.OneOf = []*jsonschema.Schema{
		{
			Properties: map[string]*jsonschema.Schema{"isValidDocument": {Enum: []any{true}}},
			Not:        &jsonschema.Schema{Required: []string{"rejectionMessage"}},
		},
		{
			Properties: map[string]*jsonschema.Schema{"isValidDocument": {Enum: []any{false}}},
			Not:        &jsonschema.Schema{AnyOf: required("name", "idNumber", "dob", "confirmationMessage")},
		},
	}
	return s
}

var resolvedDocumentSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	return documentValidationSchema().Resolve(nil)
})

// DocumentSchema is the structured-output contract for document analysis.
func DocumentSchema() genai.Schema {
	return genai.Schema{
		Name:        documentSchemaName,
		Description: "Classification of an uploaded identity document with conditional field extraction.",
		Definition:  documentResponseSchema(),
	}
}

type documentResponse struct {
	IsValidDocument     bool   `json:"isValidDocument"`
	Name                string `json:"name"`
	IDNumber            string `json:"idNumber"`
	DOB                 string `json:"dob"`
	ConfirmationMessage string `json:"confirmationMessage"`
	RejectionMessage    string `json:"rejectionMessage"`
}

// ParseExtraction validates a raw model response and turns it into a result.
// Empty strings and nulls count as absent. Absent identity fields become models.NotAvailable
// and absent messages fall back to the localized canned text.
func ParseExtraction(raw string, strs locale.Strings) (ExtractionResult, error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("decode response: not a JSON object")
	}
	for k, v := range body {
		if v == nil {
			delete(body, k)
		} else if s, ok := v.(string); ok && s == "" {
			delete(body, k)
		}
	}

	resolved, err := resolvedDocumentSchema()
	if err != nil {
		return nil, fmt.Errorf("resolve document schema: %w", err)
	}
	if err := resolved.Validate(body); err != nil {
		return nil, fmt.Errorf("response matches neither outcome: %w", err)
	}

	normalized, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("re-encode response: %w", err)
	}
	var resp documentResponse
	if err := json.Unmarshal(normalized, &resp); err != nil {
		return nil, fmt.Errorf("decode response fields: %w", err)
	}

	if !resp.IsValidDocument {
		return InvalidDocument{RejectionMessage: orDefault(resp.RejectionMessage, strs.InvalidDocumentFallback)}, nil
	}
	return ValidDocument{
		Data: models.ExtractedIDData{
			Name:     orDefault(resp.Name, models.NotAvailable),
			IDNumber: orDefault(resp.IDNumber, models.NotAvailable),
			DOB:      orDefault(resp.DOB, models.NotAvailable),
		},
		ConfirmationMessage: orDefault(resp.ConfirmationMessage, strs.ConfirmDetailsFallback),
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
