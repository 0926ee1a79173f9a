package flow

import (
	"encoding/json"
	"testing"

	"github.com/BTreeMap/OnboardPipe/internal/locale"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

func englishStrings(t *testing.T) locale.Strings {
	t.Helper()
	strs, err := locale.Default().Strings("en")
	if err != nil {
		t.Fatalf("Strings(en): %v", err)
	}
	return strs
}

func TestParseExtraction(t *testing.T) {
	strs := englishStrings(t)

	tests := []struct {
		name    string
		raw     string
		want    ExtractionResult
		wantErr bool
	}{
		{
			name: "valid with every field",
			raw:  validPAN,
			want: ValidDocument{
				Data:                models.ExtractedIDData{Name: "Asha Rao", IDNumber: "ABCDE1234F", DOB: "1990-01-01"},
				ConfirmationMessage: "Are these correct?",
			},
		},
		{
			name: "valid with missing fields",
			raw:  `{"isValidDocument":true,"dob":""}`,
			want: ValidDocument{
				Data:                models.ExtractedIDData{Name: "N/A", IDNumber: "N/A", DOB: "N/A"},
				ConfirmationMessage: strs.ConfirmDetailsFallback,
			},
		},
		{
			name: "valid with null fields",
			raw:  `{"isValidDocument":true,"name":"Asha Rao","idNumber":null,"dob":null,"confirmationMessage":null}`,
			want: ValidDocument{
				Data:                models.ExtractedIDData{Name: "Asha Rao", IDNumber: "N/A", DOB: "N/A"},
				ConfirmationMessage: strs.ConfirmDetailsFallback,
			},
		},
		{
			name: "invalid with null identity fields",
			raw:  `{"isValidDocument":false,"name":null,"rejectionMessage":null}`,
			want: InvalidDocument{RejectionMessage: strs.InvalidDocumentFallback},
		},
		{
			name: "invalid with message",
			raw:  `{"isValidDocument":false,"rejectionMessage":"Not an ID."}`,
			want: InvalidDocument{RejectionMessage: "Not an ID."},
		},
		{
			name: "invalid without message",
			raw:  `{"isValidDocument":false,"rejectionMessage":""}`,
			want: InvalidDocument{RejectionMessage: strs.InvalidDocumentFallback},
		},
		{
			name: "invalid with empty identity fields",
			raw:  `{"isValidDocument":false,"name":"","rejectionMessage":"No."}`,
			want: InvalidDocument{RejectionMessage: "No."},
		},
		{name: "not json", raw: `{"isValidDocument":`, wantErr: true},
		{name: "json array", raw: `[true]`, wantErr: true},
		{name: "json null", raw: `null`, wantErr: true},
		{name: "missing flag", raw: `{"name":"Asha"}`, wantErr: true},
		{name: "null flag", raw: `{"isValidDocument":null,"name":"Asha"}`, wantErr: true},
		{name: "flag not boolean", raw: `{"isValidDocument":"yes"}`, wantErr: true},
		{name: "valid with rejection", raw: `{"isValidDocument":true,"rejectionMessage":"No."}`, wantErr: true},
		{name: "invalid with identity", raw: `{"isValidDocument":false,"idNumber":"123"}`, wantErr: true},
		{name: "unknown field", raw: `{"isValidDocument":false,"note":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.raw, strs)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestDocumentSchemaIsSerializable(t *testing.T) {
	s := DocumentSchema()
	if s.Name != documentSchemaName {
		t.Errorf("expected name %q, got %q", documentSchemaName, s.Name)
	}
	data, err := json.Marshal(s.Definition)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	props, ok := decoded["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties in %s", data)
	}
	for _, field := range []string{"isValidDocument", "name", "idNumber", "dob", "confirmationMessage", "rejectionMessage"} {
		if _, ok := props[field]; !ok {
			t.Errorf("expected property %q", field)
		}
	}
}
