package store

import (
	"errors"
	"testing"
)

func TestParseEnums(t *testing.T) {
	tests := []struct {
		name    string
		parse   func(string) (string, error)
		input   string
		want    string
		wantErr bool
	}{
		{"data type default", wrapParse(ParseDataType), "", "AGGREGATED", false},
		{"data type lower case", wrapParse(ParseDataType), " patient_level ", "PATIENT_LEVEL", false},
		{"data type unknown", wrapParse(ParseDataType), "NOT_A_TYPE", "", true},
		{"sensitivity default", wrapParse(ParseSensitivityLevel), "", "PUBLIC", false},
		{"sensitivity restricted", wrapParse(ParseSensitivityLevel), "restricted", "RESTRICTED", false},
		{"sensitivity legacy scale", wrapParse(ParseSensitivityLevel), "HIGH", "", true},
		{"applicant default", wrapParse(ParseApplicantType), "", "OTHER", false},
		{"applicant ngo", wrapParse(ParseApplicantType), "ngo", "NGO", false},
		{"applicant unknown", wrapParse(ParseApplicantType), "RESEARCHER", "", true},
		{"stage", wrapParse(ParseReviewStage), "data_owner", "DATA_OWNER", false},
		{"stage required", wrapParse(ParseReviewStage), "", "", true},
		{"stage unknown", wrapParse(ParseReviewStage), "BANANA", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parse(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidValue) {
					t.Fatalf("parse(%q) error = %v, want ErrInvalidValue", tt.input, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("parse(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
			}
		})
	}
}

func wrapParse[T ~string](parse func(string) (T, error)) func(string) (string, error) {
	return func(value string) (string, error) {
		v, err := parse(value)
		return string(v), err
	}
}
