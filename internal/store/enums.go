package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidValue marks a value outside a column's CHECK set. Check
// violations reported by Postgres are classified to it as well.
var ErrInvalidValue = errors.New("value not allowed")

type DataType string

const (
	DataAggregated   DataType = "AGGREGATED"
	DataPatientLevel DataType = "PATIENT_LEVEL"
)

var DataTypes = []DataType{DataAggregated, DataPatientLevel}

type SensitivityLevel string

const (
	SensitivityPublic     SensitivityLevel = "PUBLIC"
	SensitivityRestricted SensitivityLevel = "RESTRICTED"
)

var SensitivityLevels = []SensitivityLevel{SensitivityPublic, SensitivityRestricted}

type ApplicantType string

const (
	ApplicantStudent    ApplicantType = "STUDENT"
	ApplicantNGO        ApplicantType = "NGO"
	ApplicantConsultant ApplicantType = "CONSULTANT"
	ApplicantGovernment ApplicantType = "GOVERNMENT"
	ApplicantAcademic   ApplicantType = "ACADEMIC"
	ApplicantOther      ApplicantType = "OTHER"
)

var ApplicantTypes = []ApplicantType{
	ApplicantStudent, ApplicantNGO, ApplicantConsultant, ApplicantGovernment, ApplicantAcademic, ApplicantOther,
}

// ReviewStage names the review track a reviewer is assigned to.
type ReviewStage string

const (
	StageProgram   ReviewStage = "PROGRAM"
	StageHIS       ReviewStage = "HIS"
	StageDataOwner ReviewStage = "DATA_OWNER"
	StageTechnical ReviewStage = "TECHNICAL"
	StageOther     ReviewStage = "OTHER"
)

var ReviewStages = []ReviewStage{StageProgram, StageHIS, StageDataOwner, StageTechnical, StageOther}

// ParseDataType normalizes value; an empty value selects AGGREGATED.
func ParseDataType(value string) (DataType, error) {
	return parseEnum("data type", value, DataAggregated, DataTypes)
}

// ParseSensitivityLevel normalizes value; an empty value selects PUBLIC.
func ParseSensitivityLevel(value string) (SensitivityLevel, error) {
	return parseEnum("sensitivity level", value, SensitivityPublic, SensitivityLevels)
}

// ParseApplicantType normalizes value; an empty value selects OTHER.
func ParseApplicantType(value string) (ApplicantType, error) {
	return parseEnum("applicant type", value, ApplicantOther, ApplicantTypes)
}

// ParseReviewStage normalizes value. A stage is always required.
func ParseReviewStage(value string) (ReviewStage, error) {
	return parseEnum("review stage", value, "", ReviewStages)
}

func parseEnum[T ~string](field, value string, fallback T, allowed []T) (T, error) {
	normalized := T(strings.ToUpper(strings.TrimSpace(value)))
	if normalized == "" && fallback != "" {
		return fallback, nil
	}
	for _, candidate := range allowed {
		if candidate == normalized {
			return candidate, nil
		}
	}
	names := make([]string, len(allowed))
	for i, candidate := range allowed {
		names[i] = string(candidate)
	}
	return "", fmt.Errorf("%w: %s %q must be one of %s", ErrInvalidValue, field, value, strings.Join(names, ", "))
}
