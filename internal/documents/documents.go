// Package documents holds the document-type rules and the versioned upload
// ledger for application artifacts.
package documents

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"rars/api/internal/store"
)

type Type string

const (
	TypeEthicsLetter      Type = "ETHICS_LETTER"
	TypeSupervisorLetter  Type = "SUPERVISOR_LETTER"
	TypeInstitutionLetter Type = "INSTITUTION_LETTER"
	TypeProposal          Type = "PROPOSAL"
	TypeFinalPaper        Type = "FINAL_PAPER"
	TypeTool              Type = "TOOL"
	TypeDataset           Type = "DATASET"
	TypeCodebook          Type = "CODEBOOK"
	TypeApprovalLetter    Type = "APPROVAL_LETTER"
	TypeRejectionLetter   Type = "REJECTION_LETTER"
	TypeOther             Type = "OTHER"
)

var allTypes = []Type{
	TypeEthicsLetter, TypeSupervisorLetter, TypeInstitutionLetter, TypeProposal, TypeFinalPaper,
	TypeTool, TypeDataset, TypeCodebook, TypeApprovalLetter, TypeRejectionLetter, TypeOther,
}

// ErrUnknownType is returned by ParseType for names outside the catalogue.
var ErrUnknownType = errors.New("unknown document type")

func ParseType(value string) (Type, error) {
	normalized := Type(strings.ToUpper(strings.TrimSpace(value)))
	for _, t := range allTypes {
		if t == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownType, value)
}

// Uploadable reports whether applicants and staff may upload t directly.
// Decision letters are only ever written by the decision flow.
func Uploadable(t Type) bool {
	return t != TypeApprovalLetter && t != TypeRejectionLetter
}

// RequiredDocuments lists the types an applicant must provide before review.
func RequiredDocuments(applicant store.ApplicantType) []Type {
	required := []Type{TypeEthicsLetter, TypeProposal}
	if applicant == store.ApplicantStudent {
		required = append(required, TypeSupervisorLetter, TypeInstitutionLetter)
	}
	return required
}

// Checklist maps each required type to whether any version of it exists.
func Checklist(applicant store.ApplicantType, present []Type) map[Type]bool {
	have := make(map[Type]bool, len(present))
	for _, t := range present {
		have[t] = true
	}
	out := make(map[Type]bool)
	for _, t := range RequiredDocuments(applicant) {
		out[t] = have[t]
	}
	return out
}

// Complete reports whether every entry in a checklist is satisfied.
func Complete(checklist map[Type]bool) bool {
	for _, ok := range checklist {
		if !ok {
			return false
		}
	}
	return true
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFileName reduces a client file name to a safe key segment.
func SanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	base = unsafeFileChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	return base
}

// BlobKey is {uploader}/{application}/{type}/{unix millis}_{file name}.
func BlobKey(uploaderID, applicationID string, t Type, at time.Time, fileName string) string {
	return fmt.Sprintf("%s/%s/%s/%d_%s", uploaderID, applicationID, t, at.UnixMilli(), SanitizeFileName(fileName))
}

// LetterKey is where the generated decision letter for an application lives.
// ext includes the leading dot.
func LetterKey(deciderID, applicationID, decision, ext string) string {
	return fmt.Sprintf("%s/letters/%s_%s%s", deciderID, applicationID, decision, ext)
}
