// Package letters renders decision letters for recorded decisions.
package letters

import (
	"errors"
	"time"
)

// ErrPDFDependencyMissing is returned when no headless browser is available.
var ErrPDFDependencyMissing = errors.New("pdf dependency missing")

// Data is everything printed on a decision letter.
type Data struct {
	ReferenceNumber string
	Title           string
	ApplicantName   string
	Institution     string
	Decision        string
	DecisionDate    time.Time
	DecidedBy       string
	Notes           string
	// Approval letters only.
	VerifyURL   string
	PayloadHash string
}

// Approved reports whether the letter carries a verification block.
func (d Data) Approved() bool {
	return d.Decision == "APPROVED"
}

// Letter is a rendered artifact ready for the blob store.
type Letter struct {
	Data      []byte
	FileName  string
	MimeType  string
	Extension string
}
