// Package signature issues and checks the public verification tokens bound
// to approved decisions.
package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Payload is the decision data a signature hash covers.
type Payload struct {
	ReferenceNumber string
	Title           string
	ApplicantName   string
	Decision        string
}

func (p Payload) String() string {
	return strings.Join([]string{p.ReferenceNumber, p.Title, p.ApplicantName, p.Decision}, "|")
}

// NewToken returns a random unguessable verification token.
func NewToken() string {
	return uuid.NewString()
}

// Hash is hex(SHA-256(reference|title|applicant|decision|token)).
func Hash(p Payload, token string) string {
	sum := sha256.Sum256([]byte(p.String() + "|" + token))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the hash from stored fields and compares it in constant
// time with the stored hash.
func Verify(p Payload, token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	expected := Hash(p, token)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(storedHash))) == 1
}

// WellFormed reports whether token could have been produced by NewToken.
func WellFormed(token string) bool {
	_, err := uuid.Parse(token)
	return err == nil && len(token) == 36
}

// VerifyURL is the public link printed on decision letters.
func VerifyURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/verify/" + token
}
