package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

var payload = Payload{
	ReferenceNumber: "RARS-2025-000123",
	Title:           "Study A",
	ApplicantName:   "Amina Yusuf",
	Decision:        "APPROVED",
}

func TestHashMatchesDocumentedFormat(t *testing.T) {
	token := "8a4f3f7e-2a55-4c55-9f10-0d1f1c2b3a4e"
	sum := sha256.Sum256([]byte("RARS-2025-000123|Study A|Amina Yusuf|APPROVED|" + token))
	if got, want := Hash(payload, token), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	token := NewToken()
	stored := Hash(payload, token)

	if !Verify(payload, token, stored) {
		t.Fatal("Verify() = false for untampered data")
	}

	tampered := payload
	tampered.Title = "Study B"
	if Verify(tampered, token, stored) {
		t.Fatal("Verify() = true after the title changed")
	}
	if Verify(payload, NewToken(), stored) {
		t.Fatal("Verify() = true for a different token")
	}
	if Verify(payload, token, "") || Verify(payload, "", stored) {
		t.Fatal("Verify() = true for empty inputs")
	}
}

func TestTokens(t *testing.T) {
	a, b := NewToken(), NewToken()
	if a == b {
		t.Fatal("NewToken() returned duplicate tokens")
	}
	if !WellFormed(a) || WellFormed("not-a-token") {
		t.Fatal("WellFormed() mismatch")
	}
	if got := VerifyURL("https://portal.example.org/", a); got != "https://portal.example.org/verify/"+a {
		t.Fatalf("VerifyURL() = %s", got)
	}
}
