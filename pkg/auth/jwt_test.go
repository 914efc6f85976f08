package auth

import (
	"testing"
	"time"
)

const testSecret = "abcdefghijklmnopqrstuvwxyz123456"

func TestSignerIssueAndParse(t *testing.T) {
	signer := NewSigner(testSecret, time.Minute, "genai-governor")

	cred, err := signer.Issue("alice", "analyst", "developer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cred.TokenType != "Bearer" || cred.AccessToken == "" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	claims, err := signer.Parse(cred.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "alice" || claims.Role != "analyst" || claims.OriginalRole != "developer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Impersonating() {
		t.Fatalf("expected impersonating claims")
	}
	if claims.Issuer != "genai-governor" {
		t.Fatalf("expected issuer genai-governor got %s", claims.Issuer)
	}
}

func TestSignerRejectsForeignSecret(t *testing.T) {
	signer := NewSigner(testSecret, time.Minute, "genai-governor")
	other := NewSigner("zyxwvutsrqponmlkjihgfedcba654321", time.Minute, "genai-governor")

	cred, err := other.Issue("alice", "developer", "developer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signer.Parse(cred.AccessToken); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestSignerRejectsExpiredToken(t *testing.T) {
	signer := NewSigner(testSecret, -time.Minute, "genai-governor")
	cred, err := signer.Issue("alice", "developer", "developer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := signer.Parse(cred.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}
