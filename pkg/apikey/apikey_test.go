package apikey

import (
	"testing"
	"time"
)

func TestIssueAndParseRoundTrip(t *testing.T) {
	issuer := NewIssuer("signing-secret", time.Hour)

	token, hash, err := issuer.Issue("proj-1", "container")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.ProjectID != "proj-1" || claims.Provider != "container" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !Matches(hash, token) {
		t.Fatal("issued token must match its stored hash")
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	issuer := NewIssuer("signing-secret", time.Hour)
	other := NewIssuer("different-secret", time.Hour)

	token, _, err := other.Issue("proj-1", "container")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := issuer.Parse(token); err == nil {
		t.Fatal("token signed with a different secret must not parse")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("signing-secret", -time.Minute)

	token, _, err := issuer.Issue("proj-1", "container")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := issuer.Parse(token); err == nil {
		t.Fatal("expired token must not parse")
	}
}

func TestIssueRequiresProjectID(t *testing.T) {
	issuer := NewIssuer("signing-secret", time.Hour)
	if _, _, err := issuer.Issue("", "container"); err == nil {
		t.Fatal("expected error for missing project id")
	}
}

func TestMatchesRejectsDifferentToken(t *testing.T) {
	issuer := NewIssuer("signing-secret", time.Hour)

	_, hash, err := issuer.Issue("proj-1", "container")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	otherToken, _, err := issuer.Issue("proj-2", "container")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Matches(hash, otherToken) {
		t.Fatal("hash must not match a different token")
	}
}
