package terminaltoken

import (
	"testing"
	"time"

	"github.com/tradetaper/terminal-farm/errs"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Hour)
	token, err := issuer.Issue("term-1", "acct-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TerminalID != "term-1" || claims.AccountID != "acct-1" || claims.UserID != "user-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, err := NewIssuer("secret-a", time.Hour).Issue("term-1", "acct-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = NewIssuer("secret-b", time.Hour).Verify(token)
	if err == nil {
		t.Fatalf("token signed with another secret verified")
	}
	if errs.CodeOf(err) != errs.CodeAuth {
		t.Fatalf("code = %s, want auth", errs.CodeOf(err))
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := NewIssuer("test-secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := issuer.Issue("term-1", "acct-1", "user-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	verifier := NewIssuer("test-secret", time.Minute)
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expired token verified")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := NewIssuer("test-secret", time.Hour).Verify("not.a.token"); err == nil {
		t.Fatalf("garbage token verified")
	}
}
