package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	t.Setenv("PSYCHAT_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("alice", []string{"User", "user", " "}, time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q, want alice", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "user" {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("PSYCHAT_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	for _, token := range []string{"", "  ", "not-a-jwt", "a.b.c"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("token %q accepted", token)
		}
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv("PSYCHAT_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("alice", []string{"user"}, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("PSYCHAT_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("alice", nil, time.Millisecond)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), " alice ", []string{"User"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "alice" {
		t.Fatalf("user id = %q ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != "user" {
		t.Fatalf("roles = %v", roles)
	}

	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a user")
	}
}
