package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("INVITEGATE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("op-1", []string{"Admin", "viewer", "admin"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "op-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	var admin bool
	for _, role := range claims.Roles {
		if strings.EqualFold(role, "admin") {
			admin = true
		}
	}
	if !admin {
		t.Fatalf("expected admin role, got %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	t.Setenv("INVITEGATE_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("op-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseAndValidate(token + "x"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv("INVITEGATE_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("op-1", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestOperatorContextRoundTrip(t *testing.T) {
	ctx := ContextWithOperator(context.Background(), " op-9 ", []string{"Admin"})
	id, ok := OperatorIDFromContext(ctx)
	if !ok || id != "op-9" {
		t.Fatalf("operator id not preserved: %q %v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("roles not normalized: %v", roles)
	}
}
