package auth

import (
	"testing"

	"anonchat-service/internal/config"
)

func init() {
	config.GlobalConfig = &config.Config{
		JWT: config.JWTConfig{Secret: "test-secret", Expire: 1},
	}
}

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(42)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := ParseUserToken(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.SubjectID != 42 || claims.Scope != ScopeUser {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenScopeSeparation(t *testing.T) {
	userToken, err := GenerateToken(1)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	adminToken, err := GenerateAdminToken(1)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := ParseAdminToken(userToken); err != ErrWrongScope {
		t.Fatalf("expected ErrWrongScope, got %v", err)
	}
	if _, err := ParseUserToken(adminToken); err != ErrWrongScope {
		t.Fatalf("expected ErrWrongScope, got %v", err)
	}
}

func TestParseGarbageToken(t *testing.T) {
	if _, err := ParseUserToken("not-a-token"); err == nil {
		t.Fatal("expected parse error")
	}
}
