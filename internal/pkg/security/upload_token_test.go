package security

import (
	"strings"
	"testing"
	"time"
)

func TestUploadTokenRoundTrip(t *testing.T) {
	token, err := GenerateUploadToken(7, "session-1", 25<<20, time.Minute, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := VerifyUploadToken(token, "secret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 7 || claims.SessionUUID != "session-1" || claims.MaxBytes != 25<<20 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestUploadTokenWrongSecret(t *testing.T) {
	token, err := GenerateUploadToken(7, "session-1", 1024, time.Minute, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := VerifyUploadToken(token, "other"); err == nil {
		t.Fatal("expected signature rejection")
	}
}

func TestUploadTokenExpired(t *testing.T) {
	token, err := GenerateUploadToken(7, "session-1", 1024, -time.Minute, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := VerifyUploadToken(token, "secret"); err == nil {
		t.Fatal("expected expired token rejection")
	}
}

func TestUploadTokenTampered(t *testing.T) {
	token, err := GenerateUploadToken(7, "session-1", 1024, time.Minute, "secret")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.SplitN(token, ".", 2)
	tampered := parts[0] + "x." + parts[1]
	if _, err := VerifyUploadToken(tampered, "secret"); err == nil {
		t.Fatal("expected tampered token rejection")
	}
	if _, err := VerifyUploadToken("not-a-token", "secret"); err == nil {
		t.Fatal("expected malformed token rejection")
	}
}

func TestUploadTokenRequiresSecret(t *testing.T) {
	if _, err := GenerateUploadToken(7, "session-1", 1024, time.Minute, ""); err == nil {
		t.Fatal("expected error without secret")
	}
	if _, err := VerifyUploadToken("a.b", ""); err == nil {
		t.Fatal("expected error without secret")
	}
}
