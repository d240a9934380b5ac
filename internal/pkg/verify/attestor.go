package verify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TokenClaims is the payload of a signed device attestation token.
type TokenClaims struct {
	DeviceID  string `json:"device_id"`
	Platform  string `json:"platform"`
	ExpiresAt int64  `json:"exp"`
}

// TokenAttestor verifies HMAC-signed device tokens issued by the mobile
// client backend handshake.
type TokenAttestor struct {
	secret string
}

func NewTokenAttestor(secret string) *TokenAttestor {
	return &TokenAttestor{secret: secret}
}

// Verify checks the token signature and expiry. A malformed or expired
// token is a failed attestation, not an error; errors are reserved for
// configuration problems.
func (a *TokenAttestor) Verify(_ context.Context, token string) (Result, error) {
	if a.secret == "" {
		return Result{}, errors.New("attestation secret not configured")
	}

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Result{OK: false, Reason: "malformed token"}, nil
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Result{OK: false, Reason: "invalid payload encoding"}, nil
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Result{OK: false, Reason: "invalid signature encoding"}, nil
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(payloadBytes)
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return Result{OK: false, Reason: "invalid signature"}, nil
	}

	var claims TokenClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Result{OK: false, Reason: "invalid payload"}, nil
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return Result{OK: false, Reason: "token expired"}, nil
	}
	return Result{OK: true}, nil
}
