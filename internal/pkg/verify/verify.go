package verify

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lumoscan/lumoscan/internal/pkg/env"
)

// EnforcementMode controls how attestation failures are handled.
type EnforcementMode string

const (
	ModeStrict   EnforcementMode = "strict"
	ModeSoft     EnforcementMode = "soft"
	ModeDisabled EnforcementMode = "disabled"
)

var ErrAttestationFailed = errors.New("device attestation failed")

// Result is the outcome of an attestation check.
type Result struct {
	OK     bool
	Reason string
}

// Attestor validates a device attestation token submitted with a request.
type Attestor interface {
	Verify(ctx context.Context, token string) (Result, error)
}

// Checker applies an enforcement mode on top of an attestor. In soft mode
// failures are logged and allowed through; in disabled mode the attestor is
// never called.
type Checker struct {
	attestor Attestor
	mode     EnforcementMode
}

func NewChecker(attestor Attestor, mode EnforcementMode) *Checker {
	switch mode {
	case ModeStrict, ModeSoft, ModeDisabled:
	default:
		mode = ModeSoft
	}
	return &Checker{attestor: attestor, mode: mode}
}

// ModeFromEnv reads the enforcement mode from ATTESTATION_MODE.
func ModeFromEnv() EnforcementMode {
	return EnforcementMode(strings.ToLower(env.GetEnv("ATTESTATION_MODE", string(ModeSoft))))
}

// Check verifies the token under the configured mode.
func (c *Checker) Check(ctx context.Context, userID uint, token string) error {
	if c.mode == ModeDisabled || c.attestor == nil {
		return nil
	}

	result, err := c.attestor.Verify(ctx, token)
	if err != nil {
		// Verifier outage: fail open in soft mode only.
		if c.mode == ModeStrict {
			return err
		}
		log.Warnf("[Verify] Attestation check errored for user %d, allowing: %v", userID, err)
		return nil
	}

	if result.OK {
		return nil
	}
	if c.mode == ModeStrict {
		return ErrAttestationFailed
	}
	log.Warnf("[Verify] Attestation failed for user %d (%s), allowing in soft mode", userID, result.Reason)
	return nil
}

// Mode returns the active enforcement mode.
func (c *Checker) Mode() EnforcementMode {
	return c.mode
}
