package verify

import (
	"context"
	"errors"
	"testing"
)

type stubAttestor struct {
	result Result
	err    error
	calls  int
}

func (a *stubAttestor) Verify(_ context.Context, _ string) (Result, error) {
	a.calls++
	return a.result, a.err
}

func TestCheckStrictRejectsFailure(t *testing.T) {
	attestor := &stubAttestor{result: Result{OK: false, Reason: "emulator detected"}}
	checker := NewChecker(attestor, ModeStrict)

	if err := checker.Check(context.Background(), 1, "token"); !errors.Is(err, ErrAttestationFailed) {
		t.Fatalf("expected ErrAttestationFailed, got %v", err)
	}
}

func TestCheckSoftAllowsFailure(t *testing.T) {
	attestor := &stubAttestor{result: Result{OK: false, Reason: "emulator detected"}}
	checker := NewChecker(attestor, ModeSoft)

	if err := checker.Check(context.Background(), 1, "token"); err != nil {
		t.Fatalf("soft mode must allow, got %v", err)
	}
	if attestor.calls != 1 {
		t.Fatalf("attestor not consulted")
	}
}

func TestCheckDisabledSkipsAttestor(t *testing.T) {
	attestor := &stubAttestor{result: Result{OK: false}}
	checker := NewChecker(attestor, ModeDisabled)

	if err := checker.Check(context.Background(), 1, "token"); err != nil {
		t.Fatalf("disabled mode must allow, got %v", err)
	}
	if attestor.calls != 0 {
		t.Fatalf("attestor called in disabled mode")
	}
}

func TestCheckVerifierOutage(t *testing.T) {
	outage := errors.New("verifier unreachable")

	strict := NewChecker(&stubAttestor{err: outage}, ModeStrict)
	if err := strict.Check(context.Background(), 1, "token"); !errors.Is(err, outage) {
		t.Fatalf("strict mode must surface outage, got %v", err)
	}

	soft := NewChecker(&stubAttestor{err: outage}, ModeSoft)
	if err := soft.Check(context.Background(), 1, "token"); err != nil {
		t.Fatalf("soft mode must fail open, got %v", err)
	}
}

func TestNewCheckerUnknownModeDefaultsToSoft(t *testing.T) {
	checker := NewChecker(&stubAttestor{}, EnforcementMode("bogus"))
	if checker.Mode() != ModeSoft {
		t.Fatalf("mode = %s, want soft", checker.Mode())
	}
}

func TestCheckPassing(t *testing.T) {
	checker := NewChecker(&stubAttestor{result: Result{OK: true}}, ModeStrict)
	if err := checker.Check(context.Background(), 1, "token"); err != nil {
		t.Fatalf("passing attestation rejected: %v", err)
	}
}
