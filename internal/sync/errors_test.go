package sync

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindTokenInvalid, "delta.fetch", "remote returned 410")
	if !IsKind(err, KindTokenInvalid) {
		t.Errorf("IsKind = false for own kind")
	}
	if IsKind(err, KindTransient) {
		t.Errorf("IsKind matched the wrong kind")
	}
	if KindOf(err) != KindTokenInvalid {
		t.Errorf("KindOf = %q", KindOf(err))
	}
}

func TestKindOf_UnkindedError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors should report an empty kind")
	}
	if KindOf(nil) != "" {
		t.Error("nil should report an empty kind")
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	inner := Errorf(KindNotAuthenticated, "creds.token", "no credential")
	outer := fmt.Errorf("starting job: %w", inner)
	if KindOf(outer) != KindNotAuthenticated {
		t.Errorf("KindOf through fmt wrap = %q", KindOf(outer))
	}
}

func TestWrapErr(t *testing.T) {
	if WrapErr(KindTransient, "op", nil) != nil {
		t.Error("wrapping nil should stay nil")
	}

	cause := errors.New("connection reset")
	err := WrapErr(KindTransient, "gateway.fetch", cause)
	if !errors.Is(err, cause) {
		t.Error("cause should survive unwrapping")
	}
	if !Retryable(err) {
		t.Error("transient errors are retryable")
	}
	if Retryable(Errorf(KindValidation, "op", "bad input")) {
		t.Error("validation errors are not retryable")
	}
}
