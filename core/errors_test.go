package core

import (
	"errors"
	"testing"
)

func TestNewErrorAndIsKind(t *testing.T) {
	err := NewError(KindNotFound, "block not found")
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected IsKind to match the constructed error's kind")
	}
	if IsKind(err, KindInvalidSignature) {
		t.Fatalf("IsKind should not match an unrelated kind")
	}
	if IsKind(errors.New("plain error"), KindNotFound) {
		t.Fatalf("IsKind should return false for a non-*Error")
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := WrapError(KindWriteFailed, "write batch", cause)
	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if wrapped.Error() == "" {
		t.Fatalf("Error() should not be empty")
	}
}
