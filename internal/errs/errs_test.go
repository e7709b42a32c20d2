package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Validation("uuid", fmt.Errorf("data: %w", ErrMissingField))
	wrapped := fmt.Errorf("dispatch: %w", base)

	if !Is(wrapped, KindValidation) {
		t.Fatalf("expected validation kind, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrMissingField) {
		t.Fatalf("expected sentinel to be reachable through the chain")
	}
}

func TestNewNilIsNil(t *testing.T) {
	if err := Store("all", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors must not be classified")
	}
	if Is(nil, KindUnknown) {
		t.Fatal("nil error has no kind")
	}
}

func TestErrorString(t *testing.T) {
	err := Transport("socket read", errors.New("reset by peer"))
	if got, want := err.Error(), "transport socket read: reset by peer"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
