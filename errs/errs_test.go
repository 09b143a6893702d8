package errs

import (
	"errors"
	"testing"
)

func TestWrapAndKindOf(t *testing.T) {
	base := errors.New("boom")
	w := Wrap(KindStorage, base)
	if KindOf(w) != KindStorage {
		t.Fatalf("KindOf = %v, want %v", KindOf(w), KindStorage)
	}
	if !errors.Is(w, w) {
		t.Fatalf("expected errors.Is to hold for identical wrapped error")
	}
	if !errors.Is(errors.Unwrap(w), base) {
		t.Fatalf("expected Unwrap to expose base error")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(KindStorage, nil) != nil {
		t.Fatalf("Wrap(_, nil) should be nil")
	}
}

func TestKindOfUnwrapped(t *testing.T) {
	if KindOf(ErrCacheMiss) != KindUnknown {
		t.Fatalf("expected KindUnknown for a plain sentinel error")
	}
}
