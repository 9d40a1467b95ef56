package apperr

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := New(ErrIO, "engine: read", "shopping", "shopping.md", os.ErrPermission)

	if !errors.Is(err, ErrIO) {
		t.Error("expected errors.Is(err, ErrIO)")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("expected errors.Is(err, os.ErrPermission)")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected match for ErrNotFound")
	}

	msg := err.Error()
	for _, want := range []string{"engine: read", "i/o error", "id=shopping", "path=shopping.md", "permission denied"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := New(ErrNotFound, "", "x", "", nil)
	if err.Error() != "not found id=x" {
		t.Errorf("message = %q", err.Error())
	}
	var target *Error
	if !errors.As(error(err), &target) || target.ID != "x" {
		t.Errorf("errors.As failed: %+v", target)
	}
}
