package apperr

import (
	"context"
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, "ok"},
		{"not found", ErrNotFound, "not_found"},
		{"wrapped conflict", Wrap(ErrConflict, "balance changed for %s", "u1"), "conflict"},
		{"insufficient funds", ErrInsufficientFunds, "insufficient_funds"},
		{"bad request", Wrap(ErrBadRequest, "amount is zero"), "bad_request"},
		{"forbidden", ErrForbidden, "forbidden"},
		{"unauthorized", ErrUnauthorized, "unauthorized"},
		{"storage", Storage("get", errors.New("connection reset")), "storage_unavailable"},
		{"deadline", context.DeadlineExceeded, "storage_unavailable"},
		{"other", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestStorage(t *testing.T) {
	if Storage("op", nil) != nil {
		t.Error("Storage(nil) should be nil")
	}

	conflict := Wrap(ErrConflict, "lost race")
	if got := Storage("op", conflict); got != conflict {
		t.Errorf("expected kinds must pass through unchanged, got %v", got)
	}

	wrapped := Storage("query", errors.New("dial tcp: refused"))
	if !IsStorageUnavailable(wrapped) {
		t.Errorf("expected storage unavailable, got %v", wrapped)
	}
	if IsExpected(wrapped) {
		t.Error("storage failures must not be classified as expected")
	}
}

func TestWrap_PreservesKind(t *testing.T) {
	err := Wrap(ErrInsufficientFunds, "balance %s", "10.00")
	if !IsInsufficientFunds(err) {
		t.Fatalf("errors.Is lost the kind: %v", err)
	}
	if err.Error() != "insufficient funds: balance 10.00" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
