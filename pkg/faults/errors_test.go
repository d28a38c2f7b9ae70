package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchesByCategory(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("room r1: %w", Send("not connected", nil))
	if !errors.Is(err, ErrSend) {
		t.Fatal("expected wrapped send error to match ErrSend")
	}
	if errors.Is(err, ErrResponder) {
		t.Fatal("send error must not match ErrResponder")
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	t.Parallel()

	err := Responder("call timed out", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected responder error to unwrap to its cause")
	}
	if got, want := err.Error(), "responder: call timed out: context deadline exceeded"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestCategoryFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: ""},
		{name: "exhausted", err: ConnectionExhausted(5, nil), want: CategoryConnectionExhausted},
		{name: "wrapped malformed", err: fmt.Errorf("decode: %w", MalformedEvent("bad json", nil)), want: CategoryMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryFromError(tt.err); got != tt.want {
				t.Fatalf("CategoryFromError = %q, want %q", got, tt.want)
			}
		})
	}
}
