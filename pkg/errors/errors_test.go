package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/saveenergy/quicperf/pkg/types"
)

func TestIsContextError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped in ProbeError", ErrCancelled(context.Canceled), true},
		{"wrapped by fmt", fmt.Errorf("connect: %w", ErrCancelled(context.DeadlineExceeded)), true},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsContextError(tc.err); got != tc.want {
				t.Fatalf("IsContextError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("session: %w", ErrAlreadyStarted(types.KindStream))
	if !IsCode(err, ErrCodeAlreadyStarted) {
		t.Fatalf("IsCode(%v, %q) = false", err, ErrCodeAlreadyStarted)
	}
	if IsCode(err, ErrCodeClosed) {
		t.Fatalf("IsCode(%v, %q) = true", err, ErrCodeClosed)
	}
	if IsCode(errors.New("plain"), ErrCodeClosed) {
		t.Fatal("plain error matched a code")
	}
}
