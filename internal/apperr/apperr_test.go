package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusFollowsWrappedSentinel(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad token", ErrAuthentication), http.StatusUnauthorized},
		{fmt.Errorf("%w: not a member", ErrAuthorization), http.StatusForbidden},
		{fmt.Errorf("%w: status", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("task t1: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: commit", ErrDurability), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrAuthentication, ErrAuthorization, ErrValidation, ErrNotFound, ErrDurability, ErrTimeout} {
		got := FromCode(Code(sentinel))
		if !errors.Is(got, sentinel) {
			t.Fatalf("FromCode(Code(%v)) = %v", sentinel, got)
		}
	}
	if FromCode("nope") != nil {
		t.Fatalf("FromCode(unknown) should be nil")
	}
}
