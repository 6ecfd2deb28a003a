package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWalksWrappedChain(t *testing.T) {
	inner := New(KindConflict, "already accepted")
	outer := fmt.Errorf("accept offer: %w", inner)
	if KindOf(outer) != KindConflict {
		t.Errorf("kind lost through wrapping: %v", KindOf(outer))
	}
	if !IsConflict(outer) {
		t.Error("IsConflict should see through fmt.Errorf wrapping")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("unclassified errors should report KindUnknown")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindInternal, "save ride", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(KindValidation, "bad input"), http.StatusBadRequest},
		{New(KindAuthorization, "not yours"), http.StatusForbidden},
		{New(KindConflict, "already accepted"), http.StatusConflict},
		{New(KindNotFound, "missing"), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
		{Wrap(KindInternal, "db", errors.New("boom")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.err); got != c.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
