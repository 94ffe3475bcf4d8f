package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"auth", New(CodeAuthenticationFailed, ""), http.StatusForbidden},
		{"validation", New(CodeValidationFailed, "", WithFields("pass")), http.StatusBadRequest},
		{"payload", Wrap(CodePayloadDecodeFailed, stdErrors.New("bad json"), ""), http.StatusBadRequest},
		{"slot", New(CodeSlotResolutionFailed, ""), http.StatusBadRequest},
		{"upstream", New(CodeUpstreamFailed, ""), http.StatusInternalServerError},
		{"wrapped upstream", fmt.Errorf("hop 1: %w", New(CodeUpstreamFailed, "")), http.StatusInternalServerError},
		{"plain", stdErrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatusOf(tc.err); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestFieldsKeepOrder(t *testing.T) {
	err := New(CodeValidationFailed, "", WithFields("pass", "database"), WithFields("files"))
	got := err.Fields()
	want := []string{"pass", "database", "files"}
	if len(got) != len(want) {
		t.Fatalf("unexpected fields: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected fields: %v", got)
		}
	}
	got[0] = "mutated"
	if err.Fields()[0] != "pass" {
		t.Fatalf("fields must be copied on read")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("relay: %w", Wrap(CodeUpstreamFailed, cause, "document agent unreachable"))
	if !stdErrors.Is(err, New(CodeUpstreamFailed, "")) {
		t.Fatalf("expected code match through wrapping")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if HasCode(err, CodeValidationFailed) {
		t.Fatalf("unexpected code match")
	}
	if !RetryableError(err) {
		t.Fatalf("upstream failures are retryable by default")
	}
}
