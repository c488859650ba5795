package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gymcrm.org/internal/auth"
)

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid username or password"},
		{auth.ErrAccountDisabled, http.StatusUnauthorized, "Account is disabled"},
		{auth.ErrAccountLocked, http.StatusUnauthorized, "Account is locked"},
		{auth.ErrCredentialsExpired, http.StatusUnauthorized, "Password has expired"},
		{auth.ErrTokenExpired, http.StatusUnauthorized, "Token has expired. Please log in again"},
		{auth.ErrUnauthorized, http.StatusUnauthorized, "Please authorize first"},
		{auth.ErrForbidden, http.StatusForbidden, "Access denied"},
		{auth.ErrNotFound, http.StatusNotFound, "Resource not found"},
		{auth.ErrConflict, http.StatusConflict, "Resource already exists"},
		{auth.ErrTooManyRequests, http.StatusTooManyRequests, "Too many requests. Please try again later."},
		{auth.Errorf(auth.ErrDomainViolation, "nope"), http.StatusBadRequest, "nope"},
		{fmt.Errorf("wrap: %w", auth.ErrInvalidInput), http.StatusBadRequest, "Invalid request"},
		{errors.New("db exploded"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.status {
			t.Fatalf("%v: status want %d, got %d", tc.err, tc.status, got)
		}
		if got := messageFor(tc.err); got != tc.msg {
			t.Fatalf("%v: message want %q, got %q", tc.err, tc.msg, got)
		}
	}
}

func TestRespondErrorWritesChallengeAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	respondError(rr, httptest.NewRequest(http.MethodGet, "/", nil), auth.ErrTokenExpired)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got != `Bearer error="invalid_token"` {
		t.Fatalf("unexpected challenge: %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["success"] != false {
		t.Fatalf("expected success=false, got %v", body)
	}
	if v, ok := body["data"]; !ok || v != nil {
		t.Fatalf("expected data:null, got %v", body)
	}
}

func TestRespondNullMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	respond(rr, http.StatusOK, "", map[string]int{"n": 1})
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if v, ok := body["message"]; !ok || v != nil {
		t.Fatalf("expected message:null, got %v", body)
	}
	if body["success"] != true {
		t.Fatalf("expected success=true, got %v", body)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := map[time.Duration]string{
		5 * time.Minute:         "5 minutes",
		time.Minute:             "1 minute",
		2 * time.Hour:           "2 hours",
		90 * time.Second:        "90 seconds",
		1500 * time.Millisecond: "1.5s",
	}
	for d, want := range cases {
		if got := humanDuration(d); got != want {
			t.Fatalf("%s: want %q, got %q", d, want, got)
		}
	}
}
