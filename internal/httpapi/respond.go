package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/obs"
)

// envelope wraps every response body.
type envelope struct {
	Success bool    `json:"success"`
	Message *string `json:"message"`
	Data    any     `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respond writes a success envelope. An empty message is encoded as null.
func respond(w http.ResponseWriter, code int, msg string, data any) {
	env := envelope{Success: true, Data: data}
	if msg != "" {
		env.Message = &msg
	}
	writeJSON(w, code, env)
}

func writeFailure(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: &msg})
}

// respondError maps err to a status and a caller-safe message. Internal
// errors are logged and reported generically.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	switch code {
	case http.StatusUnauthorized:
		challenge := "Bearer"
		if errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, auth.ErrTokenInvalid) {
			challenge = `Bearer error="invalid_token"`
		}
		w.Header().Set("WWW-Authenticate", challenge)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
	case http.StatusInternalServerError:
		obs.Logger().WithError(err).
			WithField("request_id", RequestIDFromContext(r.Context())).
			WithField("path", r.URL.Path).
			Error("request failed")
	}
	writeFailure(w, code, messageFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountDisabled),
		errors.Is(err, auth.ErrAccountLocked),
		errors.Is(err, auth.ErrCredentialsExpired),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid),
		errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrDomainViolation), errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

var defaultMessages = []struct {
	kind error
	msg  string
}{
	{auth.ErrTooManyRequests, "Too many requests. Please try again later."},
	{auth.ErrInvalidCredentials, "Invalid username or password"},
	{auth.ErrAccountDisabled, "Account is disabled"},
	{auth.ErrAccountLocked, "Account is locked"},
	{auth.ErrCredentialsExpired, "Password has expired"},
	{auth.ErrTokenExpired, "Token has expired. Please log in again"},
	{auth.ErrTokenInvalid, "Invalid token"},
	{auth.ErrUnauthorized, "Please authorize first"},
	{auth.ErrForbidden, "Access denied"},
	{auth.ErrNotFound, "Resource not found"},
	{auth.ErrDomainViolation, "Request violates a business rule"},
	{auth.ErrInvalidInput, "Invalid request"},
	{auth.ErrConflict, "Resource already exists"},
}

func messageFor(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "Internal server error"
	}
	if msg, ok := auth.PublicMessage(err); ok {
		return msg
	}
	for _, d := range defaultMessages {
		if errors.Is(err, d.kind) {
			return d.msg
		}
	}
	return "Request failed"
}

// decodeJSON reads exactly one JSON object with no unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return auth.Errorf(auth.ErrInvalidInput, "request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return auth.Errorf(auth.ErrInvalidInput, "request body too large")
		}
		return auth.Errorf(auth.ErrInvalidInput, "malformed JSON: %s", strings.TrimPrefix(err.Error(), "json: "))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return auth.Errorf(auth.ErrInvalidInput, "unexpected data after JSON body")
	}
	return nil
}

// required returns an invalid-input error naming the first blank field.
func required(fields ...[2]string) error {
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			return auth.Errorf(auth.ErrInvalidInput, "%s is required", f[0])
		}
	}
	return nil
}
