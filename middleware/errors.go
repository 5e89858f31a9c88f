package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrEthical07/courseauth"
)

// Response bodies. The 401 bodies never distinguish an expired token from a
// revoked session.
const (
	MsgCredentialRequired = "credential required"
	MsgInvalidCredential  = "invalid or expired credential"
	MsgInvalidLogin       = "invalid credentials"
	MsgForbidden          = "insufficient permissions"
	MsgRateLimited        = "too many requests"
	MsgBadRequest         = "invalid request"
	MsgInternal           = "internal error"
)

// StatusFor maps an engine error to its HTTP status and response message.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, courseauth.ErrCredentialMissing):
		return http.StatusUnauthorized, MsgCredentialRequired
	case errors.Is(err, courseauth.ErrInvalidCredentials):
		return http.StatusUnauthorized, MsgInvalidLogin
	case courseauth.IsUnauthenticated(err):
		return http.StatusUnauthorized, MsgInvalidCredential
	case courseauth.IsForbidden(err):
		return http.StatusForbidden, MsgForbidden
	case errors.Is(err, courseauth.ErrRateLimited):
		return http.StatusTooManyRequests, MsgRateLimited
	case errors.Is(err, courseauth.ErrInvalidRequest),
		errors.Is(err, courseauth.ErrPasswordPolicy),
		errors.Is(err, courseauth.ErrPasswordReuse):
		return http.StatusBadRequest, MsgBadRequest
	default:
		return http.StatusInternalServerError, MsgInternal
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes the JSON error response StatusFor selects for err.
// A RateLimitError also sets Retry-After in whole seconds.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := StatusFor(err)
	var limited *courseauth.RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
	}
	WriteJSON(w, status, errorBody{Error: msg})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
