// Package apierror turns service errors into the JSON error payload shared
// by every HTTP service.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation"

	"booknetwork/internal/util"
	"booknetwork/pkg/domain"
)

// Code is a stable business error code.
type Code int

const (
	NoCode                   Code = 0
	AccountLocked            Code = 302
	AccountDisabled          Code = 303
	BadCredentials           Code = 304
	ActivationInvalid        Code = 305
	ActivationExpired        Code = 306
	ActivationConsumed       Code = 307
	Unauthorized             Code = 308
	OperationNotPermitted    Code = 310
	DuplicateLoan            Code = 311
	NoActiveLoan             Code = 312
	ReturnNotYetRequested    Code = 313
	NotFound                 Code = 314
	EmailAlreadyExists       Code = 315
	DeliveryFailed           Code = 316
	RateLimited              Code = 317
	ValidationFailed         Code = 400
	UnsupportedMedia         Code = 415
	InternalError            Code = 500
)

const genericInternalMessage = "Internal error, please contact the admin"

var (
	// ErrMalformedBody marks a request body that is not valid JSON.
	ErrMalformedBody = errors.New("malformed request body")
	ErrRateLimited   = errors.New("too many requests")
	// ErrUnsupportedMedia marks an upload of a rejected content type.
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// ExceptionResponse is the error body returned to clients.
type ExceptionResponse struct {
	BusinessErrorCode        Code              `json:"businessErrorCode,omitempty"`
	BusinessErrorDescription string            `json:"businessErrorDescription,omitempty"`
	Error                    string            `json:"error,omitempty"`
	ValidationErrors         []string          `json:"validationErrors,omitempty"`
	Errors                   map[string]string `json:"errors,omitempty"`
}

type described struct {
	err  error
	desc string
}

func (d described) Error() string { return d.err.Error() }
func (d described) Unwrap() error { return d.err }

// WithDescription overrides the client-facing description of err.
func WithDescription(err error, desc string) error {
	return described{err: err, desc: desc}
}

type rule struct {
	target error
	status int
	code   Code
	desc   string
}

// Order matters: the first matching rule wins.
var rules = []rule{
	{domain.ErrAccountLocked, http.StatusUnauthorized, AccountLocked, "User account is locked"},
	{domain.ErrAccountDisabled, http.StatusUnauthorized, AccountDisabled, "User account is disabled"},
	{domain.ErrBadCredentials, http.StatusUnauthorized, BadCredentials, "Login and / or password is incorrect"},
	{domain.ErrActivationNotFound, http.StatusUnauthorized, ActivationInvalid, "Invalid activation code"},
	{domain.ErrActivationExpired, http.StatusUnauthorized, ActivationExpired, "Activation code has expired"},
	{domain.ErrActivationConsumed, http.StatusUnauthorized, ActivationConsumed, "Activation code was already used"},
	{domain.ErrSessionExpired, http.StatusUnauthorized, Unauthorized, "Session expired, please sign in again"},
	{domain.ErrSessionInvalid, http.StatusUnauthorized, Unauthorized, "Unauthorized"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, Unauthorized, "Unauthorized"},
	{domain.ErrOperationNotPermitted, http.StatusBadRequest, OperationNotPermitted, ""},
	{domain.ErrDuplicateLoan, http.StatusBadRequest, DuplicateLoan, "The requested book is already borrowed"},
	{domain.ErrNoActiveLoan, http.StatusBadRequest, NoActiveLoan, "You did not borrow this book"},
	{domain.ErrReturnNotYetRequested, http.StatusBadRequest, ReturnNotYetRequested, "The book is not returned yet"},
	{domain.ErrNotFound, http.StatusNotFound, NotFound, ""},
	{domain.ErrEmailAlreadyExists, http.StatusBadRequest, EmailAlreadyExists, "Email is already registered"},
	{domain.ErrDelivery, http.StatusServiceUnavailable, DeliveryFailed, "Activation email could not be sent, request a new code"},
	{ErrRateLimited, http.StatusTooManyRequests, RateLimited, "Too many requests"},
	{ErrMalformedBody, http.StatusBadRequest, ValidationFailed, "Malformed request body"},
	{ErrUnsupportedMedia, http.StatusUnsupportedMediaType, UnsupportedMedia, ""},
	{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, ValidationFailed, "Payload too large"},
}

// Classify maps err to an HTTP status and response body. Unknown errors
// yield 500 with a generic description; their text never reaches the body.
func Classify(err error) (int, ExceptionResponse) {
	var override described
	hasOverride := errors.As(err, &override)

	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		return http.StatusBadRequest, validationResponse(fieldErrs)
	}
	var internal validation.InternalError
	if errors.As(err, &internal) {
		return http.StatusInternalServerError, ExceptionResponse{
			BusinessErrorCode:        InternalError,
			BusinessErrorDescription: genericInternalMessage,
		}
	}

	for _, r := range rules {
		if !errors.Is(err, r.target) {
			continue
		}
		desc := r.desc
		if desc == "" {
			desc = publicMessage(err, r.target)
		}
		if hasOverride {
			desc = override.desc
		}
		return r.status, ExceptionResponse{
			BusinessErrorCode:        r.code,
			BusinessErrorDescription: desc,
			Error:                    publicMessage(err, r.target),
		}
	}
	return http.StatusInternalServerError, ExceptionResponse{
		BusinessErrorCode:        InternalError,
		BusinessErrorDescription: genericInternalMessage,
	}
}

// Write classifies err, logs server-side failures with the request id and
// writes the JSON body.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	status, body := Classify(err)
	logger := util.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", "status", status, "path", r.URL.Path, "err", err)
	} else {
		logger.Debug("request_rejected", "status", status, "path", r.URL.Path, "err", err)
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// publicMessage returns the message of the matched sentinel, or of the
// wrapping chain when it is built only from sentinels the caller may see.
func publicMessage(err, target error) string {
	if target == domain.ErrNotFound || target == domain.ErrOperationNotPermitted {
		for _, known := range []error{
			domain.ErrBookNotFound, domain.ErrUserNotFound, domain.ErrFeedbackNotFound,
			domain.ErrBookUnavailable, domain.ErrOwnBook, domain.ErrNotBookOwner, domain.ErrOwnBookFeedback,
		} {
			if errors.Is(err, known) {
				return known.Error()
			}
		}
	}
	return target.Error()
}

func validationResponse(errs validation.Errors) ExceptionResponse {
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	resp := ExceptionResponse{
		BusinessErrorCode:        ValidationFailed,
		BusinessErrorDescription: "Validation failed",
		Errors:                   make(map[string]string, len(errs)),
	}
	for _, field := range fields {
		msg := errs[field].Error()
		resp.Errors[field] = msg
		resp.ValidationErrors = append(resp.ValidationErrors, fmt.Sprintf("%s: %s", field, msg))
	}
	return resp
}
