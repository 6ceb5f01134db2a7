package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation"

	"booknetwork/pkg/domain"
)

func TestClassifyBusinessErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   Code
	}{
		{domain.ErrBadCredentials, http.StatusUnauthorized, BadCredentials},
		{domain.ErrAccountDisabled, http.StatusUnauthorized, AccountDisabled},
		{domain.ErrAccountLocked, http.StatusUnauthorized, AccountLocked},
		{domain.ErrActivationExpired, http.StatusUnauthorized, ActivationExpired},
		{domain.ErrActivationConsumed, http.StatusUnauthorized, ActivationConsumed},
		{domain.ErrSessionExpired, http.StatusUnauthorized, Unauthorized},
		{domain.ErrBookUnavailable, http.StatusBadRequest, OperationNotPermitted},
		{domain.ErrOwnBook, http.StatusBadRequest, OperationNotPermitted},
		{domain.ErrDuplicateLoan, http.StatusBadRequest, DuplicateLoan},
		{domain.ErrNoActiveLoan, http.StatusBadRequest, NoActiveLoan},
		{domain.ErrReturnNotYetRequested, http.StatusBadRequest, ReturnNotYetRequested},
		{fmt.Errorf("lookup: %w", domain.ErrBookNotFound), http.StatusNotFound, NotFound},
		{ErrRateLimited, http.StatusTooManyRequests, RateLimited},
		{fmt.Errorf("%w: smtp", domain.ErrDelivery), http.StatusServiceUnavailable, DeliveryFailed},
	}
	for _, tc := range cases {
		status, body := Classify(tc.err)
		if status != tc.status || body.BusinessErrorCode != tc.code {
			t.Fatalf("Classify(%v) = %d/%d, want %d/%d", tc.err, status, body.BusinessErrorCode, tc.status, tc.code)
		}
	}
}

func TestClassifyKeepsDistinctNotPermittedMessages(t *testing.T) {
	_, own := Classify(domain.ErrOwnBook)
	_, unavailable := Classify(domain.ErrBookUnavailable)
	if own.BusinessErrorDescription == unavailable.BusinessErrorDescription {
		t.Fatalf("expected distinct descriptions, both %q", own.BusinessErrorDescription)
	}
}

func TestClassifyHidesInternalText(t *testing.T) {
	err := fmt.Errorf("query users: %w", errors.New("pq: password authentication failed for user admin"))
	status, body := Classify(err)
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), "password authentication") {
		t.Fatalf("internal error text leaked: %s", raw)
	}
	if body.BusinessErrorDescription != genericInternalMessage {
		t.Fatalf("unexpected description %q", body.BusinessErrorDescription)
	}
}

func TestClassifyValidationErrors(t *testing.T) {
	err := validation.Errors{
		"email":    errors.New("must be a valid email address"),
		"password": errors.New("cannot be blank"),
	}
	status, body := Classify(fmt.Errorf("register: %w", err))
	if status != http.StatusBadRequest || body.BusinessErrorCode != ValidationFailed {
		t.Fatalf("unexpected classification %d/%d", status, body.BusinessErrorCode)
	}
	if len(body.ValidationErrors) != 2 || body.ValidationErrors[0] != "email: must be a valid email address" {
		t.Fatalf("unexpected validation errors %v", body.ValidationErrors)
	}
	if body.Errors["password"] != "cannot be blank" {
		t.Fatalf("unexpected field errors %v", body.Errors)
	}
}

func TestWithDescriptionOverridesMessage(t *testing.T) {
	err := WithDescription(domain.ErrActivationExpired, "Activation code has expired. A new code has been sent")
	status, body := Classify(err)
	if status != http.StatusUnauthorized || body.BusinessErrorCode != ActivationExpired {
		t.Fatalf("unexpected classification %d/%d", status, body.BusinessErrorCode)
	}
	if !strings.Contains(body.BusinessErrorDescription, "new code has been sent") {
		t.Fatalf("expected override, got %q", body.BusinessErrorDescription)
	}
}

func TestWriteEncodesBody(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/books/1", nil)
	Write(rec, req, domain.ErrBookNotFound)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body ExceptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.BusinessErrorCode != NotFound || body.Error != domain.ErrBookNotFound.Error() {
		t.Fatalf("unexpected body %+v", body)
	}
}
