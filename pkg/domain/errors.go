package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrBookNotFound     = fmt.Errorf("book %w", ErrNotFound)
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
	ErrFeedbackNotFound = fmt.Errorf("feedback %w", ErrNotFound)
)

// Business rule violations. Every specific reason wraps ErrOperationNotPermitted.
var (
	ErrOperationNotPermitted = errors.New("operation not permitted")
	ErrBookUnavailable       = fmt.Errorf("%w: book is archived or not shareable", ErrOperationNotPermitted)
	ErrOwnBook               = fmt.Errorf("%w: you cannot borrow or return your own book", ErrOperationNotPermitted)
	ErrNotBookOwner          = fmt.Errorf("%w: only the book owner may do this", ErrOperationNotPermitted)
	ErrOwnBookFeedback       = fmt.Errorf("%w: you cannot give feedback on your own book", ErrOperationNotPermitted)
)

// Lending sequence violations.
var (
	ErrDuplicateLoan         = errors.New("book is already borrowed by this user")
	ErrNoActiveLoan          = errors.New("you did not borrow this book")
	ErrReturnNotYetRequested = errors.New("book has not been returned yet")
)

// Credential and account errors.
var (
	ErrActivationNotFound = errors.New("invalid activation code")
	ErrActivationExpired  = errors.New("activation code has expired")
	ErrActivationConsumed = errors.New("activation code already used")

	ErrSessionInvalid = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session token expired")

	ErrBadCredentials  = errors.New("login and / or password is incorrect")
	ErrAccountDisabled = errors.New("user account is disabled")
	ErrAccountLocked   = errors.New("user account is locked")
	ErrUnauthorized    = errors.New("unauthorized")
)

var (
	ErrEmailAlreadyExists = errors.New("email already registered")
	// ErrDelivery marks a failure to hand a message to the mail pipeline.
	ErrDelivery = errors.New("mail delivery failed")
)
