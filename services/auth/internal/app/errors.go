package app

import (
	"fmt"

	"booknetwork/pkg/domain"
)

var (
	// ErrActivationReissued is returned when an expired code was presented and
	// a replacement has been mailed.
	ErrActivationReissued = fmt.Errorf("%w: a new code has been sent", domain.ErrActivationExpired)

	// ErrAccountGone is returned when a valid session points at a user that no
	// longer exists.
	ErrAccountGone = fmt.Errorf("%w: account no longer exists", domain.ErrUnauthorized)
)
