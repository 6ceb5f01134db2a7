package store

import (
	"context"
	"time"

	"booknetwork/pkg/domain"
)

// UserStore persists accounts.
type UserStore interface {
	// CreateUser inserts a new account; a taken email yields domain.ErrEmailAlreadyExists.
	CreateUser(ctx context.Context, u domain.User) error
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
}

// ActivationStore persists activation codes. Consume and Supersede are
// conditional updates: they report false when another caller got there first.
type ActivationStore interface {
	CreateActivationToken(ctx context.Context, t domain.ActivationToken) error
	// GetActivationToken returns the most recently issued token carrying code.
	GetActivationToken(ctx context.Context, code string) (domain.ActivationToken, bool, error)
	// HasOpenActivationCode reports whether any unconsumed, unsuperseded
	// token carries code, expired or not.
	HasOpenActivationCode(ctx context.Context, code string) (bool, error)
	// ConsumeActivationToken stamps validatedAt and enables the owning user
	// in one transaction.
	ConsumeActivationToken(ctx context.Context, tokenID string, at time.Time) (bool, error)
	SupersedeActivationToken(ctx context.Context, tokenID string, at time.Time) (bool, error)
	// ReplaceUserActivationTokens supersedes every open token of t's user and
	// stores t, all or nothing.
	ReplaceUserActivationTokens(ctx context.Context, t domain.ActivationToken, at time.Time) error
}

type BookStore interface {
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	// ListDisplayableBooks lists shareable, unarchived books not owned by viewerID.
	ListDisplayableBooks(ctx context.Context, viewerID string, page domain.PageRequest) (domain.Page[domain.Book], error)
	ListBooksByOwner(ctx context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.Book], error)
}

// LoanStore persists loan records. At most one loan per (book, borrower) may
// have returnApproved=false; CreateLoan reports a conflict as
// domain.ErrDuplicateLoan.
type LoanStore interface {
	CreateLoan(ctx context.Context, l domain.Loan) error
	FindActiveLoan(ctx context.Context, bookID, borrowerID string) (domain.Loan, bool, error)
	// MarkReturned flips returned on the borrower's open, unreturned loan.
	MarkReturned(ctx context.Context, bookID, borrowerID string, at time.Time) (domain.Loan, bool, error)
	// ApproveReturn approves the oldest returned, unapproved loan of a book.
	ApproveReturn(ctx context.Context, bookID string, at time.Time) (domain.Loan, bool, error)
	ListLoansByBorrower(ctx context.Context, borrowerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error)
	ListLoansByOwner(ctx context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error)
}

type FeedbackStore interface {
	SaveFeedback(ctx context.Context, f domain.Feedback) error
	ListFeedbackByBook(ctx context.Context, bookID string, page domain.PageRequest) (domain.Page[domain.Feedback], error)
	BookRate(ctx context.Context, bookID string) (float64, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	UserStore
	ActivationStore
	BookStore
	LoanStore
	FeedbackStore
}

// SessionStore issues and verifies session credentials.
type SessionStore interface {
	NewSession(claims domain.SessionClaims) (string, error)
	// Verify returns domain.ErrSessionExpired past expiry and
	// domain.ErrSessionInvalid for any other failure.
	Verify(token string) (domain.SessionClaims, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
