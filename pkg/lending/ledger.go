// Package lending runs the borrow, return and approval cycle for a
// (book, borrower) pair. Every out-of-order call fails with a named error
// from pkg/domain.
package lending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"booknetwork/internal/util"
	"booknetwork/pkg/access"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	store.BookStore
	store.LoanStore
}

// Ledger applies lending transitions.
type Ledger struct {
	store Store
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger builds a ledger over s.
func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: s,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Borrow opens a loan of bookID for borrowerID.
func (l *Ledger) Borrow(ctx context.Context, bookID, borrowerID string) (domain.Loan, error) {
	book, err := l.book(ctx, bookID)
	if err != nil {
		return domain.Loan{}, err
	}
	if err := access.BorrowDenial(borrowerID, book); err != nil {
		return domain.Loan{}, err
	}
	// CreateLoan re-checks atomically; this lookup is advisory.
	if _, found, err := l.store.FindActiveLoan(ctx, book.ID, borrowerID); err != nil {
		return domain.Loan{}, fmt.Errorf("find active loan: %w", err)
	} else if found {
		return domain.Loan{}, domain.ErrDuplicateLoan
	}
	now := l.now()
	loan := domain.Loan{
		ID:         util.NewID(),
		BookID:     book.ID,
		BorrowerID: borrowerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.store.CreateLoan(ctx, loan); err != nil {
		if errors.Is(err, domain.ErrDuplicateLoan) {
			return domain.Loan{}, domain.ErrDuplicateLoan
		}
		return domain.Loan{}, fmt.Errorf("create loan: %w", err)
	}
	return loan, nil
}

// ReturnBook marks the borrower's open loan as returned.
func (l *Ledger) ReturnBook(ctx context.Context, bookID, borrowerID string) (domain.Loan, error) {
	book, err := l.book(ctx, bookID)
	if err != nil {
		return domain.Loan{}, err
	}
	if err := access.BorrowDenial(borrowerID, book); err != nil {
		return domain.Loan{}, err
	}
	loan, ok, err := l.store.MarkReturned(ctx, book.ID, borrowerID, l.now())
	if err != nil {
		return domain.Loan{}, fmt.Errorf("mark returned: %w", err)
	}
	if !ok {
		return domain.Loan{}, domain.ErrNoActiveLoan
	}
	return loan, nil
}

// ApproveReturn closes the oldest returned loan of bookID. Only the owner
// may approve.
func (l *Ledger) ApproveReturn(ctx context.Context, bookID, approverID string) (domain.Loan, error) {
	book, err := l.book(ctx, bookID)
	if err != nil {
		return domain.Loan{}, err
	}
	if !access.Available(book) {
		return domain.Loan{}, domain.ErrBookUnavailable
	}
	if !access.CanApproveReturn(approverID, book) {
		return domain.Loan{}, domain.ErrNotBookOwner
	}
	loan, ok, err := l.store.ApproveReturn(ctx, book.ID, l.now())
	if err != nil {
		return domain.Loan{}, fmt.Errorf("approve return: %w", err)
	}
	if !ok {
		return domain.Loan{}, domain.ErrReturnNotYetRequested
	}
	return loan, nil
}

// State reports where the (book, borrower) pair sits in the cycle.
func (l *Ledger) State(ctx context.Context, bookID, borrowerID string) (domain.LoanState, error) {
	loan, found, err := l.store.FindActiveLoan(ctx, bookID, borrowerID)
	if err != nil {
		return "", fmt.Errorf("find active loan: %w", err)
	}
	if !found {
		return domain.LoanNone, nil
	}
	return loan.State(), nil
}

func (l *Ledger) book(ctx context.Context, bookID string) (domain.Book, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return domain.Book{}, domain.ErrBookNotFound
	}
	book, ok, err := l.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, domain.ErrBookNotFound
	}
	return book, nil
}
