// Package access holds the authorization predicates for books and loans.
// They are pure functions of the acting user id and the resource; callers
// turn a false result into a business error.
package access

import (
	"strings"

	"booknetwork/pkg/domain"
)

// IsOwner reports whether userID owns book.
func IsOwner(userID string, book domain.Book) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && userID == book.OwnerID
}

// Available reports whether a book takes part in lending at all.
func Available(book domain.Book) bool {
	return !book.Archived && book.Shareable
}

// CanBorrow allows anyone but the owner to borrow an available book.
func CanBorrow(userID string, book domain.Book) bool {
	return Available(book) && !IsOwner(userID, book)
}

// CanApproveReturn lets only the owner confirm a returned book.
func CanApproveReturn(userID string, book domain.Book) bool {
	return IsOwner(userID, book)
}

// CanManage gates owner-only edits: toggles and cover upload.
func CanManage(userID string, book domain.Book) bool {
	return IsOwner(userID, book)
}

// CanGiveFeedback allows anyone but the owner to rate an available book.
func CanGiveFeedback(userID string, book domain.Book) bool {
	return CanBorrow(userID, book)
}

// BorrowDenial explains why CanBorrow is false. It returns nil when borrowing
// is allowed.
func BorrowDenial(userID string, book domain.Book) error {
	switch {
	case !Available(book):
		return domain.ErrBookUnavailable
	case IsOwner(userID, book):
		return domain.ErrOwnBook
	default:
		return nil
	}
}

// FeedbackDenial explains why CanGiveFeedback is false. It returns nil when
// feedback is allowed.
func FeedbackDenial(userID string, book domain.Book) error {
	switch {
	case !Available(book):
		return domain.ErrBookUnavailable
	case IsOwner(userID, book):
		return domain.ErrOwnBookFeedback
	default:
		return nil
	}
}
