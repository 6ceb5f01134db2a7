package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"

	"booknetwork/internal/util"
	"booknetwork/pkg/access"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/lending"
	"booknetwork/pkg/storage"
	"booknetwork/pkg/store"
)

const (
	defaultCoverURLTTL   = 15 * time.Minute
	defaultMaxCoverBytes = 5 << 20
	sniffLen             = 512
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	Store         store.Store
	Objects       storage.ObjectStore
	Minio         storage.MinioConfig // used when Objects is nil
	CoverURLTTL   time.Duration
	MaxCoverBytes int64
	Now           func() time.Time
}

// App is the book application: catalogue, lending and feedback.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	ledger        *lending.Ledger
	coverURLTTL   time.Duration
	maxCoverBytes int64
	now           func() time.Time
}

// New constructs the application with database-backed metadata storage and
// object storage for covers.
func New(cfg Config) (*App, error) {
	var err error
	objects := cfg.Objects
	if objects == nil {
		objects, err = storage.NewMinioStore(context.Background(), cfg.Minio)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	coverURLTTL := cfg.CoverURLTTL
	if coverURLTTL <= 0 {
		coverURLTTL = defaultCoverURLTTL
	}
	maxCoverBytes := cfg.MaxCoverBytes
	if maxCoverBytes <= 0 {
		maxCoverBytes = defaultMaxCoverBytes
	}
	return &App{
		store:         dataStore,
		objects:       objects,
		ledger:        lending.NewLedger(dataStore, lending.WithClock(now)),
		coverURLTTL:   coverURLTTL,
		maxCoverBytes: maxCoverBytes,
		now:           now,
	}, nil
}

// MaxCoverBytes is the largest accepted cover upload.
func (a *App) MaxCoverBytes() int64 { return a.maxCoverBytes }

// BookRequest creates a book, or updates one when ID is set.
type BookRequest struct {
	ID         string `json:"id,omitempty"`
	Title      string `json:"title"`
	AuthorName string `json:"authorName"`
	ISBN       string `json:"isbn"`
	Synopsis   string `json:"synopsis"`
	Shareable  bool   `json:"shareable"`
}

func (r BookRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required.Error("Title is mandatory"), validation.Length(1, 255)),
		validation.Field(&r.AuthorName, validation.Required.Error("Author name is mandatory"), validation.Length(1, 255)),
		validation.Field(&r.ISBN, validation.Required.Error("ISBN is mandatory"), validation.Length(1, 32)),
		validation.Field(&r.Synopsis, validation.Required.Error("Synopsis is mandatory"), validation.Length(1, 4000)),
	)
}

// BookResponse is a book as shown to readers.
type BookResponse struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	AuthorName string  `json:"authorName"`
	ISBN       string  `json:"isbn"`
	Synopsis   string  `json:"synopsis"`
	Owner      string  `json:"owner"`
	CoverURL   string  `json:"cover,omitempty"`
	Rate       float64 `json:"rate"`
	Archived   bool    `json:"archived"`
	Shareable  bool    `json:"shareable"`
}

// BorrowedBookResponse is one loan in the borrowed or returned lists.
type BorrowedBookResponse struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	AuthorName     string  `json:"authorName"`
	ISBN           string  `json:"isbn"`
	Rate           float64 `json:"rate"`
	Returned       bool    `json:"returned"`
	ReturnApproved bool    `json:"returnApproved"`
}

// FeedbackRequest rates a book from 1 to 5.
type FeedbackRequest struct {
	BookID  string  `json:"bookId"`
	Note    float64 `json:"note"`
	Comment string  `json:"comment"`
}

func (r FeedbackRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BookID, validation.Required.Error("Book is mandatory")),
		validation.Field(&r.Note,
			validation.Required.Error("Note is mandatory"),
			validation.Min(1.0).Error("Note must be at least 1"),
			validation.Max(5.0).Error("Note must be at most 5"),
		),
		validation.Field(&r.Comment, validation.Required.Error("Comment is mandatory"), validation.Length(1, 2000)),
	)
}

// FeedbackResponse marks feedback the caller wrote themselves.
type FeedbackResponse struct {
	Note        float64 `json:"note"`
	Comment     string  `json:"comment"`
	OwnFeedback bool    `json:"ownFeedback"`
}

// SaveBook stores a new book owned by userID, or updates one the user owns.
func (a *App) SaveBook(ctx context.Context, userID string, req BookRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	now := a.now()
	book := domain.Book{
		ID:        util.NewID(),
		OwnerID:   userID,
		CreatedAt: now,
	}
	if id := strings.TrimSpace(req.ID); id != "" {
		existing, err := a.ownedBook(ctx, id, userID)
		if err != nil {
			return "", err
		}
		book = existing
	}
	book.Title = strings.TrimSpace(req.Title)
	book.AuthorName = strings.TrimSpace(req.AuthorName)
	book.ISBN = strings.TrimSpace(req.ISBN)
	book.Synopsis = strings.TrimSpace(req.Synopsis)
	book.Shareable = req.Shareable
	book.UpdatedAt = now
	if err := a.store.SaveBook(ctx, book); err != nil {
		return "", fmt.Errorf("save book: %w", err)
	}
	return book.ID, nil
}

// FindBook returns a book with its rate and a presigned cover URL.
func (a *App) FindBook(ctx context.Context, id string) (BookResponse, error) {
	book, err := a.book(ctx, id)
	if err != nil {
		return BookResponse{}, err
	}
	return a.bookResponse(ctx, book)
}

// ListDisplayableBooks lists books the user could borrow, newest first.
func (a *App) ListDisplayableBooks(ctx context.Context, userID string, page domain.PageRequest) (domain.Page[BookResponse], error) {
	books, err := a.store.ListDisplayableBooks(ctx, userID, page.Normalize())
	if err != nil {
		return domain.Page[BookResponse]{}, fmt.Errorf("list books: %w", err)
	}
	return a.bookPage(ctx, books)
}

// ListOwnedBooks lists the user's own books, newest first.
func (a *App) ListOwnedBooks(ctx context.Context, userID string, page domain.PageRequest) (domain.Page[BookResponse], error) {
	books, err := a.store.ListBooksByOwner(ctx, userID, page.Normalize())
	if err != nil {
		return domain.Page[BookResponse]{}, fmt.Errorf("list owner books: %w", err)
	}
	return a.bookPage(ctx, books)
}

// ListBorrowedBooks lists the loans the user took out.
func (a *App) ListBorrowedBooks(ctx context.Context, userID string, page domain.PageRequest) (domain.Page[BorrowedBookResponse], error) {
	loans, err := a.store.ListLoansByBorrower(ctx, userID, page.Normalize())
	if err != nil {
		return domain.Page[BorrowedBookResponse]{}, fmt.Errorf("list borrowed books: %w", err)
	}
	return domain.MapPage(loans, borrowedBookResponse), nil
}

// ListReturnedBooks lists loans of the user's books, including those awaiting approval.
func (a *App) ListReturnedBooks(ctx context.Context, userID string, page domain.PageRequest) (domain.Page[BorrowedBookResponse], error) {
	loans, err := a.store.ListLoansByOwner(ctx, userID, page.Normalize())
	if err != nil {
		return domain.Page[BorrowedBookResponse]{}, fmt.Errorf("list returned books: %w", err)
	}
	return domain.MapPage(loans, borrowedBookResponse), nil
}

// ToggleShareable flips the shareable flag of a book the user owns.
func (a *App) ToggleShareable(ctx context.Context, id, userID string) (string, error) {
	return a.toggle(ctx, id, userID, func(b *domain.Book) { b.Shareable = !b.Shareable })
}

// ToggleArchived flips the archived flag of a book the user owns.
func (a *App) ToggleArchived(ctx context.Context, id, userID string) (string, error) {
	return a.toggle(ctx, id, userID, func(b *domain.Book) { b.Archived = !b.Archived })
}

func (a *App) toggle(ctx context.Context, id, userID string, flip func(*domain.Book)) (string, error) {
	book, err := a.ownedBook(ctx, id, userID)
	if err != nil {
		return "", err
	}
	flip(&book)
	book.UpdatedAt = a.now()
	if err := a.store.SaveBook(ctx, book); err != nil {
		return "", fmt.Errorf("save book: %w", err)
	}
	return book.ID, nil
}

// BorrowBook opens a loan and returns its id.
func (a *App) BorrowBook(ctx context.Context, bookID, userID string) (string, error) {
	loan, err := a.ledger.Borrow(ctx, bookID, userID)
	if err != nil {
		return "", err
	}
	return loan.ID, nil
}

// ReturnBook marks the user's loan of bookID as returned.
func (a *App) ReturnBook(ctx context.Context, bookID, userID string) (string, error) {
	loan, err := a.ledger.ReturnBook(ctx, bookID, userID)
	if err != nil {
		return "", err
	}
	return loan.ID, nil
}

// ApproveReturn closes a returned loan of a book the user owns.
func (a *App) ApproveReturn(ctx context.Context, bookID, userID string) (string, error) {
	loan, err := a.ledger.ApproveReturn(ctx, bookID, userID)
	if err != nil {
		return "", err
	}
	return loan.ID, nil
}

// UploadCover stores a new cover image for a book the user owns. The content
// type is sniffed from the bytes; the previous cover is removed.
func (a *App) UploadCover(ctx context.Context, bookID, userID string, r io.Reader, size int64) error {
	book, err := a.ownedBook(ctx, bookID, userID)
	if err != nil {
		return err
	}
	if size > a.maxCoverBytes {
		return ErrCoverTooLarge
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read cover: %w", err)
	}
	if n == 0 {
		return ErrCoverEmpty
	}
	head = head[:n]
	contentType, ext, err := storage.SniffImage(head)
	if err != nil {
		return err
	}
	if size <= 0 {
		// Unknown length: buffer up to the limit so the object store gets an exact size.
		body, err := io.ReadAll(io.LimitReader(r, a.maxCoverBytes-int64(n)+1))
		if err != nil {
			return fmt.Errorf("read cover: %w", err)
		}
		size = int64(n + len(body))
		if size > a.maxCoverBytes {
			return ErrCoverTooLarge
		}
		r = bytes.NewReader(body)
	}
	key := storage.CoverKey(book.OwnerID, book.ID, util.NewID(), ext)
	if err := a.objects.Put(ctx, key, io.MultiReader(bytes.NewReader(head), r), size, contentType); err != nil {
		return fmt.Errorf("save cover: %w", err)
	}
	previous := book.CoverKey
	book.CoverKey = key
	book.UpdatedAt = a.now()
	if err := a.store.SaveBook(ctx, book); err != nil {
		_ = a.objects.Delete(ctx, key)
		return fmt.Errorf("save book: %w", err)
	}
	if previous != "" && previous != key {
		if err := a.objects.Delete(ctx, previous); err != nil {
			util.LoggerFromContext(ctx).Warn("cover_cleanup_failed", "book_id", book.ID, "key", previous, "err", err)
		}
	}
	return nil
}

// SaveFeedback records a rating of an available book the user does not own.
func (a *App) SaveFeedback(ctx context.Context, userID string, req FeedbackRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	book, err := a.book(ctx, req.BookID)
	if err != nil {
		return "", err
	}
	if err := access.FeedbackDenial(userID, book); err != nil {
		return "", err
	}
	feedback := domain.Feedback{
		ID:        util.NewID(),
		BookID:    book.ID,
		AuthorID:  userID,
		Note:      req.Note,
		Comment:   strings.TrimSpace(req.Comment),
		CreatedAt: a.now(),
	}
	if err := a.store.SaveFeedback(ctx, feedback); err != nil {
		return "", fmt.Errorf("save feedback: %w", err)
	}
	return feedback.ID, nil
}

// ListFeedback pages the feedback of a book, flagging the caller's own entries.
func (a *App) ListFeedback(ctx context.Context, bookID, userID string, page domain.PageRequest) (domain.Page[FeedbackResponse], error) {
	book, err := a.book(ctx, bookID)
	if err != nil {
		return domain.Page[FeedbackResponse]{}, err
	}
	feedback, err := a.store.ListFeedbackByBook(ctx, book.ID, page.Normalize())
	if err != nil {
		return domain.Page[FeedbackResponse]{}, fmt.Errorf("list feedback: %w", err)
	}
	return domain.MapPage(feedback, func(f domain.Feedback) FeedbackResponse {
		return FeedbackResponse{Note: f.Note, Comment: f.Comment, OwnFeedback: f.AuthorID == userID}
	}), nil
}

func (a *App) book(ctx context.Context, id string) (domain.Book, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Book{}, domain.ErrBookNotFound
	}
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, domain.ErrBookNotFound
	}
	return book, nil
}

func (a *App) ownedBook(ctx context.Context, id, userID string) (domain.Book, error) {
	book, err := a.book(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if !access.CanManage(userID, book) {
		return domain.Book{}, domain.ErrNotBookOwner
	}
	return book, nil
}

func (a *App) bookPage(ctx context.Context, books domain.Page[domain.Book]) (domain.Page[BookResponse], error) {
	out := make([]BookResponse, 0, len(books.Content))
	for _, book := range books.Content {
		resp, err := a.bookResponse(ctx, book)
		if err != nil {
			return domain.Page[BookResponse]{}, err
		}
		out = append(out, resp)
	}
	return domain.Page[BookResponse]{
		Content:       out,
		Number:        books.Number,
		Size:          books.Size,
		TotalElements: books.TotalElements,
		TotalPages:    books.TotalPages,
		First:         books.First,
		Last:          books.Last,
	}, nil
}

func (a *App) bookResponse(ctx context.Context, book domain.Book) (BookResponse, error) {
	rate, err := a.store.BookRate(ctx, book.ID)
	if err != nil {
		return BookResponse{}, fmt.Errorf("book rate: %w", err)
	}
	resp := BookResponse{
		ID:         book.ID,
		Title:      book.Title,
		AuthorName: book.AuthorName,
		ISBN:       book.ISBN,
		Synopsis:   book.Synopsis,
		Rate:       rate,
		Archived:   book.Archived,
		Shareable:  book.Shareable,
	}
	owner, ok, err := a.store.GetUserByID(ctx, book.OwnerID)
	if err != nil {
		return BookResponse{}, fmt.Errorf("fetch owner: %w", err)
	}
	if ok {
		resp.Owner = owner.FullName()
	}
	if book.CoverKey != "" {
		url, err := a.objects.PresignGet(ctx, book.CoverKey, a.coverURLTTL)
		if err != nil {
			// A missing cover should not hide the book.
			util.LoggerFromContext(ctx).Warn("cover_presign_failed", slog.String("book_id", book.ID), slog.Any("err", err))
		} else {
			resp.CoverURL = url
		}
	}
	return resp, nil
}

func borrowedBookResponse(v domain.LoanView) BorrowedBookResponse {
	return BorrowedBookResponse{
		ID:             v.BookID,
		Title:          v.Title,
		AuthorName:     v.AuthorName,
		ISBN:           v.ISBN,
		Rate:           v.Rate,
		Returned:       v.Returned,
		ReturnApproved: v.ReturnApproved,
	}
}
