package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"booknetwork/pkg/domain"
)

// MemoryStore implements Store in memory for tests and local runs.
// One mutex serializes every mutation, which gives the same check-and-set
// guarantees the Postgres store gets from conditional updates and the
// active-loan unique index.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	tokens      map[string]domain.ActivationToken
	tokenOrder  []string
	books       map[string]domain.Book
	loans       map[string]domain.Loan
	loanOrder   []string
	feedback    map[string]domain.Feedback
	feedbackIDs []string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		tokens:   make(map[string]domain.ActivationToken),
		books:    make(map[string]domain.Book),
		loans:    make(map[string]domain.Loan),
		feedback: make(map[string]domain.Feedback),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return domain.ErrEmailAlreadyExists
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	s.mu.RLock()
	u, ok := s.users[id]
	s.mu.RUnlock()
	return u, ok, nil
}

func (s *MemoryStore) CreateActivationToken(_ context.Context, t domain.ActivationToken) error {
	s.mu.Lock()
	s.tokens[t.ID] = t
	s.tokenOrder = append(s.tokenOrder, t.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetActivationToken(_ context.Context, code string) (domain.ActivationToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.tokenOrder) - 1; i >= 0; i-- {
		if t := s.tokens[s.tokenOrder[i]]; t.Code == code {
			return t, true, nil
		}
	}
	return domain.ActivationToken{}, false, nil
}

func (s *MemoryStore) HasOpenActivationCode(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.Code == code && t.Open() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ConsumeActivationToken(_ context.Context, tokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || !t.Live(at) {
		return false, nil
	}
	u, ok := s.users[t.UserID]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	stamp := at
	t.ValidatedAt = &stamp
	s.tokens[tokenID] = t
	u.Enabled = true
	u.UpdatedAt = at
	s.users[u.ID] = u
	return true, nil
}

func (s *MemoryStore) SupersedeActivationToken(_ context.Context, tokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok || t.Consumed() || t.Superseded() {
		return false, nil
	}
	stamp := at
	t.SupersededAt = &stamp
	s.tokens[tokenID] = t
	return true, nil
}

func (s *MemoryStore) ReplaceUserActivationTokens(_ context.Context, next domain.ActivationToken, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[next.ID]; exists {
		return fmt.Errorf("activation token %s already exists", next.ID)
	}
	for id, t := range s.tokens {
		if t.UserID != next.UserID || !t.Open() {
			continue
		}
		stamp := at
		t.SupersededAt = &stamp
		s.tokens[id] = t
	}
	s.tokens[next.ID] = next
	s.tokenOrder = append(s.tokenOrder, next.ID)
	return nil
}

// ActivationTokensForUser lists a user's tokens in issue order.
func (s *MemoryStore) ActivationTokensForUser(userID string) []domain.ActivationToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActivationToken
	for _, id := range s.tokenOrder {
		if t := s.tokens[id]; t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (s *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	s.mu.Lock()
	if existing, ok := s.books[b.ID]; ok {
		b.OwnerID = existing.OwnerID
		b.CreatedAt = existing.CreatedAt
	}
	s.books[b.ID] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	s.mu.RLock()
	b, ok := s.books[id]
	s.mu.RUnlock()
	return b, ok, nil
}

func (s *MemoryStore) ListDisplayableBooks(_ context.Context, viewerID string, page domain.PageRequest) (domain.Page[domain.Book], error) {
	return s.pageBooks(page, func(b domain.Book) bool {
		return !b.Archived && b.Shareable && b.OwnerID != viewerID
	}), nil
}

func (s *MemoryStore) ListBooksByOwner(_ context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.Book], error) {
	return s.pageBooks(page, func(b domain.Book) bool { return b.OwnerID == ownerID }), nil
}

func (s *MemoryStore) pageBooks(page domain.PageRequest, keep func(domain.Book) bool) domain.Page[domain.Book] {
	s.mu.RLock()
	var matched []domain.Book
	for _, b := range s.books {
		if keep(b) {
			matched = append(matched, b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return slicePage(matched, page)
}

func (s *MemoryStore) CreateLoan(_ context.Context, l domain.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.loans {
		if existing.BookID == l.BookID && existing.BorrowerID == l.BorrowerID && existing.Active() {
			return domain.ErrDuplicateLoan
		}
	}
	s.loans[l.ID] = l
	s.loanOrder = append(s.loanOrder, l.ID)
	return nil
}

func (s *MemoryStore) FindActiveLoan(_ context.Context, bookID, borrowerID string) (domain.Loan, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.loans {
		if l.BookID == bookID && l.BorrowerID == borrowerID && l.Active() {
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

func (s *MemoryStore) MarkReturned(_ context.Context, bookID, borrowerID string, at time.Time) (domain.Loan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.loans {
		if l.BookID == bookID && l.BorrowerID == borrowerID && !l.Returned && !l.ReturnApproved {
			l.Returned = true
			l.UpdatedAt = at
			s.loans[id] = l
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

func (s *MemoryStore) ApproveReturn(_ context.Context, bookID string, at time.Time) (domain.Loan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.loanOrder {
		l := s.loans[id]
		if l.BookID == bookID && l.Returned && !l.ReturnApproved {
			l.ReturnApproved = true
			l.UpdatedAt = at
			s.loans[id] = l
			return l, true, nil
		}
	}
	return domain.Loan{}, false, nil
}

// LoansForPair lists every loan of (book, borrower) in creation order.
func (s *MemoryStore) LoansForPair(bookID, borrowerID string) []domain.Loan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Loan
	for _, id := range s.loanOrder {
		if l := s.loans[id]; l.BookID == bookID && l.BorrowerID == borrowerID {
			out = append(out, l)
		}
	}
	return out
}

func (s *MemoryStore) ListLoansByBorrower(_ context.Context, borrowerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error) {
	return s.pageLoans(page, func(l domain.Loan, _ domain.Book) bool { return l.BorrowerID == borrowerID }), nil
}

func (s *MemoryStore) ListLoansByOwner(_ context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error) {
	return s.pageLoans(page, func(_ domain.Loan, b domain.Book) bool { return b.OwnerID == ownerID }), nil
}

func (s *MemoryStore) pageLoans(page domain.PageRequest, keep func(domain.Loan, domain.Book) bool) domain.Page[domain.LoanView] {
	s.mu.RLock()
	var views []domain.LoanView
	for i := len(s.loanOrder) - 1; i >= 0; i-- {
		l := s.loans[s.loanOrder[i]]
		b, ok := s.books[l.BookID]
		if !ok || !keep(l, b) {
			continue
		}
		views = append(views, domain.LoanView{
			Loan:       l,
			Title:      b.Title,
			AuthorName: b.AuthorName,
			ISBN:       b.ISBN,
			Rate:       s.rateLocked(b.ID),
		})
	}
	s.mu.RUnlock()
	return slicePage(views, page)
}

func (s *MemoryStore) SaveFeedback(_ context.Context, f domain.Feedback) error {
	s.mu.Lock()
	s.feedback[f.ID] = f
	s.feedbackIDs = append(s.feedbackIDs, f.ID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListFeedbackByBook(_ context.Context, bookID string, page domain.PageRequest) (domain.Page[domain.Feedback], error) {
	s.mu.RLock()
	var items []domain.Feedback
	for i := len(s.feedbackIDs) - 1; i >= 0; i-- {
		if f := s.feedback[s.feedbackIDs[i]]; f.BookID == bookID {
			items = append(items, f)
		}
	}
	s.mu.RUnlock()
	return slicePage(items, page), nil
}

func (s *MemoryStore) BookRate(_ context.Context, bookID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLocked(bookID), nil
}

func (s *MemoryStore) rateLocked(bookID string) float64 {
	var notes []float64
	for _, f := range s.feedback {
		if f.BookID == bookID {
			notes = append(notes, f.Note)
		}
	}
	return domain.Rate(notes)
}

func slicePage[T any](items []T, page domain.PageRequest) domain.Page[T] {
	page = page.Normalize()
	total := len(items)
	start := min(page.Offset(), total)
	end := min(start+page.Size, total)
	return domain.NewPage(items[start:end], page, int64(total))
}
