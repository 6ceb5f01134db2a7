package domain

import (
	"math"
	"strings"
	"time"
)

type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// ActivationTTL is how long an emailed activation code stays valid.
const ActivationTTL = 15 * time.Minute

type User struct {
	ID           string     `json:"id"`
	FirstName    string     `json:"firstname"`
	LastName     string     `json:"lastname"`
	DateOfBirth  *time.Time `json:"dateOfBirth,omitempty"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Enabled      bool       `json:"enabled"`
	Locked       bool       `json:"locked"`
	Roles        []UserRole `json:"roles"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// FullName is the display name carried in session claims.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ActivationToken is one emailed activation code. A user may accumulate
// several over time; only the newest unretired one is expected to be used.
type ActivationToken struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Code         string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	ValidatedAt  *time.Time `json:"validatedAt,omitempty"`
	SupersededAt *time.Time `json:"supersededAt,omitempty"`
}

func (t ActivationToken) Consumed() bool { return t.ValidatedAt != nil }

func (t ActivationToken) Superseded() bool { return t.SupersededAt != nil }

func (t ActivationToken) ExpiredAt(now time.Time) bool { return now.After(t.ExpiresAt) }

// Open reports whether the code is neither consumed nor superseded. An open
// code keeps its digits reserved even after it expires, since presenting it
// must still resolve to this token.
func (t ActivationToken) Open() bool { return !t.Consumed() && !t.Superseded() }

// Live reports whether the code could still be redeemed at now.
func (t ActivationToken) Live(now time.Time) bool {
	return !t.Consumed() && !t.Superseded() && !t.ExpiredAt(now)
}

// SessionClaims are the display claims bound into a session credential.
type SessionClaims struct {
	Subject   string     `json:"sub"`
	FullName  string     `json:"fullName"`
	Email     string     `json:"email"`
	Roles     []UserRole `json:"roles,omitempty"`
	IssuedAt  time.Time  `json:"iat"`
	ExpiresAt time.Time  `json:"exp"`
}

type Book struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	Title      string    `json:"title"`
	AuthorName string    `json:"authorName"`
	ISBN       string    `json:"isbn"`
	Synopsis   string    `json:"synopsis"`
	CoverKey   string    `json:"-"`
	Archived   bool      `json:"archived"`
	Shareable  bool      `json:"shareable"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type LoanState string

const (
	LoanNone     LoanState = "NONE"
	LoanBorrowed LoanState = "BORROWED"
	LoanReturned LoanState = "RETURNED"
	LoanApproved LoanState = "APPROVED"
)

// Loan tracks one borrow/return/approve cycle of a (book, borrower) pair.
type Loan struct {
	ID             string    `json:"id"`
	BookID         string    `json:"bookId"`
	BorrowerID     string    `json:"borrowerId"`
	Returned       bool      `json:"returned"`
	ReturnApproved bool      `json:"returnApproved"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Active loans block another borrow of the same pair.
func (l Loan) Active() bool { return !l.ReturnApproved }

func (l Loan) State() LoanState {
	switch {
	case l.ReturnApproved:
		return LoanApproved
	case l.Returned:
		return LoanReturned
	case l.ID != "":
		return LoanBorrowed
	default:
		return LoanNone
	}
}

// LoanView joins a loan with the book details shown in borrowed/returned lists.
type LoanView struct {
	Loan
	Title      string  `json:"title"`
	AuthorName string  `json:"authorName"`
	ISBN       string  `json:"isbn"`
	Rate       float64 `json:"rate"`
}

type Feedback struct {
	ID        string    `json:"id"`
	BookID    string    `json:"bookId"`
	AuthorID  string    `json:"authorId"`
	Note      float64   `json:"note"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rate averages feedback notes, rounded to one decimal. No feedback rates 0.
func Rate(notes []float64) float64 {
	if len(notes) == 0 {
		return 0
	}
	var sum float64
	for _, n := range notes {
		sum += n
	}
	return math.Round(sum/float64(len(notes))*10) / 10
}

// PageRequest selects a zero-based page.
type PageRequest struct {
	Page int
	Size int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Normalize clamps page and size into the accepted range.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p PageRequest) Offset() int { return p.Page * p.Size }

type Page[T any] struct {
	Content       []T   `json:"content"`
	Number        int   `json:"number"`
	Size          int   `json:"size"`
	TotalElements int64 `json:"totalElements"`
	TotalPages    int   `json:"totalPages"`
	First         bool  `json:"first"`
	Last          bool  `json:"last"`
}

// NewPage fills the paging metadata for one slice of a result set.
func NewPage[T any](content []T, req PageRequest, total int64) Page[T] {
	req = req.Normalize()
	if content == nil {
		content = []T{}
	}
	pages := int((total + int64(req.Size) - 1) / int64(req.Size))
	return Page[T]{
		Content:       content,
		Number:        req.Page,
		Size:          req.Size,
		TotalElements: total,
		TotalPages:    pages,
		First:         req.Page == 0,
		Last:          req.Page >= pages-1,
	}
}

// MapPage converts page content while keeping the metadata.
func MapPage[T, U any](p Page[T], fn func(T) U) Page[U] {
	out := make([]U, 0, len(p.Content))
	for _, item := range p.Content {
		out = append(out, fn(item))
	}
	return Page[U]{
		Content:       out,
		Number:        p.Number,
		Size:          p.Size,
		TotalElements: p.TotalElements,
		TotalPages:    p.TotalPages,
		First:         p.First,
		Last:          p.Last,
	}
}
