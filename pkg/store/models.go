package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	FirstName    string `gorm:"not null"`
	LastName     string `gorm:"not null"`
	DateOfBirth  *time.Time
	Email        string         `gorm:"uniqueIndex;not null"`
	PasswordHash string         `gorm:"not null"`
	Enabled      bool           `gorm:"not null;default:false"`
	Locked       bool           `gorm:"not null;default:false"`
	Roles        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type ActivationTokenModel struct {
	ID           string    `gorm:"primaryKey"`
	UserID       string    `gorm:"not null;index"`
	Code         string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	ValidatedAt  *time.Time
	SupersededAt *time.Time
}

type BookModel struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    string `gorm:"not null;index"`
	Title      string `gorm:"not null"`
	AuthorName string `gorm:"not null"`
	ISBN       string `gorm:"column:isbn;not null"`
	Synopsis   string `gorm:"type:text"`
	CoverKey   string
	Archived   bool      `gorm:"not null;default:false"`
	Shareable  bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// LoanModel rows are guarded by the partial unique index created in
// NewGormStore on (book_id, borrower_id) WHERE return_approved = false.
type LoanModel struct {
	ID             string    `gorm:"primaryKey"`
	BookID         string    `gorm:"not null;index"`
	BorrowerID     string    `gorm:"not null;index"`
	Returned       bool      `gorm:"not null;default:false"`
	ReturnApproved bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

type FeedbackModel struct {
	ID        string    `gorm:"primaryKey"`
	BookID    string    `gorm:"not null;index"`
	AuthorID  string    `gorm:"not null"`
	Note      float64   `gorm:"not null"`
	Comment   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// loanViewRow is the scan target of the loan/book join.
type loanViewRow struct {
	ID             string
	BookID         string
	BorrowerID     string
	Returned       bool
	ReturnApproved bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Title          string
	AuthorName     string
	ISBN           string `gorm:"column:isbn"`
	Rate           float64
}
