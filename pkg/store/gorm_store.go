package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"booknetwork/pkg/domain"
)

const migrateLockID int64 = 51730117

const pgUniqueViolation = "23505"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock,
// so several service replicas can start at once.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &ActivationTokenModel{}, &BookModel{}, &LoanModel{}, &FeedbackModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS loan_models_active_pair_idx
		ON loan_models (book_id, borrower_id)
		WHERE return_approved = false
	`).Error; err != nil {
		return fmt.Errorf("create active loan index: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'loan_models'
				AND constraint_name = 'loan_models_book_id_fkey'
			) THEN
				ALTER TABLE loan_models
				ADD CONSTRAINT loan_models_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'feedback_models'
				AND constraint_name = 'feedback_models_book_id_fkey'
			) THEN
				ALTER TABLE feedback_models
				ADD CONSTRAINT feedback_models_book_id_fkey
				FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'activation_token_models'
				AND constraint_name = 'activation_token_models_user_id_fkey'
			) THEN
				ALTER TABLE activation_token_models
				ADD CONSTRAINT activation_token_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// users

// CreateUser inserts a new account.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEmailAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"first_name", "last_name", "date_of_birth", "email", "password_hash",
			"enabled", "locked", "roles", "updated_at",
		}),
	}).Create(&model).Error
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// activation tokens

func (s *GormStore) CreateActivationToken(ctx context.Context, t domain.ActivationToken) error {
	model := activationToModel(t)
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) GetActivationToken(ctx context.Context, code string) (domain.ActivationToken, bool, error) {
	var model ActivationTokenModel
	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ActivationToken{}, false, nil
		}
		return domain.ActivationToken{}, false, err
	}
	return activationFromModel(model), true, nil
}

func (s *GormStore) HasOpenActivationCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ActivationTokenModel{}).
		Where("code = ? AND validated_at IS NULL AND superseded_at IS NULL", code).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConsumeActivationToken marks the token validated and enables its user.
// The conditional update makes concurrent callers race on a single row; only
// the one that flips validated_at proceeds to enable the account.
func (s *GormStore) ConsumeActivationToken(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	consumed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ActivationTokenModel{}).
			Where("id = ? AND validated_at IS NULL AND superseded_at IS NULL AND expires_at >= ?", tokenID, at).
			Update("validated_at", at)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var token ActivationTokenModel
		if err := tx.Select("user_id").First(&token, "id = ?", tokenID).Error; err != nil {
			return err
		}
		res = tx.Model(&UserModel{}).
			Where("id = ?", token.UserID).
			Updates(map[string]any{"enabled": true, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrUserNotFound
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("consume activation token: %w", err)
	}
	return consumed, nil
}

func (s *GormStore) SupersedeActivationToken(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ActivationTokenModel{}).
		Where("id = ? AND validated_at IS NULL AND superseded_at IS NULL", tokenID).
		Update("superseded_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ReplaceUserActivationTokens(ctx context.Context, t domain.ActivationToken, at time.Time) error {
	model := activationToModel(t)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ActivationTokenModel{}).
			Where("user_id = ? AND validated_at IS NULL AND superseded_at IS NULL", t.UserID).
			Update("superseded_at", at).Error; err != nil {
			return fmt.Errorf("retire activation tokens: %w", err)
		}
		return tx.Create(&model).Error
	})
}

// books

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "author_name", "isbn", "synopsis", "cover_key",
			"archived", "shareable", "updated_at",
		}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

func (s *GormStore) ListDisplayableBooks(ctx context.Context, viewerID string, page domain.PageRequest) (domain.Page[domain.Book], error) {
	return s.pageBooks(ctx, page, "archived = ? AND shareable = ? AND owner_id <> ?", false, true, viewerID)
}

func (s *GormStore) ListBooksByOwner(ctx context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.Book], error) {
	return s.pageBooks(ctx, page, "owner_id = ?", ownerID)
}

func (s *GormStore) pageBooks(ctx context.Context, page domain.PageRequest, query string, args ...any) (domain.Page[domain.Book], error) {
	page = page.Normalize()
	var total int64
	if err := s.db.WithContext(ctx).Model(&BookModel{}).Where(query, args...).Count(&total).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	var models []BookModel
	if err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Size).
		Find(&models).Error; err != nil {
		return domain.Page[domain.Book]{}, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return domain.NewPage(books, page, total), nil
}

// loans

// CreateLoan inserts a loan. The partial unique index turns a concurrent
// second borrow of the same pair into a unique violation.
func (s *GormStore) CreateLoan(ctx context.Context, l domain.Loan) error {
	model := loanToModel(l)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateLoan
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *GormStore) FindActiveLoan(ctx context.Context, bookID, borrowerID string) (domain.Loan, bool, error) {
	var model LoanModel
	err := s.db.WithContext(ctx).
		Where("book_id = ? AND borrower_id = ? AND return_approved = ?", bookID, borrowerID, false).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

func (s *GormStore) MarkReturned(ctx context.Context, bookID, borrowerID string, at time.Time) (domain.Loan, bool, error) {
	var model LoanModel
	res := s.db.WithContext(ctx).Model(&model).
		Clauses(clause.Returning{}).
		Where("book_id = ? AND borrower_id = ? AND returned = ? AND return_approved = ?", bookID, borrowerID, false, false).
		Updates(map[string]any{"returned": true, "updated_at": at})
	if res.Error != nil {
		return domain.Loan{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Loan{}, false, nil
	}
	return loanFromModel(model), true, nil
}

func (s *GormStore) ApproveReturn(ctx context.Context, bookID string, at time.Time) (domain.Loan, bool, error) {
	var (
		loan  domain.Loan
		found bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model LoanModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("book_id = ? AND returned = ? AND return_approved = ?", bookID, true, false).
			Order("created_at ASC").
			First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&LoanModel{}).
			Where("id = ?", model.ID).
			Updates(map[string]any{"return_approved": true, "updated_at": at}).Error; err != nil {
			return err
		}
		model.ReturnApproved = true
		model.UpdatedAt = at
		loan = loanFromModel(model)
		found = true
		return nil
	})
	if err != nil {
		return domain.Loan{}, false, fmt.Errorf("approve return: %w", err)
	}
	return loan, found, nil
}

const loanViewColumns = `l.id, l.book_id, l.borrower_id, l.returned, l.return_approved, l.created_at, l.updated_at,
	b.title, b.author_name, b.isbn,
	COALESCE((SELECT ROUND(AVG(f.note)::numeric, 1) FROM feedback_models f WHERE f.book_id = l.book_id), 0) AS rate`

func (s *GormStore) ListLoansByBorrower(ctx context.Context, borrowerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error) {
	return s.pageLoans(ctx, page, "l.borrower_id = ?", borrowerID)
}

func (s *GormStore) ListLoansByOwner(ctx context.Context, ownerID string, page domain.PageRequest) (domain.Page[domain.LoanView], error) {
	return s.pageLoans(ctx, page, "b.owner_id = ?", ownerID)
}

func (s *GormStore) pageLoans(ctx context.Context, page domain.PageRequest, query string, args ...any) (domain.Page[domain.LoanView], error) {
	page = page.Normalize()
	base := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Table("loan_models AS l").
			Joins("JOIN book_models b ON b.id = l.book_id").
			Where(query, args...)
	}
	var total int64
	if err := base().Count(&total).Error; err != nil {
		return domain.Page[domain.LoanView]{}, err
	}
	var rows []loanViewRow
	if err := base().
		Select(loanViewColumns).
		Order("l.created_at DESC").
		Offset(page.Offset()).
		Limit(page.Size).
		Scan(&rows).Error; err != nil {
		return domain.Page[domain.LoanView]{}, err
	}
	views := make([]domain.LoanView, 0, len(rows))
	for _, r := range rows {
		views = append(views, domain.LoanView{
			Loan: domain.Loan{
				ID:             r.ID,
				BookID:         r.BookID,
				BorrowerID:     r.BorrowerID,
				Returned:       r.Returned,
				ReturnApproved: r.ReturnApproved,
				CreatedAt:      r.CreatedAt,
				UpdatedAt:      r.UpdatedAt,
			},
			Title:      r.Title,
			AuthorName: r.AuthorName,
			ISBN:       r.ISBN,
			Rate:       r.Rate,
		})
	}
	return domain.NewPage(views, page, total), nil
}

// feedback

func (s *GormStore) SaveFeedback(ctx context.Context, f domain.Feedback) error {
	model := FeedbackModel{
		ID:        f.ID,
		BookID:    f.BookID,
		AuthorID:  f.AuthorID,
		Note:      f.Note,
		Comment:   f.Comment,
		CreatedAt: f.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

func (s *GormStore) ListFeedbackByBook(ctx context.Context, bookID string, page domain.PageRequest) (domain.Page[domain.Feedback], error) {
	page = page.Normalize()
	var total int64
	if err := s.db.WithContext(ctx).Model(&FeedbackModel{}).Where("book_id = ?", bookID).Count(&total).Error; err != nil {
		return domain.Page[domain.Feedback]{}, err
	}
	var models []FeedbackModel
	if err := s.db.WithContext(ctx).
		Where("book_id = ?", bookID).
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Size).
		Find(&models).Error; err != nil {
		return domain.Page[domain.Feedback]{}, err
	}
	items := make([]domain.Feedback, 0, len(models))
	for _, m := range models {
		items = append(items, domain.Feedback{
			ID:        m.ID,
			BookID:    m.BookID,
			AuthorID:  m.AuthorID,
			Note:      m.Note,
			Comment:   m.Comment,
			CreatedAt: m.CreatedAt,
		})
	}
	return domain.NewPage(items, page, total), nil
}

func (s *GormStore) BookRate(ctx context.Context, bookID string) (float64, error) {
	var avg sql.NullFloat64
	if err := s.db.WithContext(ctx).Model(&FeedbackModel{}).
		Select("AVG(note)").
		Where("book_id = ?", bookID).
		Row().Scan(&avg); err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return math.Round(avg.Float64*10) / 10, nil
}

// mapping

func userToModel(u domain.User) UserModel {
	roles, _ := json.Marshal(u.Roles)
	return UserModel{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		DateOfBirth:  u.DateOfBirth,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Enabled:      u.Enabled,
		Locked:       u.Locked,
		Roles:        roles,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	var roles []domain.UserRole
	if len(m.Roles) > 0 {
		_ = json.Unmarshal(m.Roles, &roles)
	}
	return domain.User{
		ID:           m.ID,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		DateOfBirth:  m.DateOfBirth,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Enabled:      m.Enabled,
		Locked:       m.Locked,
		Roles:        roles,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func activationToModel(t domain.ActivationToken) ActivationTokenModel {
	return ActivationTokenModel{
		ID:           t.ID,
		UserID:       t.UserID,
		Code:         t.Code,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		ValidatedAt:  t.ValidatedAt,
		SupersededAt: t.SupersededAt,
	}
}

func activationFromModel(m ActivationTokenModel) domain.ActivationToken {
	return domain.ActivationToken{
		ID:           m.ID,
		UserID:       m.UserID,
		Code:         m.Code,
		CreatedAt:    m.CreatedAt,
		ExpiresAt:    m.ExpiresAt,
		ValidatedAt:  m.ValidatedAt,
		SupersededAt: m.SupersededAt,
	}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:         b.ID,
		OwnerID:    b.OwnerID,
		Title:      b.Title,
		AuthorName: b.AuthorName,
		ISBN:       b.ISBN,
		Synopsis:   b.Synopsis,
		CoverKey:   b.CoverKey,
		Archived:   b.Archived,
		Shareable:  b.Shareable,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Title:      m.Title,
		AuthorName: m.AuthorName,
		ISBN:       m.ISBN,
		Synopsis:   m.Synopsis,
		CoverKey:   m.CoverKey,
		Archived:   m.Archived,
		Shareable:  m.Shareable,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:             l.ID,
		BookID:         l.BookID,
		BorrowerID:     l.BorrowerID,
		Returned:       l.Returned,
		ReturnApproved: l.ReturnApproved,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:             m.ID,
		BookID:         m.BookID,
		BorrowerID:     m.BorrowerID,
		Returned:       m.Returned,
		ReturnApproved: m.ReturnApproved,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
