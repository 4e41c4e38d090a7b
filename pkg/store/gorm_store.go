package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"ebooklib/pkg/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51027344

// activeLoanIndex closes the check-then-insert window for concurrent borrows:
// Postgres itself refuses a second active row for one book.
const activeLoanIndex = "loan_models_one_active_per_book"

const pgUniqueViolation = "23505"

// GormStore implements LoanStore using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
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
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&LoanModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS %s ON loan_models (book_id) WHERE status = 'active'`,
			activeLoanIndex,
		)).Error; err != nil {
			return fmt.Errorf("create active loan index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
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

// CreateLoan inserts a new loan; the partial unique index rejects a duplicate active loan.
func (s *GormStore) CreateLoan(ctx context.Context, loan domain.Loan) error {
	model := loanToModel(loan)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isActiveLoanViolation(err) {
			return ErrActiveLoanExists
		}
		return err
	}
	return nil
}

// GetLoan retrieves a loan by ID.
func (s *GormStore) GetLoan(ctx context.Context, id string) (domain.Loan, bool, error) {
	var model LoanModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Loan{}, false, nil
		}
		return domain.Loan{}, false, err
	}
	return loanFromModel(model), true, nil
}

// ListLoans returns a filtered page ordered by created_at DESC.
func (s *GormStore) ListLoans(ctx context.Context, filter LoanFilter) ([]domain.Loan, int64, error) {
	query := s.db.WithContext(ctx).Model(&LoanModel{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.BookID != "" {
		query = query.Where("book_id = ?", filter.BookID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []LoanModel
	page := query.Order("created_at DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		page = page.Limit(filter.Limit)
	}
	if err := page.Find(&models).Error; err != nil {
		return nil, 0, err
	}
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res, total, nil
}

// UpdateLoan applies fn to the row under SELECT ... FOR UPDATE.
func (s *GormStore) UpdateLoan(ctx context.Context, id string, fn func(*domain.Loan) error) (domain.Loan, error) {
	var updated domain.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model LoanModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		loan := loanFromModel(model)
		if err := fn(&loan); err != nil {
			return err
		}
		next := loanToModel(loan)
		next.ID = model.ID
		next.CreatedAt = model.CreatedAt
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = loanFromModel(next)
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	return updated, nil
}

// ListLoansCreatedBefore returns every loan older than cutoff, oldest first.
func (s *GormStore) ListLoansCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Loan, error) {
	var models []LoanModel
	if err := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res, nil
}

// DeleteLoansCreatedBefore removes loans older than cutoff regardless of status.
func (s *GormStore) DeleteLoansCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&LoanModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func isActiveLoanViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == activeLoanIndex
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:         l.ID,
		BookID:     l.BookID,
		UserID:     l.UserID,
		LoanDate:   l.LoanDate,
		DueDate:    l.DueDate,
		ReturnDate: l.ReturnDate,
		Status:     string(l.Status),
		Note:       l.Note,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	var returnDate *time.Time
	if m.ReturnDate != nil {
		t := m.ReturnDate.UTC()
		returnDate = &t
	}
	return domain.Loan{
		ID:         m.ID,
		BookID:     m.BookID,
		UserID:     m.UserID,
		LoanDate:   m.LoanDate.UTC(),
		DueDate:    m.DueDate.UTC(),
		ReturnDate: returnDate,
		Status:     domain.LoanStatus(m.Status),
		Note:       m.Note,
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
}
