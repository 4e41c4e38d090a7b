package store

import (
	"context"
	"errors"
	"time"

	"ebooklib/pkg/domain"
)

var (
	// ErrActiveLoanExists is returned when a second active loan for the same book is inserted.
	ErrActiveLoanExists = errors.New("book already has an active loan")
	ErrLoanNotFound     = errors.New("loan not found")
)

// LoanFilter selects a page of loans. Zero-value fields do not filter.
type LoanFilter struct {
	UserID string
	BookID string
	Status domain.LoanStatus
	Offset int
	Limit  int
}

// LoanStore defines persistence operations for loans.
type LoanStore interface {
	// CreateLoan inserts a loan. Implementations must reject a second active
	// loan for the same book atomically with ErrActiveLoanExists.
	CreateLoan(ctx context.Context, loan domain.Loan) error
	GetLoan(ctx context.Context, id string) (domain.Loan, bool, error)
	// ListLoans returns one page ordered newest first plus the total match count.
	ListLoans(ctx context.Context, filter LoanFilter) ([]domain.Loan, int64, error)
	// UpdateLoan loads the loan, applies fn and persists the result while no other
	// writer can touch the row. An error from fn aborts the update and is returned as is.
	UpdateLoan(ctx context.Context, id string, fn func(*domain.Loan) error) (domain.Loan, error)
	ListLoansCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.Loan, error)
	DeleteLoansCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
