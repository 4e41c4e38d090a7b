package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultExtensionDays is used when an extension request does not name a day count.
	DefaultExtensionDays = 7
	// MaxExtensionDays bounds a single extension.
	MaxExtensionDays = 3650
	// maxDueYear is the last year a due date can be written as RFC 3339.
	maxDueYear = 9999
)

var (
	ErrLoanNotActive     = errors.New("loan is not active")
	ErrInvalidExtendDays = errors.New("extraDays must be an integer between 1 and 3650")
)

// ParseLoanStatus normalizes a status string. The empty string is not a status.
func ParseLoanStatus(raw string) (LoanStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LoanActive):
		return LoanActive, true
	case string(LoanReturned):
		return LoanReturned, true
	case string(LoanCanceled):
		return LoanCanceled, true
	default:
		return "", false
	}
}

// ParseBookCondition accepts only the two conditions the book registry understands.
func ParseBookCondition(raw string) (BookCondition, bool) {
	switch BookCondition(strings.TrimSpace(raw)) {
	case ConditionUnharmed:
		return ConditionUnharmed, true
	case ConditionDamaged:
		return ConditionDamaged, true
	default:
		return "", false
	}
}

// NewLoan builds an active loan borrowed at now.
func NewLoan(id, bookID, userID string, dueDate time.Time, note string, now time.Time) Loan {
	now = now.UTC()
	return Loan{
		ID:        id,
		BookID:    bookID,
		UserID:    userID,
		LoanDate:  now,
		DueDate:   dueDate.UTC(),
		Status:    LoanActive,
		Note:      note,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive reports whether the loan still blocks its book.
func (l Loan) IsActive() bool {
	return l.Status == LoanActive
}

// MarkReturned moves an active loan to returned and stamps the return date.
func (l *Loan) MarkReturned(now time.Time) error {
	if !l.IsActive() {
		return ErrLoanNotActive
	}
	now = now.UTC()
	l.Status = LoanReturned
	l.ReturnDate = &now
	l.UpdatedAt = now
	return nil
}

// Cancel moves an active loan to canceled. No return date is recorded.
func (l *Loan) Cancel(now time.Time) error {
	if !l.IsActive() {
		return ErrLoanNotActive
	}
	l.Status = LoanCanceled
	l.UpdatedAt = now.UTC()
	return nil
}

// Extend pushes the due date forward by days calendar days.
func (l *Loan) Extend(days int, now time.Time) error {
	if days <= 0 || days > MaxExtensionDays {
		return ErrInvalidExtendDays
	}
	if !l.IsActive() {
		return ErrLoanNotActive
	}
	due := l.DueDate.AddDate(0, 0, days)
	if due.Year() > maxDueYear {
		return ErrInvalidExtendDays
	}
	l.DueDate = due
	l.UpdatedAt = now.UTC()
	return nil
}

// SetNote overwrites the note in any status.
func (l *Loan) SetNote(note string, now time.Time) {
	l.Note = note
	l.UpdatedAt = now.UTC()
}
