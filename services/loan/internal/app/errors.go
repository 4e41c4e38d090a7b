package app

import (
	"errors"

	"ebooklib/pkg/domain"
	"ebooklib/pkg/store"
)

var (
	ErrInvalidID              = errors.New("invalid id")
	ErrBookAndDueDateRequired = errors.New("bookId and dueDate are required")
	ErrInvalidDueDate         = errors.New("dueDate must be an ISO-8601 date")
	ErrLoanIDRequired         = errors.New("loanId is required")
	ErrInvalidStatus          = errors.New("status must be one of active, returned, canceled")
	ErrUnauthorized           = errors.New("invalid or expired token")
	ErrLoanNotFound           = errors.New("loan not found")
	ErrBookNotFound           = errors.New("book doesn't exist")

	// ErrIdentityUnavailable and ErrBookRegistryUnavailable wrap collaborator
	// faults that are not a definite answer.
	ErrIdentityUnavailable     = errors.New("identity verifier unavailable")
	ErrBookRegistryUnavailable = errors.New("book registry unavailable")

	ErrLoanNotActive     = domain.ErrLoanNotActive
	ErrInvalidExtendDays = domain.ErrInvalidExtendDays
	ErrActiveLoanExists  = store.ErrActiveLoanExists
)
