package domain

import "time"

type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
	LoanCanceled LoanStatus = "canceled"
)

// BookCondition is the physical state reported back to the book registry on return.
type BookCondition string

const (
	ConditionUnharmed BookCondition = "unharmed"
	ConditionDamaged  BookCondition = "damaged"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type Loan struct {
	ID         string     `json:"id"`
	BookID     string     `json:"bookId"`
	UserID     string     `json:"userId"`
	LoanDate   time.Time  `json:"loanDate"`
	DueDate    time.Time  `json:"dueDate"`
	ReturnDate *time.Time `json:"returnDate"`
	Status     LoanStatus `json:"status"`
	Note       string     `json:"note"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Book is the subset of a book registry record the loan service reads.
type Book struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	State  string `json:"state,omitempty"`
}

type User struct {
	ID     string   `json:"id"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Role   UserRole `json:"role"`
	Status string   `json:"status,omitempty"`
}

// Identity is the verified caller of a request.
type Identity struct {
	Subject string   `json:"sub"`
	Role    UserRole `json:"role"`
}

// LoanEvent is published after each successful loan mutation.
type LoanEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	Meta       map[string]any `json:"meta"`
	OccurredAt time.Time      `json:"occurredAt"`
}

const (
	EventLoanCreated     = "loans.created"
	EventLoanReturned    = "loans.returned"
	EventLoanExtended    = "loans.extended"
	EventLoanNoteUpdated = "loans.note_updated"
	EventLoanCanceled    = "loans.canceled"
	EventLoansPurged     = "loans.purged"
)
