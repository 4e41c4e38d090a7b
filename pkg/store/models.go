package store

import "time"

// LoanModel is the GORM row for a loan. UpdatedAt is stamped by the domain
// transitions, not by GORM.
type LoanModel struct {
	ID         string     `gorm:"primaryKey"`
	BookID     string     `gorm:"not null;index:idx_loan_book_status,priority:1"`
	UserID     string     `gorm:"not null;index"`
	LoanDate   time.Time  `gorm:"not null"`
	DueDate    time.Time  `gorm:"not null"`
	ReturnDate *time.Time
	Status     string    `gorm:"not null;index;index:idx_loan_book_status,priority:2"`
	Note       string    `gorm:"not null;default:''"`
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime:false"`
}
