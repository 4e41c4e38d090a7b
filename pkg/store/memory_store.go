package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"ebooklib/pkg/domain"
)

// MemoryStore keeps loans in-process for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	loans map[string]domain.Loan
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{loans: make(map[string]domain.Loan)}
}

// CreateLoan checks for an active loan and inserts under the same lock.
func (m *MemoryStore) CreateLoan(_ context.Context, loan domain.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loan.IsActive() {
		for _, existing := range m.loans {
			if existing.BookID == loan.BookID && existing.IsActive() {
				return ErrActiveLoanExists
			}
		}
	}
	m.loans[loan.ID] = loan
	return nil
}

// GetLoan retrieves a loan by ID.
func (m *MemoryStore) GetLoan(_ context.Context, id string) (domain.Loan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[id]
	return l, ok, nil
}

// ListLoans filters, sorts newest first and slices one page.
func (m *MemoryStore) ListLoans(_ context.Context, filter LoanFilter) ([]domain.Loan, int64, error) {
	m.mu.RLock()
	matched := make([]domain.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		if filter.UserID != "" && l.UserID != filter.UserID {
			continue
		}
		if filter.BookID != "" && l.BookID != filter.BookID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		matched = append(matched, l)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// UpdateLoan applies fn to a copy and stores it only when fn succeeds.
func (m *MemoryStore) UpdateLoan(_ context.Context, id string, fn func(*domain.Loan) error) (domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return domain.Loan{}, ErrLoanNotFound
	}
	if err := fn(&l); err != nil {
		return domain.Loan{}, err
	}
	m.loans[id] = l
	return l, nil
}

// ListLoansCreatedBefore returns loans older than cutoff, oldest first.
func (m *MemoryStore) ListLoansCreatedBefore(_ context.Context, cutoff time.Time) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Loan, 0)
	for _, l := range m.loans {
		if l.CreatedAt.Before(cutoff) {
			res = append(res, l)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// DeleteLoansCreatedBefore removes loans older than cutoff.
func (m *MemoryStore) DeleteLoansCreatedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, l := range m.loans {
		if l.CreatedAt.Before(cutoff) {
			delete(m.loans, id)
			deleted++
		}
	}
	return deleted, nil
}
