package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ebooklib/internal/util"
	"ebooklib/pkg/domain"
	"ebooklib/pkg/events"
	"ebooklib/pkg/storage"
	"ebooklib/pkg/store"
	"ebooklib/services/loan/internal/bookclient"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100

	// RetentionYears is the age past which loans are purged regardless of status.
	RetentionYears = 1

	publishTimeout = 2 * time.Second
)

// BookRegistry is the part of the book registry the loan manager depends on.
type BookRegistry interface {
	GetBook(ctx context.Context, id string) (domain.Book, error)
	UpdateState(ctx context.Context, id string, condition domain.BookCondition) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	// Store overrides DatabaseURL. With neither set an in-memory store is used.
	Store store.LoanStore
	Books BookRegistry
	Auth  Authenticator
	// StateSync defaults to a DirectStateSync over Books.
	StateSync StateSync
	// Events defaults to a LogPublisher.
	Events events.Publisher
	// Archive is optional. When set, purged loans are written to it first.
	Archive storage.ObjectStore
	Now     func() time.Time
	NewID   func() string
}

// App is the loan manager: it owns loan records and their lifecycle.
type App struct {
	store     store.LoanStore
	books     BookRegistry
	auth      Authenticator
	stateSync StateSync
	events    events.Publisher
	archive   storage.ObjectStore
	now       func() time.Time
	newID     func() string
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Books == nil {
		return nil, errors.New("book registry required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			dataStore = store.NewMemoryStore()
		} else {
			var err error
			dataStore, err = store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
		}
	}
	a := &App{
		store:     dataStore,
		books:     cfg.Books,
		auth:      cfg.Auth,
		stateSync: cfg.StateSync,
		events:    cfg.Events,
		archive:   cfg.Archive,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if a.stateSync == nil {
		a.stateSync = DirectStateSync{Books: cfg.Books}
	}
	if a.events == nil {
		a.events = events.LogPublisher{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = util.NewID
	}
	return a, nil
}

// CreateLoanInput is a borrow request.
type CreateLoanInput struct {
	Token string
	// UserID is honored only when identity verification is disabled.
	UserID  string
	BookID  string
	DueDate string
	Note    string
}

// CreateLoan authenticates the caller, checks the book exists and inserts an active loan.
func (a *App) CreateLoan(ctx context.Context, in CreateLoanInput) (domain.Loan, error) {
	caller, err := a.auth.Authenticate(ctx, in.Token, in.UserID)
	if err != nil {
		return domain.Loan{}, err
	}
	bookID := strings.TrimSpace(in.BookID)
	rawDue := strings.TrimSpace(in.DueDate)
	if bookID == "" || rawDue == "" {
		return domain.Loan{}, ErrBookAndDueDateRequired
	}
	dueDate, err := ParseDueDate(rawDue)
	if err != nil {
		return domain.Loan{}, err
	}
	if _, err := a.books.GetBook(ctx, bookID); err != nil {
		if errors.Is(err, bookclient.ErrNotFound) {
			return domain.Loan{}, ErrBookNotFound
		}
		return domain.Loan{}, fmt.Errorf("%w: %v", ErrBookRegistryUnavailable, err)
	}

	loan := domain.NewLoan(a.newID(), bookID, caller.Subject, dueDate, in.Note, a.now())
	if err := a.store.CreateLoan(ctx, loan); err != nil {
		if errors.Is(err, store.ErrActiveLoanExists) {
			return domain.Loan{}, ErrActiveLoanExists
		}
		return domain.Loan{}, fmt.Errorf("create loan: %w", err)
	}
	a.publish(ctx, domain.EventLoanCreated, loan.UserID, loan.ID, map[string]any{
		"bookId":  loan.BookID,
		"dueDate": loan.DueDate,
	})
	return loan, nil
}

// ParseDueDate accepts RFC 3339 timestamps and bare YYYY-MM-DD dates (midnight UTC).
func ParseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ErrInvalidDueDate
}

// ListLoansInput filters and pages a loan listing. Page and Limit are clamped;
// a nil Limit means DefaultLimit.
type ListLoansInput struct {
	UserID string
	BookID string
	Status string
	Page   int
	Limit  *int
}

// LoanPage is one page of loans, newest first.
type LoanPage struct {
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Total int64         `json:"total"`
	Items []domain.Loan `json:"items"`
}

func (a *App) ListLoans(ctx context.Context, in ListLoansInput) (LoanPage, error) {
	page := in.Page
	if page < 1 {
		page = DefaultPage
	}
	limit := DefaultLimit
	if in.Limit != nil {
		limit = *in.Limit
	}
	switch {
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}
	filter := store.LoanFilter{
		UserID: strings.TrimSpace(in.UserID),
		BookID: strings.TrimSpace(in.BookID),
		Offset: (page - 1) * limit,
		Limit:  limit,
	}
	if raw := strings.TrimSpace(in.Status); raw != "" {
		status, ok := domain.ParseLoanStatus(raw)
		if !ok {
			return LoanPage{}, ErrInvalidStatus
		}
		filter.Status = status
	}
	items, total, err := a.store.ListLoans(ctx, filter)
	if err != nil {
		return LoanPage{}, fmt.Errorf("list loans: %w", err)
	}
	if items == nil {
		items = []domain.Loan{}
	}
	return LoanPage{Page: page, Limit: limit, Total: total, Items: items}, nil
}

// LoansByUser returns every loan of a user, newest first.
func (a *App) LoansByUser(ctx context.Context, userID string) ([]domain.Loan, error) {
	items, _, err := a.store.ListLoans(ctx, store.LoanFilter{UserID: strings.TrimSpace(userID)})
	if err != nil {
		return nil, fmt.Errorf("list loans by user: %w", err)
	}
	return items, nil
}

// ActiveLoans returns every active loan, newest first.
func (a *App) ActiveLoans(ctx context.Context) ([]domain.Loan, error) {
	items, _, err := a.store.ListLoans(ctx, store.LoanFilter{Status: domain.LoanActive})
	if err != nil {
		return nil, fmt.Errorf("list active loans: %w", err)
	}
	return items, nil
}

func (a *App) GetLoan(ctx context.Context, id string) (domain.Loan, error) {
	if !util.IsUUID(id) {
		return domain.Loan{}, ErrInvalidID
	}
	loan, ok, err := a.store.GetLoan(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Loan{}, fmt.Errorf("get loan: %w", err)
	}
	if !ok {
		return domain.Loan{}, ErrLoanNotFound
	}
	return loan, nil
}

// ReturnLoan closes an active loan. A recognized state is forwarded to the
// book registry in the background and never fails the return.
func (a *App) ReturnLoan(ctx context.Context, loanID, state string) (domain.Loan, error) {
	if strings.TrimSpace(loanID) == "" {
		return domain.Loan{}, ErrLoanIDRequired
	}
	now := a.now()
	loan, err := a.update(ctx, loanID, func(l *domain.Loan) error {
		return l.MarkReturned(now)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	meta := map[string]any{"bookId": loan.BookID}
	if condition, ok := domain.ParseBookCondition(state); ok {
		meta["state"] = condition
		if err := a.stateSync.Schedule(context.WithoutCancel(ctx), loan.BookID, condition); err != nil {
			util.LoggerFromContext(ctx).Warn("book state sync not scheduled", "loan_id", loan.ID, "book_id", loan.BookID, "err", err)
		}
	}
	a.publish(ctx, domain.EventLoanReturned, loan.UserID, loan.ID, meta)
	return loan, nil
}

// ExtendLoan moves the due date of an active loan. A nil extraDays means DefaultExtensionDays.
func (a *App) ExtendLoan(ctx context.Context, id string, extraDays *int) (domain.Loan, error) {
	days := domain.DefaultExtensionDays
	if extraDays != nil {
		days = *extraDays
	}
	if days <= 0 || days > domain.MaxExtensionDays {
		return domain.Loan{}, ErrInvalidExtendDays
	}
	now := a.now()
	loan, err := a.update(ctx, id, func(l *domain.Loan) error {
		return l.Extend(days, now)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, domain.EventLoanExtended, loan.UserID, loan.ID, map[string]any{
		"extraDays": days,
		"dueDate":   loan.DueDate,
	})
	return loan, nil
}

// UpdateNote overwrites the note in any status.
func (a *App) UpdateNote(ctx context.Context, id, note string) (domain.Loan, error) {
	now := a.now()
	loan, err := a.update(ctx, id, func(l *domain.Loan) error {
		l.SetNote(note, now)
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, domain.EventLoanNoteUpdated, loan.UserID, loan.ID, nil)
	return loan, nil
}

func (a *App) CancelLoan(ctx context.Context, id string) (domain.Loan, error) {
	now := a.now()
	loan, err := a.update(ctx, id, func(l *domain.Loan) error {
		return l.Cancel(now)
	})
	if err != nil {
		return domain.Loan{}, err
	}
	a.publish(ctx, domain.EventLoanCanceled, loan.UserID, loan.ID, map[string]any{"bookId": loan.BookID})
	return loan, nil
}

// PurgeResult reports a purge. ArchiveKey is empty when nothing was archived.
type PurgeResult struct {
	Deleted    int64  `json:"deleted"`
	ArchiveKey string `json:"archiveKey,omitempty"`
}

type purgeArchive struct {
	Cutoff   time.Time     `json:"cutoff"`
	PurgedAt time.Time     `json:"purgedAt"`
	Loans    []domain.Loan `json:"loans"`
}

// PurgeOldLoans deletes loans created before now minus RetentionYears, in any status.
func (a *App) PurgeOldLoans(ctx context.Context) (PurgeResult, error) {
	now := a.now().UTC()
	cutoff := now.AddDate(-RetentionYears, 0, 0)

	var archiveKey string
	if a.archive != nil {
		doomed, err := a.store.ListLoansCreatedBefore(ctx, cutoff)
		if err != nil {
			return PurgeResult{}, fmt.Errorf("list purgeable loans: %w", err)
		}
		if len(doomed) > 0 {
			archiveKey = fmt.Sprintf("loans/purged/%s.json", now.Format("20060102T150405.000000000Z"))
			if err := storage.PutJSON(ctx, a.archive, archiveKey, purgeArchive{Cutoff: cutoff, PurgedAt: now, Loans: doomed}); err != nil {
				return PurgeResult{}, fmt.Errorf("archive purged loans: %w", err)
			}
		}
	}

	deleted, err := a.store.DeleteLoansCreatedBefore(ctx, cutoff)
	if err != nil {
		if archiveKey != "" {
			if delErr := a.archive.Delete(context.WithoutCancel(ctx), archiveKey); delErr != nil {
				util.LoggerFromContext(ctx).Error("purge archive cleanup failed", "key", archiveKey, "err", delErr)
			}
		}
		return PurgeResult{}, fmt.Errorf("purge loans: %w", err)
	}
	a.publish(ctx, domain.EventLoansPurged, "", "", map[string]any{
		"deleted":    deleted,
		"cutoff":     cutoff,
		"archiveKey": archiveKey,
	})
	return PurgeResult{Deleted: deleted, ArchiveKey: archiveKey}, nil
}

func (a *App) update(ctx context.Context, id string, fn func(*domain.Loan) error) (domain.Loan, error) {
	if !util.IsUUID(id) {
		return domain.Loan{}, ErrInvalidID
	}
	loan, err := a.store.UpdateLoan(ctx, strings.TrimSpace(id), fn)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLoanNotFound):
			return domain.Loan{}, ErrLoanNotFound
		case errors.Is(err, domain.ErrLoanNotActive), errors.Is(err, domain.ErrInvalidExtendDays):
			return domain.Loan{}, err
		}
		return domain.Loan{}, fmt.Errorf("update loan: %w", err)
	}
	return loan, nil
}

// publish is best-effort: a broker failure is logged and never fails the operation.
func (a *App) publish(ctx context.Context, eventType, userID, entityID string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	event := domain.LoanEvent{
		ID:         a.newID(),
		Type:       eventType,
		UserID:     userID,
		EntityID:   entityID,
		Meta:       meta,
		OccurredAt: a.now().UTC(),
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := a.events.Publish(pubCtx, event); err != nil {
		util.LoggerFromContext(ctx).Warn("loan event not published", "type", eventType, "entity_id", entityID, "err", err)
	}
}
