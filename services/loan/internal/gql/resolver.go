package gql

import (
	"context"
	"errors"
	"sync"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"golang.org/x/sync/errgroup"

	"ebooklib/internal/util"
	"ebooklib/pkg/domain"
	"ebooklib/services/loan/internal/app"
)

const (
	isoLayout           = "2006-01-02T15:04:05.000Z07:00"
	prefetchConcurrency = 4
	maxQueryDepth       = 8
)

// UserDirectory resolves Loan.user.
type UserDirectory interface {
	GetUser(ctx context.Context, token, id string) (domain.User, error)
}

// BookCatalog resolves Loan.book.
type BookCatalog interface {
	GetBook(ctx context.Context, id string) (domain.Book, error)
}

// Resolver is the root resolver. Users and Books are optional; without them
// the nested fields resolve to null.
type Resolver struct {
	App   *app.App
	Users UserDirectory
	Books BookCatalog
}

// NewSchema parses the loan schema against r.
func NewSchema(r *Resolver) (*graphql.Schema, error) {
	return graphql.ParseSchema(schemaSDL, r, graphql.MaxDepth(maxQueryDepth))
}

func (r *Resolver) Loan(ctx context.Context, args struct{ ID graphql.ID }) (*loanResolver, error) {
	loan, err := r.App.GetLoan(ctx, string(args.ID))
	if err != nil {
		if errors.Is(err, app.ErrLoanNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.newLoan(loan, newRelated()), nil
}

func (r *Resolver) LoansByUser(ctx context.Context, args struct{ UserID graphql.ID }) ([]*loanResolver, error) {
	loans, err := r.App.LoansByUser(ctx, string(args.UserID))
	if err != nil {
		return nil, err
	}
	return r.wrapAll(ctx, loans), nil
}

func (r *Resolver) ActiveLoans(ctx context.Context) ([]*loanResolver, error) {
	loans, err := r.App.ActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	return r.wrapAll(ctx, loans), nil
}

type createLoanArgs struct {
	UserID  *graphql.ID
	BookID  graphql.ID
	DueDate string
	Note    *string
}

func (r *Resolver) CreateLoan(ctx context.Context, args createLoanArgs) (*loanResolver, error) {
	in := app.CreateLoanInput{
		Token:   TokenFromContext(ctx),
		BookID:  string(args.BookID),
		DueDate: args.DueDate,
	}
	if args.UserID != nil {
		in.UserID = string(*args.UserID)
	}
	if args.Note != nil {
		in.Note = *args.Note
	}
	loan, err := r.App.CreateLoan(ctx, in)
	if err != nil {
		return nil, err
	}
	return r.newLoan(loan, newRelated()), nil
}

func (r *Resolver) ReturnLoan(ctx context.Context, args struct {
	ID    graphql.ID
	State *string
}) (*loanResolver, error) {
	var state string
	if args.State != nil {
		state = *args.State
	}
	loan, err := r.App.ReturnLoan(ctx, string(args.ID), state)
	if err != nil {
		return nil, err
	}
	return r.newLoan(loan, newRelated()), nil
}

func (r *Resolver) CancelLoan(ctx context.Context, args struct{ ID graphql.ID }) (*loanResolver, error) {
	loan, err := r.App.CancelLoan(ctx, string(args.ID))
	if err != nil {
		return nil, err
	}
	return r.newLoan(loan, newRelated()), nil
}

func (r *Resolver) newLoan(loan domain.Loan, rel *related) *loanResolver {
	return &loanResolver{loan: loan, root: r, rel: rel}
}

// wrapAll prefetches the distinct users and books of a list so nested
// fields do not fetch one by one.
func (r *Resolver) wrapAll(ctx context.Context, loans []domain.Loan) []*loanResolver {
	rel := newRelated()
	userIDs := map[string]struct{}{}
	bookIDs := map[string]struct{}{}
	for _, l := range loans {
		userIDs[l.UserID] = struct{}{}
		bookIDs[l.BookID] = struct{}{}
	}
	var g errgroup.Group
	g.SetLimit(prefetchConcurrency)
	if r.Users != nil {
		for id := range userIDs {
			g.Go(func() error {
				r.lookupUser(ctx, rel, id)
				return nil
			})
		}
	}
	if r.Books != nil {
		for id := range bookIDs {
			g.Go(func() error {
				r.lookupBook(ctx, rel, id)
				return nil
			})
		}
	}
	_ = g.Wait()

	out := make([]*loanResolver, 0, len(loans))
	for _, l := range loans {
		out = append(out, r.newLoan(l, rel))
	}
	return out
}

// related caches nested lookups for one query. A nil entry records a failed lookup.
type related struct {
	mu    sync.Mutex
	users map[string]*domain.User
	books map[string]*domain.Book
}

func newRelated() *related {
	return &related{users: map[string]*domain.User{}, books: map[string]*domain.Book{}}
}

func (r *Resolver) lookupUser(ctx context.Context, rel *related, id string) *domain.User {
	if r.Users == nil || id == "" {
		return nil
	}
	rel.mu.Lock()
	cached, ok := rel.users[id]
	rel.mu.Unlock()
	if ok {
		return cached
	}
	var out *domain.User
	user, err := r.Users.GetUser(ctx, TokenFromContext(ctx), id)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("graphql user lookup failed", "user_id", id, "err", err)
	} else {
		out = &user
	}
	rel.mu.Lock()
	rel.users[id] = out
	rel.mu.Unlock()
	return out
}

func (r *Resolver) lookupBook(ctx context.Context, rel *related, id string) *domain.Book {
	if r.Books == nil || id == "" {
		return nil
	}
	rel.mu.Lock()
	cached, ok := rel.books[id]
	rel.mu.Unlock()
	if ok {
		return cached
	}
	var out *domain.Book
	book, err := r.Books.GetBook(ctx, id)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("graphql book lookup failed", "book_id", id, "err", err)
	} else {
		out = &book
	}
	rel.mu.Lock()
	rel.books[id] = out
	rel.mu.Unlock()
	return out
}

type loanResolver struct {
	loan domain.Loan
	root *Resolver
	rel  *related
}

func (l *loanResolver) ID() graphql.ID     { return graphql.ID(l.loan.ID) }
func (l *loanResolver) BookID() graphql.ID { return graphql.ID(l.loan.BookID) }
func (l *loanResolver) UserID() graphql.ID { return graphql.ID(l.loan.UserID) }
func (l *loanResolver) LoanDate() string   { return formatTime(l.loan.LoanDate) }
func (l *loanResolver) DueDate() string    { return formatTime(l.loan.DueDate) }
func (l *loanResolver) Status() string     { return string(l.loan.Status) }

func (l *loanResolver) ReturnDate() *string {
	if l.loan.ReturnDate == nil {
		return nil
	}
	s := formatTime(*l.loan.ReturnDate)
	return &s
}

func (l *loanResolver) Note() *string {
	note := l.loan.Note
	return &note
}

func (l *loanResolver) User(ctx context.Context) *userResolver {
	u := l.root.lookupUser(ctx, l.rel, l.loan.UserID)
	if u == nil {
		return nil
	}
	return &userResolver{user: *u}
}

func (l *loanResolver) Book(ctx context.Context) *bookResolver {
	b := l.root.lookupBook(ctx, l.rel, l.loan.BookID)
	if b == nil {
		return nil
	}
	return &bookResolver{book: *b}
}

type userResolver struct {
	user domain.User
}

func (u *userResolver) ID() graphql.ID  { return graphql.ID(u.user.ID) }
func (u *userResolver) Email() string   { return u.user.Email }
func (u *userResolver) Name() string    { return u.user.Name }
func (u *userResolver) Role() *string   { return optional(string(u.user.Role)) }
func (u *userResolver) Status() *string { return optional(u.user.Status) }

type bookResolver struct {
	book domain.Book
}

func (b *bookResolver) ID() graphql.ID  { return graphql.ID(b.book.ID) }
func (b *bookResolver) Title() string   { return b.book.Title }
func (b *bookResolver) Author() *string { return optional(b.book.Author) }

func formatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
