package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	graphql "github.com/graph-gophers/graphql-go"

	"ebooklib/pkg/domain"
	"ebooklib/services/loan/internal/app"
	"ebooklib/services/loan/internal/bookclient"
)

type stubBooks struct {
	mu    sync.Mutex
	calls map[string]int
}

func (b *stubBooks) GetBook(_ context.Context, id string) (domain.Book, error) {
	b.mu.Lock()
	b.calls[id]++
	b.mu.Unlock()
	if id == "missing" {
		return domain.Book{}, &bookclient.APIError{Status: http.StatusNotFound, Message: "not found"}
	}
	return domain.Book{ID: id, Title: "Title " + id, Author: "Herbert"}, nil
}

func (b *stubBooks) UpdateState(context.Context, string, domain.BookCondition) error { return nil }

type stubUsers struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	fail   bool
}

func (u *stubUsers) GetUser(_ context.Context, token, id string) (domain.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	u.tokens = append(u.tokens, token)
	if u.fail {
		return domain.User{}, errors.New("user service down")
	}
	return domain.User{ID: id, Email: id + "@example.com", Name: "Reader " + id, Role: domain.RoleUser}, nil
}

type noopSync struct{}

func (noopSync) Schedule(context.Context, string, domain.BookCondition) error { return nil }

type fixture struct {
	schema *graphql.Schema
	books  *stubBooks
	users  *stubUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	books := &stubBooks{calls: map[string]int{}}
	users := &stubUsers{}
	a, err := app.New(app.Config{
		Books:     books,
		Auth:      app.TrustedCaller{DefaultUserID: "u1"},
		StateSync: noopSync{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	schema, err := NewSchema(&Resolver{App: a, Users: users, Books: books})
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return &fixture{schema: schema, books: books, users: users}
}

func (f *fixture) exec(t *testing.T, ctx context.Context, query string, vars map[string]any) map[string]json.RawMessage {
	t.Helper()
	resp := f.schema.Exec(ctx, query, "", vars)
	if len(resp.Errors) > 0 {
		t.Fatalf("graphql errors: %v", resp.Errors)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data
}

type loanView struct {
	ID         string  `json:"id"`
	BookID     string  `json:"bookId"`
	UserID     string  `json:"userId"`
	DueDate    string  `json:"dueDate"`
	ReturnDate *string `json:"returnDate"`
	Status     string  `json:"status"`
	Note       *string `json:"note"`
	User       *struct {
		Email string `json:"email"`
	} `json:"user"`
	Book *struct {
		Title  string  `json:"title"`
		Author *string `json:"author"`
	} `json:"book"`
}

const createMutation = `mutation($bookId: ID!, $userId: ID) {
  createLoan(bookId: $bookId, userId: $userId, dueDate: "2030-05-01", note: "gift") {
    id bookId userId dueDate status note returnDate
  }
}`

func createLoan(t *testing.T, f *fixture, bookID, userID string) loanView {
	t.Helper()
	data := f.exec(t, ContextWithToken(context.Background(), "tok"), createMutation, map[string]any{"bookId": bookID, "userId": userID})
	var loan loanView
	if err := json.Unmarshal(data["createLoan"], &loan); err != nil {
		t.Fatalf("decode loan: %v", err)
	}
	return loan
}

func TestCreateAndReturnLoan(t *testing.T) {
	f := newFixture(t)
	loan := createLoan(t, f, "b1", "u7")
	if loan.UserID != "u7" || loan.Status != "active" || loan.ReturnDate != nil {
		t.Fatalf("unexpected loan: %+v", loan)
	}
	if loan.DueDate != "2030-05-01T00:00:00.000Z" {
		t.Fatalf("dueDate = %q", loan.DueDate)
	}
	if loan.Note == nil || *loan.Note != "gift" {
		t.Fatalf("note = %v", loan.Note)
	}

	resp := f.schema.Exec(context.Background(), createMutation, "", map[string]any{"bookId": "b1"})
	if len(resp.Errors) == 0 {
		t.Fatalf("expected a conflict for a second active loan")
	}

	data := f.exec(t, context.Background(), `mutation($id: ID!) { returnLoan(id: $id, state: "unharmed") { status returnDate } }`,
		map[string]any{"id": loan.ID})
	var returned loanView
	if err := json.Unmarshal(data["returnLoan"], &returned); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if returned.Status != "returned" || returned.ReturnDate == nil {
		t.Fatalf("unexpected returned loan: %+v", returned)
	}
}

func TestLoanQueryResolvesNestedFields(t *testing.T) {
	f := newFixture(t)
	loan := createLoan(t, f, "b1", "u1")

	data := f.exec(t, ContextWithToken(context.Background(), "reader-token"),
		`query($id: ID!) { loan(id: $id) { id user { email } book { title author } } }`,
		map[string]any{"id": loan.ID})
	var got loanView
	if err := json.Unmarshal(data["loan"], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User == nil || got.User.Email != "u1@example.com" {
		t.Fatalf("user = %+v", got.User)
	}
	if got.Book == nil || got.Book.Title != "Title b1" {
		t.Fatalf("book = %+v", got.Book)
	}
	if len(f.users.tokens) != 1 || f.users.tokens[0] != "reader-token" {
		t.Fatalf("token not forwarded: %v", f.users.tokens)
	}
}

func TestLoanQueryUnknownIDIsNull(t *testing.T) {
	f := newFixture(t)
	data := f.exec(t, context.Background(), `{ loan(id: "7f1f6a3c-8b8e-4c9e-9f7a-2b1d3c4e5f60") { id } }`, nil)
	if string(data["loan"]) != "null" {
		t.Fatalf("loan = %s", data["loan"])
	}

	resp := f.schema.Exec(context.Background(), `{ loan(id: "nope") { id } }`, "", nil)
	if len(resp.Errors) == 0 {
		t.Fatalf("expected an invalid id error")
	}
}

func TestListQueriesPrefetchOncePerID(t *testing.T) {
	f := newFixture(t)
	createLoan(t, f, "b1", "u1")
	createLoan(t, f, "b2", "u1")
	createLoan(t, f, "missing-not", "u2")

	data := f.exec(t, context.Background(), `{ activeLoans { id user { email } book { title } } }`, nil)
	var loans []loanView
	if err := json.Unmarshal(data["activeLoans"], &loans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(loans) != 3 {
		t.Fatalf("active loans = %d", len(loans))
	}
	for _, l := range loans {
		if l.User == nil || l.Book == nil {
			t.Fatalf("nested fields missing: %+v", l)
		}
	}
	if f.users.calls != 2 {
		t.Fatalf("user lookups = %d, want 2", f.users.calls)
	}

	data = f.exec(t, context.Background(), `{ loansByUser(userId: "u1") { bookId } }`, nil)
	if err := json.Unmarshal(data["loansByUser"], &loans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(loans) != 2 {
		t.Fatalf("loans by user = %d", len(loans))
	}
}

func TestNestedLookupFailureIsNull(t *testing.T) {
	f := newFixture(t)
	loan := createLoan(t, f, "b1", "u1")
	f.users.fail = true

	data := f.exec(t, context.Background(), `query($id: ID!) { loan(id: $id) { user { email } book { title } } }`,
		map[string]any{"id": loan.ID})
	var got loanView
	if err := json.Unmarshal(data["loan"], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User != nil {
		t.Fatalf("user should be null when the user service fails")
	}
	if got.Book == nil {
		t.Fatalf("book should still resolve")
	}
}

func TestCancelLoanMutation(t *testing.T) {
	f := newFixture(t)
	loan := createLoan(t, f, "b1", "u1")
	data := f.exec(t, context.Background(), `mutation($id: ID!) { cancelLoan(id: $id) { status returnDate } }`,
		map[string]any{"id": loan.ID})
	var got loanView
	if err := json.Unmarshal(data["cancelLoan"], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "canceled" || got.ReturnDate != nil {
		t.Fatalf("unexpected canceled loan: %+v", got)
	}
}

func TestHandlerForwardsBearerToken(t *testing.T) {
	f := newFixture(t)
	loan := createLoan(t, f, "b1", "u1")
	ts := httptest.NewServer(Handler(f.schema))
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(map[string]any{
		"query":     `query($id: ID!) { loan(id: $id) { user { name } } }`,
		"variables": map[string]any{"id": loan.ID},
	})
	req, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.users.tokens[len(f.users.tokens)-1] != "abc" {
		t.Fatalf("token = %v", f.users.tokens)
	}

	getResp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", getResp.StatusCode)
	}
}
