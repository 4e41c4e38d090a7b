package bookclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ebooklib/pkg/domain"
)

// ErrNotFound matches an APIError carrying a 404 from the book registry.
var ErrNotFound = errors.New("book not found")

// serviceAudience is the audience of internal tokens sent to the book registry.
const serviceAudience = "book"

// TokenSigner issues internal service tokens.
type TokenSigner interface {
	Sign(audience string) (string, error)
}

// Client calls the book registry over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     TokenSigner
}

// APIError represents a book registry error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("book registry: %s", e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

type Option func(*Client)

// WithSigner attaches an internal service token to every request.
func WithSigner(s TokenSigner) Option {
	return func(c *Client) { c.signer = s }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient constructs a book registry client. Calls time out after 5s and are not retried.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBook fetches a book by id.
func (c *Client) GetBook(ctx context.Context, id string) (domain.Book, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/books/"+url.PathEscape(id))
	if err != nil {
		return domain.Book{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Book{}, fmt.Errorf("book registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.Book{}, decodeError(resp)
	}
	var payload struct {
		domain.Book
		MongoID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Book{}, fmt.Errorf("decode book: %w", err)
	}
	book := payload.Book
	if book.ID == "" {
		book.ID = payload.MongoID
	}
	if book.ID == "" {
		book.ID = id
	}
	return book, nil
}

// UpdateState reports the physical condition of a returned book.
func (c *Client) UpdateState(ctx context.Context, id string, condition domain.BookCondition) error {
	path := "/books/" + url.PathEscape(id) + "/state?" + url.Values{"state": {string(condition)}}.Encode()
	req, err := c.newRequest(ctx, http.MethodPut, path)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("book registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		token, err := c.signer.Sign(serviceAudience)
		if err != nil {
			return nil, fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = errResp.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
