package authclient

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

var (
	// ErrUnauthorized means the user service rejected the token.
	ErrUnauthorized = errors.New("invalid or expired token")
	// ErrNotFound matches an APIError carrying a 404.
	ErrNotFound = errors.New("user not found")
)

// Client calls the user service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a user service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// APIError represents a user service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("user service: %s", e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}

// Verify asks the user service whether token is valid and returns the caller.
func (c *Client) Verify(ctx context.Context, token string) (domain.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/verify", nil)
	if err != nil {
		return domain.Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("user service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.Identity{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var payload struct {
		Valid bool   `json:"valid"`
		Sub   string `json:"sub"`
		Role  string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Identity{}, fmt.Errorf("decode verify response: %w", err)
	}
	if !payload.Valid || strings.TrimSpace(payload.Sub) == "" {
		return domain.Identity{}, ErrUnauthorized
	}
	role := domain.RoleUser
	if strings.EqualFold(payload.Role, string(domain.RoleAdmin)) {
		role = domain.RoleAdmin
	}
	return domain.Identity{Subject: payload.Sub, Role: role}, nil
}

// GetUser fetches a user profile, forwarding the caller's token when present.
func (c *Client) GetUser(ctx context.Context, token, id string) (domain.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/"+url.PathEscape(id), nil)
	if err != nil {
		return domain.User{}, err
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.User{}, fmt.Errorf("user service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.User{}, &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	var payload struct {
		domain.User
		MongoID string `json:"_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.User{}, fmt.Errorf("decode user: %w", err)
	}
	user := payload.User
	if user.ID == "" {
		user.ID = payload.MongoID
	}
	return user, nil
}
