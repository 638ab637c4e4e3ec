// Package restclient reads rooms and the plugin catalog from the REST
// side-channel next to the relay.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"huddle/internal/core/domain"
	apperrors "huddle/pkg/errors"
)

type Client struct {
	baseURL *url.URL
	http    *http.Client
	secret  string
}

// New returns a client for the API rooted at baseURL. A zero timeout
// leaves deadlines to the request context.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// SetSecret authenticates later requests with the relay secret.
func (c *Client) SetSecret(secret string) {
	c.secret = secret
}

func (c *Client) CreateRoom(ctx context.Context) (*domain.Room, error) {
	var body struct {
		Room *domain.Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", &body); err != nil {
		return nil, err
	}
	return body.Room, nil
}

func (c *Client) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var body struct {
		Room *domain.Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(string(id)), &body); err != nil {
		return nil, err
	}
	return body.Room, nil
}

func (c *Client) ListPlugins(ctx context.Context) ([]domain.Plugin, error) {
	var body struct {
		Plugins []domain.Plugin `json:"plugins"`
	}
	if err := c.do(ctx, http.MethodGet, "/plugins", &body); err != nil {
		return nil, err
	}
	return body.Plugins, nil
}

// do sends one request and decodes a 2xx body into out. Other statuses
// become an AppError carrying the server's status and message.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.NewTransportError(err, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.NewTransportError(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Message string `json:"message"`
		}
		message := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &failure) == nil && failure.Message != "" {
			message = failure.Message
		}
		return apperrors.FromStatus(resp.StatusCode, message)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewProtocolError(fmt.Sprintf("decode %s %s: %v", method, path, err))
	}
	return nil
}
