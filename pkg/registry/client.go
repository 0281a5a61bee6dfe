// Package registry queries the external found-vehicle registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound means the registry does not list the plate yet. It is an
// expected, frequent outcome, not a failure.
var ErrNotFound = errors.New("vehicle not found")

// StatusError is any non-success registry response other than the
// plain not-found case.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.Status, e.Body)
}

// Client calls the registry over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a registry client. The timeout bounds a hung
// registry so a poll cycle cannot wedge a worker.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CheckFound asks the registry whether the plate has been located.
// A 200 answer means found; the registry carries no better timestamp,
// so the observation time is used. 404 maps to ErrNotFound.
func (c *Client) CheckFound(ctx context.Context, plate string) (time.Time, error) {
	endpoint := c.baseURL + "?" + url.Values{"matricula": {plate}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return time.Now().UTC(), nil
	case http.StatusNotFound:
		return time.Time{}, ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return time.Time{}, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}
