// Package telegram is a thin client for the Bot API methods this
// service needs: sending messages and registering the webhook.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// APIError is a non-ok Bot API response.
type APIError struct {
	Status      int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api returned %d: %s", e.Status, e.Description)
}

// Client calls the Telegram Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API host, used by tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewClient constructs a Bot API client for the given bot token.
func NewClient(token string, options ...Option) *Client {
	c := &Client{
		baseURL:    defaultAPIBase,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// SendMessage delivers text to one chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
}

// SetWebhook points the bot's webhook at url, authenticated by the
// secret token Telegram echoes back on every update.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url":          url,
		"secret_token": secretToken,
	})
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var decoded apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	if resp.StatusCode >= 400 || !decoded.OK {
		desc := decoded.Description
		if desc == "" {
			desc = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Description: desc}
	}
	return nil
}
