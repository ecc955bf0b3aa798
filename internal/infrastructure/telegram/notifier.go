// Package telegram delivers review digests to a chat through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MoltbookWatch/internal/ports"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	// maxMessageRunes is the Bot API limit for one message.
	maxMessageRunes = 4096
)

// APIError is a rejected sendMessage call. RetryAfter is set on flood control.
type APIError struct {
	Status      int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram: %d", e.Status)
	if e.Description != "" {
		msg += " " + e.Description
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Notifier posts digests to one chat.
type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		apiBase:  defaultAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// PublishDigest sends digest as plain text; agent names and category IDs are
// not Markdown-safe. Messages past the API limit are cut with an ellipsis.
func (n *Notifier) PublishDigest(ctx context.Context, digest string) error {
	if n.botToken == "" || n.chatID == "" {
		return errors.New("telegram: bot token and chat id are required")
	}

	form := url.Values{
		"chat_id":                  {n.chatID},
		"text":                     {truncate(digest, maxMessageRunes)},
		"disable_web_page_preview": {"true"},
	}
	endpoint := n.apiBase + "/bot" + n.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		// The token is part of the URL; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var body apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	decodeErr := json.Unmarshal(raw, &body)
	if resp.StatusCode == http.StatusOK && decodeErr == nil && body.OK {
		return nil
	}

	apiErr := &APIError{Status: resp.StatusCode, Description: body.Description}
	if apiErr.Description == "" {
		apiErr.Description = strings.TrimSpace(string(raw))
	}
	if body.Parameters.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(body.Parameters.RetryAfter) * time.Second
	}
	return apiErr
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "\u2026"
}
