package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MoltbookWatch/internal/ports"
)

// Client talks to an external classification service that returns calibrated
// per-category probabilities.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ ports.Scorer = (*Client)(nil)

// NewClient creates a reusable HTTP client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

type scoreRequest struct {
	Texts      []string `json:"texts"`
	Categories []string `json:"categories"`
}

type scoreResponse struct {
	Scores []map[string]float64 `json:"scores"`
}

// Score sends one batch for classification. Transport failures and 5xx
// answers wrap ports.ErrScorerUnavailable.
func (c *Client) Score(ctx context.Context, texts []string, categories []string) ([]map[string]float64, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("ml endpoint not configured: %w", ports.ErrScorerUnavailable)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	var resp scoreResponse
	if err := c.post(ctx, "/score", scoreRequest{Texts: texts, Categories: categories}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Scores) != len(texts) {
		return nil, fmt.Errorf("ml service scored %d of %d texts", len(resp.Scores), len(texts))
	}
	return resp.Scores, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w: %w", ports.ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %s: %w", resp.Status, ports.ErrScorerUnavailable)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
