// Package moltbook is the HTTP adapter for the Moltbook public API.
package moltbook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/infrastructure/parser"
	"MoltbookWatch/internal/ports"
)

const (
	DefaultBaseURL   = "https://www.moltbook.com/api/v1"
	DefaultUserAgent = "MoltbookResearch/1.0"

	maxBodyBytes = 32 << 20
)

var (
	// ErrNotFound is returned for 404 and 405 answers.
	ErrNotFound = fmt.Errorf("moltbook: %w", ports.ErrNotFound)
	// ErrMalformed is returned for payloads that do not decode.
	ErrMalformed = ports.ErrMalformed
)

// StatusError is a non-2xx answer other than not-found.
type StatusError struct {
	Code       int
	Status     string
	Path       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("moltbook %s returned %s", e.Path, e.Status)
}

// Transient reports whether the request is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Delay is the server-requested wait before the next attempt.
func (e *StatusError) Delay() time.Duration {
	return e.RetryAfter
}

var _ ports.UpstreamError = (*StatusError)(nil)

// Options configures the client.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	PageSize  int
	Timeout   time.Duration
}

// Client implements ports.Source over the public API.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	pageSize  int
	http      *http.Client
	now       func() time.Time
	logger    *slog.Logger
}

var _ ports.Source = (*Client)(nil)

// NewClient wires an HTTP client; a nil client gets one with opts.Timeout.
func NewClient(opts Options, client *http.Client, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		http:      client,
		now:       time.Now,
		logger:    logger,
	}
}

// List fetches one listing page. Cursors are decimal offsets; agents have no
// listing and always report an exhausted page.
func (c *Client) List(ctx context.Context, phase domain.Phase, cursor string) (ports.Page, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return ports.Page{}, fmt.Errorf("invalid cursor %q for %s", cursor, phase)
		}
		offset = n
	}

	var (
		path string
		key  string
		q    = url.Values{}
	)
	switch phase {
	case domain.PhasePosts:
		path, key = "/posts", "posts"
		q.Set("sort", "new")
	case domain.PhaseSubmolts:
		path, key = "/submolts", "submolts"
	case domain.PhaseAgents:
		return ports.Page{}, nil
	default:
		return ports.Page{}, fmt.Errorf("unknown phase %q", phase)
	}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))

	body, endpoint, err := c.get(ctx, path, q)
	if err != nil {
		return ports.Page{}, err
	}
	listing, err := parser.DecodeListing(body, key, offset, c.pageSize)
	if err != nil {
		return ports.Page{}, fmt.Errorf("%s: %w", endpoint, err)
	}

	fetchedAt := c.now().UTC()
	page := ports.Page{
		HasMore:    listing.HasMore,
		NextCursor: strconv.Itoa(listing.NextOffset),
	}
	for _, raw := range listing.Items {
		var (
			e    domain.Entity
			perr error
		)
		if phase == domain.PhasePosts {
			e, perr = parser.Post(raw, endpoint, fetchedAt)
		} else {
			e, perr = parser.Submolt(raw, endpoint, fetchedAt)
		}
		if perr != nil {
			// A single malformed item is skipped, the page is still usable.
			c.warn("skip malformed listing item", "endpoint", endpoint, "error", perr)
			continue
		}
		page.IDs = append(page.IDs, e.ID)
		page.Entities = append(page.Entities, e)
	}
	c.debug("listing page", "phase", phase, "offset", offset, "items", len(page.IDs), "has_more", page.HasMore)
	return page, nil
}

// Fetch loads one entity by ID (post) or name (submolt, agent).
func (c *Client) Fetch(ctx context.Context, phase domain.Phase, id string) (ports.Detail, error) {
	switch phase {
	case domain.PhasePosts:
		body, endpoint, err := c.get(ctx, "/posts/"+url.PathEscape(id), nil)
		if err != nil {
			return ports.Detail{}, err
		}
		post, comments, err := parser.PostDetail(body, endpoint, c.now().UTC())
		if err != nil {
			return ports.Detail{}, fmt.Errorf("%s: %w", endpoint, err)
		}
		return ports.Detail{Entity: post, Children: comments}, nil

	case domain.PhaseSubmolts:
		body, endpoint, err := c.get(ctx, "/submolts/"+url.PathEscape(id), nil)
		if err != nil {
			return ports.Detail{}, err
		}
		s, err := parser.SubmoltDetail(body, endpoint, c.now().UTC())
		if err != nil {
			return ports.Detail{}, fmt.Errorf("%s: %w", endpoint, err)
		}
		return ports.Detail{Entity: s}, nil

	case domain.PhaseAgents:
		body, endpoint, err := c.get(ctx, "/agents/profile", url.Values{"name": {id}})
		if err != nil {
			return ports.Detail{}, err
		}
		a, err := parser.Agent(body, endpoint, c.now().UTC())
		if err != nil {
			return ports.Detail{}, fmt.Errorf("%s: %w", endpoint, err)
		}
		return ports.Detail{Entity: a}, nil

	default:
		return ports.Detail{}, fmt.Errorf("unknown phase %q", phase)
	}
}

// get performs one request without retrying; retry policy belongs to the caller.
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, string, error) {
	endpoint := path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, endpoint, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, endpoint, fmt.Errorf("request %s: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		drain(resp.Body)
		return nil, endpoint, fmt.Errorf("%s: %w", endpoint, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		drain(resp.Body)
		return nil, endpoint, &StatusError{
			Code:       resp.StatusCode,
			Status:     resp.Status,
			Path:       endpoint,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if closeErr := resp.Body.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return nil, endpoint, fmt.Errorf("read %s: %w", endpoint, err)
	}
	return body, endpoint, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// retryAfter accepts both delay-seconds and HTTP-date forms.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func (c *Client) debug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Client) warn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
