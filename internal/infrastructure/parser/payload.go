// Package parser decodes Moltbook API payloads into domain entities and
// normalizes their text for the extractors.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// ID accepts both string and numeric identifiers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type ref struct {
	ID       ID     `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
}

func (r *ref) agentName() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return r.Username
}

func (r *ref) submoltName() string {
	if r == nil {
		return ""
	}
	if r.Name != "" {
		return r.Name
	}
	return r.Slug
}

type post struct {
	ID           ID     `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	URL          string `json:"url"`
	Upvotes      int    `json:"upvotes"`
	Downvotes    int    `json:"downvotes"`
	CommentCount int    `json:"comment_count"`
	CreatedAt    string `json:"created_at"`
	Author       *ref   `json:"author"`
	Submolt      *ref   `json:"submolt"`
}

type comment struct {
	ID        ID                `json:"id"`
	ParentID  ID                `json:"parent_id"`
	Content   string            `json:"content"`
	Upvotes   int               `json:"upvotes"`
	Downvotes int               `json:"downvotes"`
	CreatedAt string            `json:"created_at"`
	Author    *ref              `json:"author"`
	Replies   []json.RawMessage `json:"replies"`
}

type agent struct {
	ID             ID     `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Karma          int    `json:"karma"`
	FollowerCount  int    `json:"follower_count"`
	FollowingCount int    `json:"following_count"`
	CreatedAt      string `json:"created_at"`
}

type submolt struct {
	ID              ID     `json:"id"`
	Name            string `json:"name"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description"`
	SubscriberCount int    `json:"subscriber_count"`
	CreatedAt       string `json:"created_at"`
}

type envelope struct {
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Post    json.RawMessage `json:"post"`
	Agent   json.RawMessage `json:"agent"`
	Submolt json.RawMessage `json:"submolt"`
	// Comments keeps the raw objects so unknown fields survive.
	Comments []json.RawMessage `json:"comments"`
}

// Listing is one decoded offset page.
type Listing struct {
	Items      []json.RawMessage
	HasMore    bool
	NextOffset int
}

// DecodeListing reads a `{success, <key>: [...], has_more, next_offset}` page.
// Missing pagination hints fall back to offset arithmetic.
func DecodeListing(body []byte, key string, offset, limit int) (Listing, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Listing{}, fmt.Errorf("%w: listing: %v", ports.ErrMalformed, err)
	}
	if err := checkSuccess(fields["success"], fields["error"]); err != nil {
		return Listing{}, err
	}

	raw, ok := fields[key]
	if !ok {
		return Listing{}, fmt.Errorf("%w: listing without %q", ports.ErrMalformed, key)
	}
	var l Listing
	if err := json.Unmarshal(raw, &l.Items); err != nil {
		return Listing{}, fmt.Errorf("%w: listing %q: %v", ports.ErrMalformed, key, err)
	}

	l.NextOffset = offset + len(l.Items)
	if v, ok := fields["next_offset"]; ok {
		var next int
		if err := json.Unmarshal(v, &next); err == nil && next > offset {
			l.NextOffset = next
		}
	}
	l.HasMore = limit > 0 && len(l.Items) >= limit
	if v, ok := fields["has_more"]; ok {
		var more bool
		if err := json.Unmarshal(v, &more); err == nil {
			l.HasMore = more
		}
	}
	if len(l.Items) == 0 {
		l.HasMore = false
	}
	return l, nil
}

func checkSuccess(successRaw, errRaw json.RawMessage) error {
	if len(successRaw) == 0 {
		return nil
	}
	var ok bool
	if err := json.Unmarshal(successRaw, &ok); err != nil || ok {
		return nil
	}
	var msg string
	_ = json.Unmarshal(errRaw, &msg)
	return fmt.Errorf("%w: upstream reported failure: %s", ports.ErrMalformed, msg)
}

// Post converts a raw post object, as found in listings and detail pages.
func Post(raw json.RawMessage, endpoint string, fetchedAt time.Time) (domain.Entity, error) {
	var p post
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Entity{}, fmt.Errorf("%w: post: %v", ports.ErrMalformed, err)
	}
	if p.ID == "" {
		return domain.Entity{}, fmt.Errorf("%w: post without id", ports.ErrMalformed)
	}
	return domain.Entity{
		Kind:         domain.KindPost,
		ID:           string(p.ID),
		AuthorID:     p.Author.agentName(),
		SubmoltID:    p.Submolt.submoltName(),
		Title:        p.Title,
		Body:         p.Content,
		Upvotes:      p.Upvotes,
		Downvotes:    p.Downvotes,
		CommentCount: p.CommentCount,
		CreatedAt:    parseTime(p.CreatedAt),
		Raw:          compact(raw),
		FetchedAt:    fetchedAt,
		Endpoint:     endpoint,
	}, nil
}

// PostDetail decodes `/posts/{id}`: the post and its flattened comment tree.
func PostDetail(body []byte, endpoint string, fetchedAt time.Time) (domain.Entity, []domain.Entity, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.Entity{}, nil, err
	}
	if len(env.Post) == 0 {
		return domain.Entity{}, nil, fmt.Errorf("%w: detail without post", ports.ErrMalformed)
	}
	p, err := Post(env.Post, endpoint, fetchedAt)
	if err != nil {
		return domain.Entity{}, nil, err
	}

	seen := map[string]bool{}
	var comments []domain.Entity
	if err := flatten(env.Comments, p.ID, "", endpoint, fetchedAt, seen, &comments); err != nil {
		return domain.Entity{}, nil, err
	}
	return p, comments, nil
}

// flatten walks nested replies depth-first. A comment ID is emitted once, so a
// payload that repeats an ID cannot introduce a cycle.
func flatten(raws []json.RawMessage, postID, parentID, endpoint string, fetchedAt time.Time, seen map[string]bool, out *[]domain.Entity) error {
	for _, raw := range raws {
		var c comment
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("%w: comment: %v", ports.ErrMalformed, err)
		}
		id := string(c.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		parent := parentID
		if parent == "" && c.ParentID != "" && seen[string(c.ParentID)] {
			parent = string(c.ParentID)
		}
		*out = append(*out, domain.Entity{
			Kind:            domain.KindComment,
			ID:              id,
			ParentPostID:    postID,
			ParentCommentID: parent,
			AuthorID:        c.Author.agentName(),
			Body:            c.Content,
			Upvotes:         c.Upvotes,
			Downvotes:       c.Downvotes,
			CreatedAt:       parseTime(c.CreatedAt),
			Raw:             compact(raw),
			FetchedAt:       fetchedAt,
			Endpoint:        endpoint,
		})
		if err := flatten(c.Replies, postID, id, endpoint, fetchedAt, seen, out); err != nil {
			return err
		}
	}
	return nil
}

// Agent decodes `/agents/profile`. Agents are keyed by name.
func Agent(body []byte, endpoint string, fetchedAt time.Time) (domain.Entity, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.Entity{}, err
	}
	var a agent
	if len(env.Agent) == 0 {
		return domain.Entity{}, fmt.Errorf("%w: profile without agent", ports.ErrMalformed)
	}
	if err := json.Unmarshal(env.Agent, &a); err != nil {
		return domain.Entity{}, fmt.Errorf("%w: agent: %v", ports.ErrMalformed, err)
	}
	if a.Name == "" {
		return domain.Entity{}, fmt.Errorf("%w: agent without name", ports.ErrMalformed)
	}
	return domain.Entity{
		Kind:           domain.KindAgent,
		ID:             a.Name,
		Body:           a.Description,
		Karma:          a.Karma,
		FollowerCount:  a.FollowerCount,
		FollowingCount: a.FollowingCount,
		CreatedAt:      parseTime(a.CreatedAt),
		Raw:            compact(body),
		FetchedAt:      fetchedAt,
		Endpoint:       endpoint,
	}, nil
}

// Submolt converts a raw submolt object. Submolts are keyed by name.
func Submolt(raw json.RawMessage, endpoint string, fetchedAt time.Time) (domain.Entity, error) {
	var s submolt
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.Entity{}, fmt.Errorf("%w: submolt: %v", ports.ErrMalformed, err)
	}
	if s.Name == "" {
		return domain.Entity{}, fmt.Errorf("%w: submolt without name", ports.ErrMalformed)
	}
	return domain.Entity{
		Kind:          domain.KindSubmolt,
		ID:            s.Name,
		Title:         s.DisplayName,
		Body:          s.Description,
		FollowerCount: s.SubscriberCount,
		CreatedAt:     parseTime(s.CreatedAt),
		Raw:           compact(raw),
		FetchedAt:     fetchedAt,
		Endpoint:      endpoint,
	}, nil
}

// SubmoltDetail decodes `/submolts/{name}`.
func SubmoltDetail(body []byte, endpoint string, fetchedAt time.Time) (domain.Entity, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.Entity{}, err
	}
	if len(env.Submolt) == 0 {
		return domain.Entity{}, fmt.Errorf("%w: detail without submolt", ports.ErrMalformed)
	}
	return Submolt(env.Submolt, endpoint, fetchedAt)
}

func decodeEnvelope(body []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ports.ErrMalformed, err)
	}
	if env.Success != nil && !*env.Success {
		return env, fmt.Errorf("%w: upstream reported failure: %s", ports.ErrMalformed, env.Error)
	}
	return env, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
