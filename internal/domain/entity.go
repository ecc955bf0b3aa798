package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EntityKind enumerates the record types harvested from the platform.
type EntityKind string

const (
	KindPost    EntityKind = "post"
	KindComment EntityKind = "comment"
	KindAgent   EntityKind = "agent"
	KindSubmolt EntityKind = "submolt"
)

// Entity is a normalized platform record. Raw keeps the upstream object as-is so
// fields the parser does not know about survive a round trip.
type Entity struct {
	Kind            EntityKind
	ID              string
	ParentPostID    string
	ParentCommentID string
	AuthorID        string
	SubmoltID       string
	Title           string
	Body            string
	Upvotes         int
	Downvotes       int
	CommentCount    int
	Karma           int
	FollowerCount   int
	FollowingCount  int
	CreatedAt       time.Time
	Raw             json.RawMessage
	FetchedAt       time.Time
	Endpoint        string
}

// Ref renders the stable reference used by evidence and findings.
func (e Entity) Ref() string {
	return Ref(e.Kind, e.ID)
}

// Text joins title and body for text-based extractors.
func (e Entity) Text() string {
	switch {
	case e.Title == "":
		return e.Body
	case e.Body == "":
		return e.Title
	default:
		return e.Title + "\n" + e.Body
	}
}

// Ref builds a kind-qualified reference.
func Ref(kind EntityKind, id string) string {
	return string(kind) + ":" + id
}

// ParseRef splits a reference produced by Ref.
func ParseRef(ref string) (EntityKind, string, bool) {
	kind, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return "", "", false
	}
	return EntityKind(kind), id, true
}

// Revision is an archived copy of an entity replaced by a changed re-fetch.
type Revision struct {
	Kind       EntityKind
	ID         string
	Raw        json.RawMessage
	FetchedAt  time.Time
	ArchivedAt time.Time
}

// CorpusStats summarizes stored records per kind.
type CorpusStats struct {
	Counts    map[EntityKind]int
	Revisions int
}
