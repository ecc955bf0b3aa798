package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExtractorKind enumerates the closed set of signal extractors.
type ExtractorKind string

const (
	ExtractorLexical      ExtractorKind = "lexical"
	ExtractorSemantic     ExtractorKind = "semantic"
	ExtractorRelationship ExtractorKind = "relationship"
	ExtractorTemporal     ExtractorKind = "temporal"
	ExtractorOutlier      ExtractorKind = "outlier"
)

// ExtractorKinds lists every extractor kind.
var ExtractorKinds = []ExtractorKind{ExtractorLexical, ExtractorSemantic, ExtractorRelationship, ExtractorTemporal, ExtractorOutlier}

// Evidence is one extractor's support for a category on a record or agent group.
type Evidence struct {
	ID        string        `json:"id"`
	Extractor ExtractorKind `json:"extractor"`
	Category  string        `json:"category"`
	Targets   []string      `json:"targets"`
	Score     float64       `json:"score"`
	Rationale string        `json:"rationale"`
}

// NewEvidence normalizes targets and derives a content-addressed ID.
func NewEvidence(extractor ExtractorKind, category string, targets []string, score float64, rationale string) Evidence {
	t := append([]string(nil), targets...)
	sort.Strings(t)
	t = compactStrings(t)

	h := sha256.New()
	h.Write([]byte(extractor))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(t, ",")))
	h.Write([]byte{0})
	h.Write([]byte(rationale))

	return Evidence{
		ID:        hex.EncodeToString(h.Sum(nil))[:24],
		Extractor: extractor,
		Category:  category,
		Targets:   t,
		Score:     score,
		Rationale: rationale,
	}
}

// TargetKey identifies what the evidence is about: a single record reference or
// a group key for multi-agent evidence.
func (e Evidence) TargetKey() string {
	return TargetKey(e.Targets)
}

// TargetKey builds the aggregation key for a target set.
func TargetKey(targets []string) string {
	if len(targets) == 1 {
		return targets[0]
	}
	return "group:" + strings.Join(targets, ",")
}

// FindingStatus is the lifecycle state of a finding.
type FindingStatus string

const (
	StatusAutoResolved  FindingStatus = "auto-resolved"
	StatusPendingReview FindingStatus = "pending-review"
	StatusConfirmed     FindingStatus = "confirmed"
	StatusRejected      FindingStatus = "rejected"
)

// Adjudicated reports whether a human already decided the finding.
func (s FindingStatus) Adjudicated() bool {
	return s == StatusConfirmed || s == StatusRejected
}

// Finding aggregates all evidence for one (target, category) pair.
type Finding struct {
	ID         string          `json:"id"`
	Category   string          `json:"category"`
	Target     string          `json:"target"`
	Members    []string        `json:"members"`
	Confidence float64         `json:"confidence"`
	Extractors []ExtractorKind `json:"extractors"`
	Evidence   []string        `json:"evidence"`
	Status     FindingStatus   `json:"status"`
}

// ConfidenceString formats the confidence for tables and digests.
func (f Finding) ConfidenceString() string {
	return strconv.FormatFloat(f.Confidence, 'f', 2, 64)
}

// Outcome is a reviewer's decision.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
)

// Valid reports whether o is an accepted adjudication outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeConfirmed || o == OutcomeRejected
}

// Status maps an outcome to the finding status it produces.
func (o Outcome) Status() FindingStatus {
	if o == OutcomeConfirmed {
		return StatusConfirmed
	}
	return StatusRejected
}

// Label is a retained adjudication, usable as a labeled example for tuning.
type Label struct {
	FindingID     string
	Category      string
	Target        string
	Confidence    float64
	Extractors    []ExtractorKind
	Outcome       Outcome
	Reviewer      string
	Note          string
	AdjudicatedAt time.Time
}

// FindingFilter narrows listing queries.
type FindingFilter struct {
	Status   FindingStatus
	Category string
	Limit    int
}

func compactStrings(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if s == "" || (i > 0 && s == in[i-1]) {
			continue
		}
		out = append(out, s)
	}
	return out
}
