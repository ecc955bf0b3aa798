// Package extractor holds the signal extractors. Each one turns a batch of
// corpus records into typed evidence and fails independently of the others.
package extractor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"MoltbookWatch/internal/domain"
)

// Record is a corpus entity prepared for extraction.
type Record struct {
	Entity domain.Entity
	// Text is the normalized title and body.
	Text     string
	Mentions []string
}

// Input is one extraction pass.
type Input struct {
	Records []Record
	// Categories restricts output to these leaves; empty means all.
	Categories []string
	// Now anchors windows and decay. Detection sets it from the corpus so
	// re-running over the same corpus yields the same evidence.
	Now time.Time
}

// Wants reports whether category is in scope for this pass.
func (in Input) Wants(category string) bool {
	if len(in.Categories) == 0 {
		return true
	}
	for _, c := range in.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Extractor is one signal source.
type Extractor interface {
	Kind() domain.ExtractorKind
	Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error)
}

// Registry keeps the enabled extractors by kind.
type Registry struct {
	extractors map[domain.ExtractorKind]Extractor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: map[domain.ExtractorKind]Extractor{}}
}

// Register adds or replaces an extractor.
func (r *Registry) Register(e Extractor) {
	if r.extractors == nil {
		r.extractors = map[domain.ExtractorKind]Extractor{}
	}
	r.extractors[e.Kind()] = e
}

// Resolve returns an extractor by kind or an error if it is absent.
func (r *Registry) Resolve(kind domain.ExtractorKind) (Extractor, error) {
	if e, ok := r.extractors[kind]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("extractor %s is not registered", kind)
}

// All returns the registered extractors ordered by kind.
func (r *Registry) All() []Extractor {
	out := make([]Extractor, 0, len(r.extractors))
	for _, e := range r.extractors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// round4 keeps scores stable across platforms and runs.
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func agentRefs(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = domain.Ref(domain.KindAgent, n)
	}
	return out
}

func sortEvidence(ev []domain.Evidence) {
	sort.Slice(ev, func(i, j int) bool { return ev[i].ID < ev[j].ID })
}
