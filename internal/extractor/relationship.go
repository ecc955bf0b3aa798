package extractor

import (
	"context"
	"fmt"
	"math"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/graph"
)

// RelationshipConfig bounds coalition detection.
type RelationshipConfig struct {
	Window       time.Duration
	HalfLife     time.Duration
	MinWeight    float64
	MinGroupSize int
}

// Relationship feeds comment and mention edges into the interaction graph and
// reports coalitions as group evidence.
type Relationship struct {
	cache    *graph.Cache
	category string
	cfg      RelationshipConfig
}

// NewRelationship reports coalitions under category. The cache is shared
// across passes so later passes only apply new interactions.
func NewRelationship(cache *graph.Cache, category string, cfg RelationshipConfig) *Relationship {
	if cfg.Window <= 0 {
		cfg.Window = 14 * 24 * time.Hour
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 7 * 24 * time.Hour
	}
	if cfg.MinWeight <= 0 {
		cfg.MinWeight = 2
	}
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 3
	}
	if cache == nil {
		cache = graph.NewCache()
	}
	return &Relationship{cache: cache, category: category, cfg: cfg}
}

func (r *Relationship) Kind() domain.ExtractorKind { return domain.ExtractorRelationship }

func (r *Relationship) Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error) {
	if r.category == "" || !in.Wants(r.category) {
		return nil, nil
	}
	r.cache.Apply(Interactions(in.Records))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	coalitions := r.cache.Snapshot().Coalitions(graph.CoalitionOptions{
		Now:       in.Now,
		Window:    r.cfg.Window,
		HalfLife:  r.cfg.HalfLife,
		MinWeight: r.cfg.MinWeight,
		MinSize:   r.cfg.MinGroupSize,
	})

	out := make([]domain.Evidence, 0, len(coalitions))
	for _, c := range coalitions {
		// Half confidence at the threshold, approaching one as ties strengthen.
		score := round4(1 - math.Pow(0.5, c.Strength/r.cfg.MinWeight))
		out = append(out, domain.NewEvidence(
			domain.ExtractorRelationship,
			r.category,
			agentRefs(c.Members),
			score,
			fmt.Sprintf("%d agents, %d reciprocal links, mean weight %.2f", len(c.Members), c.Links, c.Strength),
		))
	}
	sortEvidence(out)
	return out, nil
}

// Interactions derives graph edges from records: commenter to post author,
// replier to parent comment author, and author to each mentioned agent.
func Interactions(records []Record) []graph.Interaction {
	postAuthor := map[string]string{}
	commentAuthor := map[string]string{}
	for _, rec := range records {
		switch rec.Entity.Kind {
		case domain.KindPost:
			postAuthor[rec.Entity.ID] = rec.Entity.AuthorID
		case domain.KindComment:
			commentAuthor[rec.Entity.ID] = rec.Entity.AuthorID
		}
	}

	var out []graph.Interaction
	for _, rec := range records {
		e := rec.Entity
		if e.AuthorID == "" || (e.Kind != domain.KindPost && e.Kind != domain.KindComment) {
			continue
		}
		at := e.CreatedAt
		if at.IsZero() {
			at = e.FetchedAt
		}
		if e.Kind == domain.KindComment {
			target := postAuthor[e.ParentPostID]
			if e.ParentCommentID != "" {
				target = commentAuthor[e.ParentCommentID]
			}
			out = append(out, graph.Interaction{Key: e.Ref(), From: e.AuthorID, To: target, At: at})
		}
		for _, name := range rec.Mentions {
			out = append(out, graph.Interaction{Key: e.Ref() + "@" + name, From: e.AuthorID, To: name, At: at})
		}
	}
	return out
}
