package extractor

import (
	"context"
	"fmt"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/taxonomy"
)

// Lexical matches taxonomy rules against record text. Score is the weight of
// the strongest rule that fired for a leaf.
type Lexical struct {
	taxonomy *taxonomy.Taxonomy
}

// NewLexical builds the matcher over t.
func NewLexical(t *taxonomy.Taxonomy) *Lexical {
	return &Lexical{taxonomy: t}
}

func (l *Lexical) Kind() domain.ExtractorKind { return domain.ExtractorLexical }

func (l *Lexical) Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error) {
	var out []domain.Evidence
	for i, rec := range in.Records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		for _, m := range l.taxonomy.Match(rec.Text) {
			if !in.Wants(m.Category) {
				continue
			}
			out = append(out, domain.NewEvidence(
				domain.ExtractorLexical,
				m.Category,
				[]string{rec.Entity.Ref()},
				m.Weight,
				fmt.Sprintf("matched rule %q", m.Rule),
			))
		}
	}
	sortEvidence(out)
	return out, nil
}
