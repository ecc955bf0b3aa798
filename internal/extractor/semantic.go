package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// SemanticConfig caps the load placed on the scoring capability.
type SemanticConfig struct {
	BatchSize  int
	MaxRecords int
	Timeout    time.Duration
	// MinScore drops probabilities below it; they carry no support.
	MinScore float64
}

// Semantic delegates category scoring to an external capability. Scorer
// failures are soft: the batch yields no evidence and the pass goes on.
type Semantic struct {
	scorer     ports.Scorer
	categories []string
	cfg        SemanticConfig
	logger     *slog.Logger
}

// NewSemantic scores records against categories through scorer.
func NewSemantic(scorer ports.Scorer, categories []string, cfg SemanticConfig, logger *slog.Logger) *Semantic {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.3
	}
	return &Semantic{scorer: scorer, categories: categories, cfg: cfg, logger: logger}
}

func (s *Semantic) Kind() domain.ExtractorKind { return domain.ExtractorSemantic }

func (s *Semantic) Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error) {
	if s.scorer == nil {
		return nil, nil
	}
	var categories []string
	for _, c := range s.categories {
		if in.Wants(c) {
			categories = append(categories, c)
		}
	}
	if len(categories) == 0 {
		return nil, nil
	}

	records := make([]Record, 0, len(in.Records))
	for _, rec := range in.Records {
		if rec.Text != "" {
			records = append(records, rec)
		}
	}
	if s.cfg.MaxRecords > 0 && len(records) > s.cfg.MaxRecords {
		s.debug("semantic input capped", "records", len(records), "max", s.cfg.MaxRecords)
		records = records[:s.cfg.MaxRecords]
	}

	var out []domain.Evidence
	for start := 0; start < len(records); start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		batch := records[start:min(start+s.cfg.BatchSize, len(records))]
		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Text
		}

		bctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		scores, err := s.scorer.Score(bctx, texts, categories)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			s.warn("semantic scoring failed", "batch_start", start, "batch_size", len(batch), "error", err)
			if errors.Is(err, ports.ErrScorerUnavailable) {
				break
			}
			continue
		}
		if len(scores) != len(batch) {
			s.warn("semantic scorer returned wrong batch size", "want", len(batch), "got", len(scores))
			continue
		}

		for i, rec := range batch {
			for _, c := range categories {
				p, ok := scores[i][c]
				if !ok || p < s.cfg.MinScore {
					continue
				}
				p = round4(clamp(p, 0, 1))
				out = append(out, domain.NewEvidence(
					domain.ExtractorSemantic,
					c,
					[]string{rec.Entity.Ref()},
					p,
					fmt.Sprintf("scorer probability %.4f", p),
				))
			}
		}
	}
	sortEvidence(out)
	return out, nil
}

func (s *Semantic) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Semantic) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
