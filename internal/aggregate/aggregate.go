// Package aggregate combines extractor evidence into findings.
package aggregate

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"MoltbookWatch/internal/domain"
)

// findingNamespace roots the name-based finding IDs.
var findingNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://www.moltbook.com/watch/findings"))

// Config holds the aggregation rule's constants.
type Config struct {
	// AgreeThreshold is the score an extractor needs to count as corroborating.
	AgreeThreshold      float64 `yaml:"agree_threshold"`
	CorroborationBonus  float64 `yaml:"corroboration_bonus"`
	LexicalSoloDiscount float64 `yaml:"lexical_solo_discount"`
	HighThreshold       float64 `yaml:"high_threshold"`
	LowThreshold        float64 `yaml:"low_threshold"`
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		AgreeThreshold:      0.5,
		CorroborationBonus:  0.5,
		LexicalSoloDiscount: 0.6,
		HighThreshold:       0.75,
		LowThreshold:        0.4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AgreeThreshold <= 0 {
		c.AgreeThreshold = d.AgreeThreshold
	}
	if c.CorroborationBonus <= 0 {
		c.CorroborationBonus = d.CorroborationBonus
	}
	if c.LexicalSoloDiscount <= 0 {
		c.LexicalSoloDiscount = d.LexicalSoloDiscount
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = d.LowThreshold
	}
	return c
}

// FindingID is the stable identifier of the (target, category) pair.
func FindingID(target, category string) string {
	return uuid.NewSHA1(findingNamespace, []byte(target+"|"+category)).String()
}

type groupKey struct {
	target   string
	category string
}

// Aggregate produces one finding per (target, category) pair that clears the
// low threshold. The result depends only on the evidence set, not its order.
func Aggregate(evidence []domain.Evidence, cfg Config) []domain.Finding {
	cfg = cfg.withDefaults()

	groups := map[groupKey][]domain.Evidence{}
	for _, ev := range evidence {
		if len(ev.Targets) == 0 || ev.Category == "" {
			continue
		}
		k := groupKey{target: ev.TargetKey(), category: ev.Category}
		groups[k] = append(groups[k], ev)
	}

	out := make([]domain.Finding, 0, len(groups))
	for k, evs := range groups {
		f := combine(k, evs, cfg)
		if f.Confidence < cfg.LowThreshold {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func combine(k groupKey, evs []domain.Evidence, cfg Config) domain.Finding {
	best := map[domain.ExtractorKind]float64{}
	seen := map[string]bool{}
	var ids []string
	var members []string
	for _, ev := range evs {
		if s, ok := best[ev.Extractor]; !ok || ev.Score > s {
			best[ev.Extractor] = ev.Score
		}
		if !seen[ev.ID] {
			seen[ev.ID] = true
			ids = append(ids, ev.ID)
		}
		if members == nil {
			members = append([]string(nil), ev.Targets...)
		}
	}
	sort.Strings(ids)

	kinds := make([]domain.ExtractorKind, 0, len(best))
	var top float64
	agree := 0
	for kind, s := range best {
		kinds = append(kinds, kind)
		top = math.Max(top, s)
		if s >= cfg.AgreeThreshold {
			agree++
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	confidence := top
	if agree >= 2 {
		confidence += cfg.CorroborationBonus * float64(agree-1) * (1 - top)
	}
	if len(kinds) == 1 && kinds[0] == domain.ExtractorLexical {
		confidence *= cfg.LexicalSoloDiscount
	}
	confidence = math.Round(math.Max(0, math.Min(1, confidence))*1e4) / 1e4

	status := domain.StatusPendingReview
	if confidence >= cfg.HighThreshold {
		status = domain.StatusAutoResolved
	}
	return domain.Finding{
		ID:         FindingID(k.target, k.category),
		Category:   k.category,
		Target:     k.target,
		Members:    members,
		Confidence: confidence,
		Extractors: kinds,
		Evidence:   ids,
		Status:     status,
	}
}
