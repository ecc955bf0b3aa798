package aggregate

import (
	"sort"

	"MoltbookWatch/internal/domain"
)

// Precision summarizes how often findings an extractor contributed to were
// confirmed by reviewers.
type Precision struct {
	Extractor domain.ExtractorKind `json:"extractor"`
	Confirmed int                  `json:"confirmed"`
	Rejected  int                  `json:"rejected"`
	Precision float64              `json:"precision"`
	// Solo counts adjudications where this extractor was the only contributor.
	Solo          int     `json:"solo"`
	SoloPrecision float64 `json:"solo_precision"`
}

// Calibrate reports per-extractor precision over adjudicated labels. It is a
// tuning aid for Config; nothing applies it automatically.
func Calibrate(labels []domain.Label) []Precision {
	stats := map[domain.ExtractorKind]*Precision{}
	soloConfirmed := map[domain.ExtractorKind]int{}
	for _, l := range labels {
		if !l.Outcome.Valid() {
			continue
		}
		for _, kind := range l.Extractors {
			p := stats[kind]
			if p == nil {
				p = &Precision{Extractor: kind}
				stats[kind] = p
			}
			if l.Outcome == domain.OutcomeConfirmed {
				p.Confirmed++
			} else {
				p.Rejected++
			}
			if len(l.Extractors) == 1 {
				p.Solo++
				if l.Outcome == domain.OutcomeConfirmed {
					soloConfirmed[kind]++
				}
			}
		}
	}

	out := make([]Precision, 0, len(stats))
	for kind, p := range stats {
		if n := p.Confirmed + p.Rejected; n > 0 {
			p.Precision = round4(float64(p.Confirmed) / float64(n))
		}
		if p.Solo > 0 {
			p.SoloPrecision = round4(float64(soloConfirmed[kind]) / float64(p.Solo))
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Extractor < out[j].Extractor })
	return out
}

func round4(v float64) float64 {
	return float64(int64(v*1e4+0.5)) / 1e4
}
