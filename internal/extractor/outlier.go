package extractor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"MoltbookWatch/internal/domain"
)

// OutlierConfig tunes the robust z-score test.
type OutlierConfig struct {
	Threshold     float64
	MinPopulation int
}

// Outlier flags agents whose karma velocity, posting rate, upvote ratio or
// follower ratio sits far from the population median.
type Outlier struct {
	category string
	cfg      OutlierConfig
}

// NewOutlier reports under category.
func NewOutlier(category string, cfg OutlierConfig) *Outlier {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3.5
	}
	if cfg.MinPopulation <= 0 {
		cfg.MinPopulation = 10
	}
	return &Outlier{category: category, cfg: cfg}
}

func (o *Outlier) Kind() domain.ExtractorKind { return domain.ExtractorOutlier }

type feature struct {
	name string
	// twoSided flags unusually low values as well as high ones.
	twoSided bool
	values   map[string]float64
}

func (o *Outlier) Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error) {
	if o.category == "" || !in.Wants(o.category) {
		return nil, nil
	}
	features, agents := o.features(in)
	if len(agents) < o.cfg.MinPopulation {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type flag struct {
		z       float64
		reasons []string
	}
	flags := map[string]*flag{}
	for _, f := range features {
		if len(f.values) < o.cfg.MinPopulation {
			continue
		}
		scores := robustZ(f.values)
		for _, agent := range sortedNames(scores) {
			z := scores[agent]
			if f.twoSided {
				z = math.Abs(z)
			}
			if z < o.cfg.Threshold {
				continue
			}
			fl := flags[agent]
			if fl == nil {
				fl = &flag{}
				flags[agent] = fl
			}
			fl.z = math.Max(fl.z, z)
			fl.reasons = append(fl.reasons, fmt.Sprintf("%s=%.3g (z=%.1f)", f.name, f.values[agent], z))
		}
	}

	out := make([]domain.Evidence, 0, len(flags))
	for _, agent := range sortedNames(flags) {
		fl := flags[agent]
		score := round4(clamp(0.4+0.05*(fl.z-o.cfg.Threshold), 0.4, 0.9))
		out = append(out, domain.NewEvidence(
			domain.ExtractorOutlier,
			o.category,
			[]string{domain.Ref(domain.KindAgent, agent)},
			score,
			strings.Join(fl.reasons, "; "),
		))
	}
	sortEvidence(out)
	return out, nil
}

// features computes per-agent values for agents with a stored profile.
func (o *Outlier) features(in Input) ([]feature, []string) {
	profiles := map[string]domain.Entity{}
	firstSeen := map[string]time.Time{}
	activity := map[string]int{}
	up := map[string]int{}
	down := map[string]int{}

	for _, rec := range in.Records {
		e := rec.Entity
		switch e.Kind {
		case domain.KindAgent:
			profiles[e.ID] = e
		case domain.KindPost, domain.KindComment:
			if e.AuthorID == "" {
				continue
			}
			activity[e.AuthorID]++
			up[e.AuthorID] += e.Upvotes
			down[e.AuthorID] += e.Downvotes
			if !e.CreatedAt.IsZero() {
				if fs, ok := firstSeen[e.AuthorID]; !ok || e.CreatedAt.Before(fs) {
					firstSeen[e.AuthorID] = e.CreatedAt
				}
			}
		}
	}

	velocity := feature{name: "karma_velocity", values: map[string]float64{}}
	rate := feature{name: "posting_rate", values: map[string]float64{}}
	ratio := feature{name: "upvote_ratio", twoSided: true, values: map[string]float64{}}
	followers := feature{name: "follower_ratio", values: map[string]float64{}}

	agents := make([]string, 0, len(profiles))
	for name, p := range profiles {
		agents = append(agents, name)

		start := p.CreatedAt
		if fs, ok := firstSeen[name]; ok && (start.IsZero() || fs.Before(start)) {
			start = fs
		}
		days := 1.0
		if !start.IsZero() && in.Now.After(start) {
			days = math.Max(1, in.Now.Sub(start).Hours()/24)
		}

		velocity.values[name] = float64(p.Karma) / days
		rate.values[name] = float64(activity[name]) / days
		if votes := up[name] + down[name]; votes > 0 {
			ratio.values[name] = float64(up[name]) / float64(votes)
		}
		followers.values[name] = float64(p.FollowerCount) / float64(p.FollowingCount+1)
	}
	sort.Strings(agents)
	return []feature{velocity, rate, ratio, followers}, agents
}

// robustZ scores values by 0.6745*(x-median)/MAD. A zero MAD falls back to
// the mean absolute deviation; a constant feature scores zero.
func robustZ(values map[string]float64) map[string]float64 {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		xs = append(xs, v)
	}
	sort.Float64s(xs)
	med := median(xs)

	dev := make([]float64, len(xs))
	var meanAbs float64
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
		meanAbs += dev[i]
	}
	meanAbs /= float64(len(xs))

	scale := median(dev) / 0.6745
	if scale == 0 {
		scale = meanAbs * 1.2533
	}
	out := make(map[string]float64, len(values))
	for k, v := range values {
		if scale == 0 {
			out[k] = 0
			continue
		}
		out[k] = (v - med) / scale
	}
	return out
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
