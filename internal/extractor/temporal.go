package extractor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/graph"
)

// TemporalConfig tunes burst and synchrony detection.
type TemporalConfig struct {
	Bucket time.Duration
	// Baseline is the number of trailing buckets a burst is compared to.
	Baseline int
	BurstZ   float64
	MinBurst int
	// SyncCorrelation is the Pearson correlation two agents' series need.
	SyncCorrelation  float64
	MinActiveBuckets int
	MaxAgents        int
	// Window is the trailing span, ending at Input.Now, that is bucketed.
	// Older and future-dated events are ignored.
	Window time.Duration
}

// Temporal flags agents whose activity spikes above their own baseline and
// groups of agents whose activity moves in lockstep.
type Temporal struct {
	burstCategory string
	syncCategory  string
	cfg           TemporalConfig
}

// NewTemporal reports bursts under burstCategory and synchrony under
// syncCategory; an empty category disables that signal.
func NewTemporal(burstCategory, syncCategory string, cfg TemporalConfig) *Temporal {
	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Hour
	}
	if cfg.Baseline <= 0 {
		cfg.Baseline = 24
	}
	if cfg.BurstZ <= 0 {
		cfg.BurstZ = 3
	}
	if cfg.MinBurst <= 0 {
		cfg.MinBurst = 5
	}
	if cfg.SyncCorrelation <= 0 {
		cfg.SyncCorrelation = 0.9
	}
	if cfg.MinActiveBuckets <= 0 {
		cfg.MinActiveBuckets = 6
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 500
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * 24 * time.Hour
	}
	return &Temporal{burstCategory: burstCategory, syncCategory: syncCategory, cfg: cfg}
}

func (t *Temporal) Kind() domain.ExtractorKind { return domain.ExtractorTemporal }

type activity struct {
	agent  string
	counts []float64
	active int
	total  int
}

func (t *Temporal) Evaluate(ctx context.Context, in Input) ([]domain.Evidence, error) {
	series, origin := t.series(in.Records, in.Now)
	if len(series) == 0 {
		return nil, nil
	}

	var out []domain.Evidence
	if t.burstCategory != "" && in.Wants(t.burstCategory) {
		out = append(out, t.bursts(series, origin)...)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if t.syncCategory != "" && in.Wants(t.syncCategory) {
		out = append(out, t.synchrony(series)...)
	}
	sortEvidence(out)
	return out, nil
}

// series buckets post and comment times per author on a shared grid covering
// at most Window before now. A zero now anchors the window at the newest event.
func (t *Temporal) series(records []Record, now time.Time) ([]activity, time.Time) {
	end := now
	if end.IsZero() {
		for _, rec := range records {
			if rec.Entity.CreatedAt.After(end) {
				end = rec.Entity.CreatedAt
			}
		}
	}
	start := end.Add(-t.cfg.Window)

	times := map[string][]time.Time{}
	var first, last time.Time
	for _, rec := range records {
		e := rec.Entity
		if e.AuthorID == "" || e.CreatedAt.IsZero() || (e.Kind != domain.KindPost && e.Kind != domain.KindComment) {
			continue
		}
		if e.CreatedAt.Before(start) || e.CreatedAt.After(end) {
			continue
		}
		times[e.AuthorID] = append(times[e.AuthorID], e.CreatedAt)
		if first.IsZero() || e.CreatedAt.Before(first) {
			first = e.CreatedAt
		}
		if e.CreatedAt.After(last) {
			last = e.CreatedAt
		}
	}
	if len(times) == 0 {
		return nil, time.Time{}
	}

	origin := first.UTC().Truncate(t.cfg.Bucket)
	n := int(last.Sub(origin)/t.cfg.Bucket) + 1
	out := make([]activity, 0, len(times))
	for agent, ts := range times {
		a := activity{agent: agent, counts: make([]float64, n), total: len(ts)}
		for _, at := range ts {
			a.counts[int(at.Sub(origin)/t.cfg.Bucket)]++
		}
		for _, c := range a.counts {
			if c > 0 {
				a.active++
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agent < out[j].agent })
	return out, origin
}

func (t *Temporal) bursts(series []activity, origin time.Time) []domain.Evidence {
	var out []domain.Evidence
	for _, a := range series {
		bestZ, bestAt := 0.0, -1
		for i := t.cfg.Baseline; i < len(a.counts); i++ {
			c := a.counts[i]
			if c < float64(t.cfg.MinBurst) {
				continue
			}
			mean, std := meanStd(a.counts[i-t.cfg.Baseline : i])
			z := (c - mean) / math.Max(std, 1)
			if z >= t.cfg.BurstZ && z > bestZ {
				bestZ, bestAt = z, i
			}
		}
		if bestAt < 0 {
			continue
		}
		start := origin.Add(time.Duration(bestAt) * t.cfg.Bucket)
		score := round4(clamp(0.5+0.1*(bestZ-t.cfg.BurstZ), 0.5, 0.95))
		out = append(out, domain.NewEvidence(
			domain.ExtractorTemporal,
			t.burstCategory,
			[]string{domain.Ref(domain.KindAgent, a.agent)},
			score,
			fmt.Sprintf("%d events in bucket starting %s, z=%.2f", int(a.counts[bestAt]), start.Format(time.RFC3339), bestZ),
		))
	}
	return out
}

func (t *Temporal) synchrony(series []activity) []domain.Evidence {
	var candidates []activity
	for _, a := range series {
		if a.active >= t.cfg.MinActiveBuckets {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) > t.cfg.MaxAgents {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].total > candidates[j].total })
		candidates = candidates[:t.cfg.MaxAgents]
	}

	corr := map[[2]string]float64{}
	var pairs [][2]string
	for i := range candidates {
		for j := i + 1; j < len(candidates); j++ {
			r := pearson(candidates[i].counts, candidates[j].counts)
			if r >= t.cfg.SyncCorrelation {
				p := [2]string{candidates[i].agent, candidates[j].agent}
				if p[0] > p[1] {
					p[0], p[1] = p[1], p[0]
				}
				pairs = append(pairs, p)
				corr[p] = r
			}
		}
	}

	var out []domain.Evidence
	for _, members := range graph.Components(pairs) {
		in := map[string]bool{}
		for _, m := range members {
			in[m] = true
		}
		var sum float64
		var links int
		for _, p := range pairs {
			if in[p[0]] {
				sum += corr[p]
				links++
			}
		}
		mean := sum / float64(links)
		span := 1 - t.cfg.SyncCorrelation
		score := 0.9
		if span > 0 {
			score = 0.4 + 0.5*(mean-t.cfg.SyncCorrelation)/span
		}
		out = append(out, domain.NewEvidence(
			domain.ExtractorTemporal,
			t.syncCategory,
			agentRefs(members),
			round4(clamp(score, 0.4, 0.9)),
			fmt.Sprintf("%d agents, %d correlated pairs, mean r=%.3f", len(members), links, mean),
		))
	}
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// pearson returns 0 when either series is constant.
func pearson(a, b []float64) float64 {
	ma, sa := meanStd(a)
	mb, sb := meanStd(b)
	if sa == 0 || sb == 0 {
		return 0
	}
	var cov float64
	for i := range a {
		cov += (a[i] - ma) * (b[i] - mb)
	}
	return cov / float64(len(a)) / (sa * sb)
}
