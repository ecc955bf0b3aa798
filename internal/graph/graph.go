// Package graph maintains the agent interaction graph used for coalition
// detection. The graph is a cache derived from the corpus: a single writer
// applies interactions incrementally and readers work on immutable snapshots.
package graph

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Interaction is one directed agent-to-agent contact. Key identifies the
// source record so re-applying the same corpus is a no-op.
type Interaction struct {
	Key  string
	From string
	To   string
	At   time.Time
}

// Pair is a directed edge.
type Pair struct {
	From string
	To   string
}

// Decay weights an event of age elapsed with the given half-life. Events from
// the future count fully.
func Decay(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(elapsed) / float64(halfLife))
}

// Snapshot is a point-in-time view of the graph. It is never mutated.
type Snapshot struct {
	version uint64
	edges   map[Pair][]time.Time
}

var emptySnapshot = &Snapshot{edges: map[Pair][]time.Time{}}

// Version increases with every applied batch.
func (s *Snapshot) Version() uint64 { return s.version }

// Len is the number of directed edges.
func (s *Snapshot) Len() int { return len(s.edges) }

// Nodes lists every agent with at least one edge, sorted.
func (s *Snapshot) Nodes() []string {
	seen := map[string]bool{}
	for p := range s.edges {
		seen[p.From] = true
		seen[p.To] = true
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Count is the number of interactions on an edge.
func (s *Snapshot) Count(p Pair) int {
	return len(s.edges[p])
}

// Weight sums the decayed interactions on p that fall in (now-window, now].
// A zero window means no cutoff.
func (s *Snapshot) Weight(p Pair, now time.Time, window, halfLife time.Duration) float64 {
	var w float64
	for _, at := range s.edges[p] {
		if at.After(now) {
			continue
		}
		if window > 0 && !at.After(now.Add(-window)) {
			continue
		}
		w += Decay(now.Sub(at), halfLife)
	}
	return w
}

// CoalitionOptions bound coalition detection.
type CoalitionOptions struct {
	Now       time.Time
	Window    time.Duration
	HalfLife  time.Duration
	MinWeight float64
	MinSize   int
}

// Coalition is a component of agents linked by reciprocal, recent
// interaction.
type Coalition struct {
	Members []string
	// Links is the number of reciprocal pairs inside the component.
	Links int
	// Strength is the mean of the weaker direction over those pairs.
	Strength float64
}

// Coalitions unions agents whose interaction runs both ways with a decayed
// weight of at least MinWeight in each direction, and returns components of
// at least MinSize members ordered by first member.
func (s *Snapshot) Coalitions(opts CoalitionOptions) []Coalition {
	if opts.MinSize < 2 {
		opts.MinSize = 2
	}

	type link struct {
		a, b string
		w    float64
	}
	var links []link
	for p := range s.edges {
		if p.From >= p.To {
			continue
		}
		back := Pair{From: p.To, To: p.From}
		if _, ok := s.edges[back]; !ok {
			continue
		}
		w := min(s.Weight(p, opts.Now, opts.Window, opts.HalfLife), s.Weight(back, opts.Now, opts.Window, opts.HalfLife))
		if w >= opts.MinWeight && w > 0 {
			links = append(links, link{a: p.From, b: p.To, w: w})
		}
	}
	// Summation order fixes the float result.
	sort.Slice(links, func(i, j int) bool {
		if links[i].a != links[j].a {
			return links[i].a < links[j].a
		}
		return links[i].b < links[j].b
	})

	uf := newUnionFind()
	for _, l := range links {
		uf.union(l.a, l.b)
	}

	root := map[string]int{}
	var out []Coalition
	for _, members := range uf.components() {
		if len(members) < opts.MinSize {
			continue
		}
		root[uf.find(members[0])] = len(out)
		out = append(out, Coalition{Members: members})
	}
	for _, l := range links {
		i, ok := root[uf.find(l.a)]
		if !ok {
			continue
		}
		out[i].Links++
		out[i].Strength += l.w
	}
	for i := range out {
		out[i].Strength /= float64(out[i].Links)
	}
	return out
}

// Cache owns the interaction graph. Apply is serialized; Snapshot never
// blocks.
type Cache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	edges map[Pair][]time.Time
	snap  atomic.Pointer[Snapshot]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{seen: map[string]struct{}{}, edges: map[Pair][]time.Time{}}
	c.snap.Store(emptySnapshot)
	return c
}

// Snapshot returns the current immutable view.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Apply adds interactions not seen before and publishes a new snapshot when
// anything changed. It returns the number of interactions added.
func (c *Cache) Apply(batch []Interaction) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := map[Pair][]time.Time{}
	added := 0
	for _, in := range batch {
		if in.From == "" || in.To == "" || in.From == in.To {
			continue
		}
		if _, dup := c.seen[in.Key]; dup {
			continue
		}
		c.seen[in.Key] = struct{}{}

		p := Pair{From: in.From, To: in.To}
		times, ok := changed[p]
		if !ok {
			// Copy on first touch; published slices are never written.
			times = append([]time.Time(nil), c.edges[p]...)
		}
		i := sort.Search(len(times), func(i int) bool { return times[i].After(in.At) })
		times = append(times, time.Time{})
		copy(times[i+1:], times[i:])
		times[i] = in.At
		changed[p] = times
		added++
	}
	if added == 0 {
		return 0
	}

	next := make(map[Pair][]time.Time, len(c.edges)+len(changed))
	for p, times := range c.edges {
		next[p] = times
	}
	for p, times := range changed {
		next[p] = times
	}
	c.edges = next
	c.snap.Store(&Snapshot{version: c.snap.Load().version + 1, edges: next})
	return added
}

// Invalidate drops everything so the next Apply rebuilds from scratch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seen = map[string]struct{}{}
	c.edges = map[Pair][]time.Time{}
	c.snap.Store(&Snapshot{version: c.snap.Load().version + 1, edges: c.edges})
}
