// Package governor admits rate-limited operations under several simultaneous
// sliding-window quotas.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Operation kinds known to the default configuration.
const (
	KindRequest = "request"
	KindPost    = "post"
	KindComment = "comment"
)

// ErrUnknownKind is returned for operation kinds without a configured limit.
var ErrUnknownKind = errors.New("unknown operation kind")

// Limit bounds one operation kind to Limit grants per Window.
type Limit struct {
	Kind   string        `yaml:"kind"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultLimits mirrors the published platform budgets.
func DefaultLimits() []Limit {
	return []Limit{
		{Kind: KindRequest, Limit: 100, Window: time.Minute},
		{Kind: KindPost, Limit: 1, Window: 30 * time.Minute},
		{Kind: KindComment, Limit: 50, Window: time.Hour},
	}
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option customizes a Governor.
type Option func(*Governor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(g *Governor) {
		if c != nil {
			g.clock = c
		}
	}
}

// Governor hands out grant times. Grants of one kind are nondecreasing in
// reservation order, and any window of the configured length holds at most
// Limit of them.
type Governor struct {
	mu      sync.Mutex
	clock   Clock
	windows map[string]*window
	seq     uint64
}

type grant struct {
	id uint64
	at time.Time
}

type window struct {
	limit  Limit
	grants []grant
	floor  time.Time
}

// New validates limits and returns a governor.
func New(limits []Limit, opts ...Option) (*Governor, error) {
	g := &Governor{
		clock:   realClock{},
		windows: make(map[string]*window, len(limits)),
	}
	for _, l := range limits {
		if l.Kind == "" {
			return nil, fmt.Errorf("governor: limit without kind")
		}
		if l.Limit <= 0 || l.Window <= 0 {
			return nil, fmt.Errorf("governor: invalid limit for %q: %d per %s", l.Kind, l.Limit, l.Window)
		}
		g.windows[l.Kind] = &window{limit: l}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Reservation is a granted slot. Callers either wait for At or Cancel it.
type Reservation struct {
	g     *Governor
	kind  string
	id    uint64
	At    time.Time
	Delay time.Duration
}

// Reserve claims the next free slot for kind without blocking.
func (g *Governor) Reserve(kind string) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	now := g.clock.Now()
	w.prune(now)

	at := now
	if w.floor.After(at) {
		at = w.floor
	}
	if n := len(w.grants); n > 0 {
		if last := w.grants[n-1].at; last.After(at) {
			at = last
		}
		if n >= w.limit.Limit {
			if free := w.grants[n-w.limit.Limit].at.Add(w.limit.Window); free.After(at) {
				at = free
			}
		}
	}

	g.seq++
	w.grants = append(w.grants, grant{id: g.seq, at: at})

	return &Reservation{g: g, kind: kind, id: g.seq, At: at, Delay: at.Sub(now)}, nil
}

// Cancel releases a reservation that was never used.
func (r *Reservation) Cancel() {
	if r == nil || r.g == nil {
		return
	}
	r.g.mu.Lock()
	defer r.g.mu.Unlock()

	w := r.g.windows[r.kind]
	for i, gr := range w.grants {
		if gr.id == r.id {
			w.grants = append(w.grants[:i], w.grants[i+1:]...)
			return
		}
	}
}

// Admit blocks until an operation of kind may proceed and returns its grant
// time. A cancelled context releases the slot.
func (g *Governor) Admit(ctx context.Context, kind string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	r, err := g.Reserve(kind)
	if err != nil {
		return time.Time{}, err
	}
	if r.Delay <= 0 {
		return r.At, nil
	}

	select {
	case <-ctx.Done():
		r.Cancel()
		return time.Time{}, ctx.Err()
	case <-g.clock.After(r.Delay):
		return r.At, nil
	}
}

// Backoff holds every new grant of kind until at least until. Used when the
// upstream still answers 429.
func (g *Governor) Backoff(kind string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.windows[kind]; ok && until.After(w.floor) {
		w.floor = until
	}
}

// Usage reports grants inside the current window for kind.
func (g *Governor) Usage(kind string) (used, limit int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[kind]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	now := g.clock.Now()
	w.prune(now)
	for _, gr := range w.grants {
		if !gr.at.After(now) {
			used++
		}
	}
	return used, w.limit.Limit, nil
}

// prune drops grants that can no longer constrain a future grant.
func (w *window) prune(now time.Time) {
	cut := 0
	for cut < len(w.grants) && !w.grants[cut].at.Add(w.limit.Window).After(now) {
		cut++
	}
	if cut > 0 {
		w.grants = append(w.grants[:0], w.grants[cut:]...)
	}
}
