package domain

import (
	"errors"
	"time"
)

// ErrCheckpointCorrupt marks a phase whose persisted progress cannot be trusted.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// Phase names one traversal of the acquisition pipeline.
type Phase string

const (
	PhasePosts    Phase = "posts"
	PhaseSubmolts Phase = "submolts"
	PhaseAgents   Phase = "agents"
)

// Phases lists every traversal phase in processing order.
var Phases = []Phase{PhasePosts, PhaseSubmolts, PhaseAgents}

// Kind maps a phase to the entity kind it fetches.
func (p Phase) Kind() EntityKind {
	switch p {
	case PhasePosts:
		return KindPost
	case PhaseSubmolts:
		return KindSubmolt
	case PhaseAgents:
		return KindAgent
	default:
		return ""
	}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Kind() != ""
}

// PhaseState is the durable cursor of one phase.
type PhaseState struct {
	Cursor      string
	Exhausted   bool
	Pages       int
	FailedPages int
	UpdatedAt   time.Time
}

// Checkpoint is the singleton progress record. Pending holds the on-disk size of
// each phase's discovered-but-not-fetched set; the IDs stay on disk.
type Checkpoint struct {
	Version int64
	Phases  map[Phase]PhaseState
	Pending map[Phase]int
	Corrupt map[Phase]error
}

// NewCheckpoint returns the fresh-start checkpoint.
func NewCheckpoint() Checkpoint {
	return Checkpoint{
		Phases:  map[Phase]PhaseState{},
		Pending: map[Phase]int{},
		Corrupt: map[Phase]error{},
	}
}

// Done reports whether every phase is exhausted with nothing pending.
func (c Checkpoint) Done() bool {
	for _, p := range Phases {
		if c.Corrupt[p] != nil {
			return false
		}
		if p != PhaseAgents && !c.Phases[p].Exhausted {
			return false
		}
		if c.Pending[p] > 0 {
			return false
		}
	}
	return true
}

// PageFailure records a page that exhausted its retries.
type PageFailure struct {
	Phase    Phase
	Page     string
	IDs      []string
	Attempts int
	Err      string
	FailedAt time.Time
}

// CheckpointUpdate is applied atomically by the checkpoint store: the phase
// cursor, pending additions (possibly for other phases), removals from the
// phase's own pending set and failure records.
type CheckpointUpdate struct {
	Phase    Phase
	State    PhaseState
	Enqueue  map[Phase][]string
	Dequeue  []string
	Failures []PageFailure
}
