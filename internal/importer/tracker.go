package importer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an import operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Operation is one tracked import run. Only the executor mutates it; readers
// use the accessors or Snapshot.
type Operation struct {
	mu sync.RWMutex

	id        string
	guildID   string
	plan      *Plan
	startedAt time.Time

	status          Status
	results         []StepResult
	finishedAt      time.Time
	cancelRequested bool

	done chan struct{}
}

// ID returns the operation ID.
func (o *Operation) ID() string { return o.id }

// GuildID returns the target guild.
func (o *Operation) GuildID() string { return o.guildID }

// Plan returns the plan being executed. It must not be modified.
func (o *Operation) Plan() *Plan { return o.plan }

// Status returns the current status.
func (o *Operation) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// CancelRequested reports whether cancellation was requested.
func (o *Operation) CancelRequested() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cancelRequested
}

// Done is closed once the operation reaches a terminal status.
func (o *Operation) Done() <-chan struct{} { return o.done }

func (o *Operation) requestCancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Terminal() {
		return false
	}
	o.cancelRequested = true
	return true
}

func (o *Operation) markRunning() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusPending {
		return fmt.Errorf("operation %s is %s, not pending", o.id, o.status)
	}
	o.status = StatusRunning
	return nil
}

func (o *Operation) appendResult(r StepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *Operation) finish(status Status, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Terminal() {
		return
	}
	o.status = status
	o.finishedAt = at
	close(o.done)
}

func (o *Operation) finishedBefore(cutoff time.Time) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status.Terminal() && o.finishedAt.Before(cutoff)
}

// Progress counts processed steps.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Snapshot is a consistent copy of an operation's state.
type Snapshot struct {
	ID              string       `json:"id"`
	GuildID         string       `json:"guildId"`
	Status          Status       `json:"status"`
	Strategy        Strategy     `json:"strategy"`
	Progress        Progress     `json:"progress"`
	Results         []StepResult `json:"results"`
	StartedAt       time.Time    `json:"startedAt"`
	FinishedAt      *time.Time   `json:"finishedAt,omitempty"`
	CancelRequested bool         `json:"cancelRequested"`
}

// Snapshot returns a copy of the current state.
func (o *Operation) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Snapshot{
		ID:              o.id,
		GuildID:         o.guildID,
		Status:          o.status,
		Strategy:        o.plan.Strategy,
		Progress:        Progress{Done: len(o.results), Total: len(o.plan.Steps)},
		Results:         append([]StepResult{}, o.results...),
		StartedAt:       o.startedAt,
		CancelRequested: o.cancelRequested,
	}
	if !o.finishedAt.IsZero() {
		t := o.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Tracker is the in-process store of import operations. Nothing survives a
// restart; an operation missing after a crash is presumed failed.
type Tracker struct {
	mu  sync.RWMutex
	ops map[string]*Operation
	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ops: make(map[string]*Operation),
		now: time.Now,
	}
}

// Start registers a pending operation for plan and returns its ID.
func (t *Tracker) Start(guildID string, plan *Plan) (string, error) {
	if plan == nil {
		return "", fmt.Errorf("plan is required")
	}

	op := &Operation{
		id:        uuid.New().String(),
		guildID:   guildID,
		plan:      plan,
		startedAt: t.now().UTC(),
		status:    StatusPending,
		results:   make([]StepResult, 0, len(plan.Steps)),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	t.ops[op.id] = op
	t.mu.Unlock()

	return op.id, nil
}

// Operation returns the live operation handle.
func (t *Tracker) Operation(id string) (*Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	return op, ok
}

// Get returns a snapshot of the operation.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	op, ok := t.Operation(id)
	if !ok {
		return Snapshot{}, false
	}
	return op.Snapshot(), true
}

// Cancel requests cancellation of a pending or running operation. It
// reports false for unknown and terminal operations.
func (t *Tracker) Cancel(id string) bool {
	op, ok := t.Operation(id)
	if !ok {
		return false
	}
	return op.requestCancel()
}

// Sweep removes terminal operations that finished more than maxAge ago and
// returns how many were removed.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	cutoff := t.now().UTC().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, op := range t.ops {
		if op.finishedBefore(cutoff) {
			delete(t.ops, id)
			removed++
		}
	}
	return removed
}

// List returns snapshots of the operations for guildID, or of all
// operations when guildID is empty, oldest first.
func (t *Tracker) List(guildID string) []Snapshot {
	t.mu.RLock()
	ops := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		if guildID == "" || op.guildID == guildID {
			ops = append(ops, op)
		}
	}
	t.mu.RUnlock()

	result := make([]Snapshot, 0, len(ops))
	for _, op := range ops {
		result = append(result, op.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Active returns the number of non-terminal operations.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, op := range t.ops {
		if !op.Status().Terminal() {
			n++
		}
	}
	return n
}

// ActiveFor returns the ID of a non-terminal operation targeting guildID.
func (t *Tracker) ActiveFor(guildID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for id, op := range t.ops {
		if op.guildID == guildID && !op.Status().Terminal() {
			return id, true
		}
	}
	return "", false
}

// Summary tallies the results recorded so far.
func (s Snapshot) Summary() Summary {
	sum := Summary{OperationID: s.ID, Status: s.Status, Total: s.Progress.Total}
	for _, r := range s.Results {
		sum.add(r.Outcome)
	}
	if s.FinishedAt != nil {
		sum.Duration = s.FinishedAt.Sub(s.StartedAt)
		sum.DurationMs = sum.Duration.Milliseconds()
	}
	return sum
}
