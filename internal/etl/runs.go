package etl

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
	TriggerCLI      Trigger = "cli"
)

// Run is the in-memory record of one pipeline invocation, successful or
// not. Successful runs are also persisted as licenses.LoadRun.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Status      RunStatus  `json:"status"`
	Trigger     Trigger    `json:"trigger"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Report      *Report    `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (r Run) clone() Run {
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	if r.Report != nil {
		rep := *r.Report
		r.Report = &rep
	}
	return r
}

// DefaultRunHistory is how many runs a Registry remembers.
const DefaultRunHistory = 50

// Registry keeps the most recent runs of this process.
type Registry struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]*Run
	order []uuid.UUID
	size  int
}

func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultRunHistory
	}
	return &Registry{runs: make(map[uuid.UUID]*Run), size: size}
}

func (g *Registry) start(r *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.runs[r.ID] = r
	g.order = append(g.order, r.ID)
	for len(g.order) > g.size {
		delete(g.runs, g.order[0])
		g.order = g.order[1:]
	}
}

func (g *Registry) finish(id uuid.UUID, at time.Time, rep *Report, err error) Run {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.runs[id]
	if !ok {
		return Run{}
	}
	r.CompletedAt = &at
	r.Report = rep
	if err != nil {
		r.Status = RunFailed
		r.Error = err.Error()
	} else {
		r.Status = RunSucceeded
	}
	return r.clone()
}

// Get returns a copy of run id.
func (g *Registry) Get(id uuid.UUID) (Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.clone(), true
}

// Recent returns up to n runs, newest first.
func (g *Registry) Recent(n int) []Run {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n <= 0 || n > len(g.order) {
		n = len(g.order)
	}
	out := make([]Run, 0, n)
	for i := len(g.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, g.runs[g.order[i]].clone())
	}
	return out
}
