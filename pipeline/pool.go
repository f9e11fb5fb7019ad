package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// WorkerFactory builds one worker instance. The index distinguishes
// instances of the same role ("parser-1", "parser-2", ...).
type WorkerFactory func(index int) Worker

// roleSet is the pool's bookkeeping for one worker role.
type roleSet struct {
	factory WorkerFactory
	opts    []RunnerOption
	runners []*Runner
	next    int // monotonically increasing instance index
}

// WorkerPool owns the runner instances of every worker role. It attaches
// them to the bus on Start, detaches on Stop, and can scale a role up or
// down while running.
type WorkerPool struct {
	mu      sync.Mutex
	roles   map[string]*roleSet
	builder func(Worker, ...RunnerOption) *Runner
	started bool
}

// NewWorkerPool creates an empty pool. The builder wires each worker into
// a Runner; the orchestrator supplies one that injects the shared bus,
// store, emitter and metrics.
func NewWorkerPool(builder func(Worker, ...RunnerOption) *Runner) *WorkerPool {
	return &WorkerPool{
		roles:   make(map[string]*roleSet),
		builder: builder,
	}
}

// AddRole registers count instances of a role. Calling AddRole twice for
// the same role is a programmer error.
func (p *WorkerPool) AddRole(role string, count int, factory WorkerFactory, opts ...RunnerOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.roles[role]; exists {
		return fmt.Errorf("pool: role %q already registered", role)
	}
	if count < 0 {
		return fmt.Errorf("pool: negative count for role %q", role)
	}
	rs := &roleSet{factory: factory, opts: opts}
	p.roles[role] = rs
	for i := 0; i < count; i++ {
		p.spawnLocked(rs)
	}
	return nil
}

// spawnLocked builds one more instance of a role. Caller holds p.mu.
func (p *WorkerPool) spawnLocked(rs *roleSet) {
	rs.next++
	runner := p.builder(rs.factory(rs.next), rs.opts...)
	rs.runners = append(rs.runners, runner)
	if p.started {
		runner.Attach()
	}
}

// Start attaches every runner to the bus. Idempotent.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, rs := range p.roles {
		for _, r := range rs.runners {
			r.Attach()
		}
	}
}

// Stop detaches every runner. Idempotent.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	for _, rs := range p.roles {
		for _, r := range rs.runners {
			r.Detach()
		}
	}
}

// ScaleUp adds n instances to a role.
func (p *WorkerPool) ScaleUp(role string, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.roles[role]
	if !ok {
		return fmt.Errorf("pool: unknown role %q", role)
	}
	for i := 0; i < n; i++ {
		p.spawnLocked(rs)
	}
	return nil
}

// ScaleDown removes up to n instances from a role, newest first.
func (p *WorkerPool) ScaleDown(role string, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.roles[role]
	if !ok {
		return fmt.Errorf("pool: unknown role %q", role)
	}
	for i := 0; i < n && len(rs.runners) > 0; i++ {
		last := rs.runners[len(rs.runners)-1]
		last.Detach()
		rs.runners = rs.runners[:len(rs.runners)-1]
	}
	return nil
}

// RoleHealth describes one role's instance count.
type RoleHealth struct {
	Role      string `json:"role"`
	Instances int    `json:"instances"`
}

// Health reports per-role instance counts, sorted by role name.
func (p *WorkerPool) Health() []RoleHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RoleHealth, 0, len(p.roles))
	for role, rs := range p.roles {
		out = append(out, RoleHealth{Role: role, Instances: len(rs.runners)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Size returns the total number of runner instances.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, rs := range p.roles {
		total += len(rs.runners)
	}
	return total
}
