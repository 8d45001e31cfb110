// Package orchestrator glues the agent registry and the work queue to
// the event stream: task nodes entering pending are auto-enqueued,
// maintenance timers sweep stale agents and expired claims, and
// dispatch matches queued work to capable agents.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/cubed/internal/agent"
	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
	"github.com/kingrea/cubed/internal/queue"
)

const (
	defaultStaleCheckInterval  = 60 * time.Second
	defaultExpireCheckInterval = 30 * time.Second
	defaultStaleThreshold      = 90 * time.Second
)

// Options tunes the maintenance loop.
type Options struct {
	StaleCheckInterval  time.Duration
	ExpireCheckInterval time.Duration
	StaleThreshold      time.Duration
}

func (o Options) withDefaults() Options {
	if o.StaleCheckInterval <= 0 {
		o.StaleCheckInterval = defaultStaleCheckInterval
	}
	if o.ExpireCheckInterval <= 0 {
		o.ExpireCheckInterval = defaultExpireCheckInterval
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = defaultStaleThreshold
	}
	return o
}

// Orchestrator wires the registry and queue into the bus.
type Orchestrator struct {
	graph  *graph.Graph
	agents *agent.Registry
	queue  *queue.Queue
	bus    *eventbus.Bus
	opts   Options

	mu      sync.Mutex
	subIDs  []string
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds an orchestrator over the graph, registry, queue, and bus.
func New(g *graph.Graph, agents *agent.Registry, q *queue.Queue, bus *eventbus.Bus, opts Options) *Orchestrator {
	return &Orchestrator{
		graph:  g,
		agents: agents,
		queue:  q,
		bus:    bus,
		opts:   opts.withDefaults(),
	}
}

// Start subscribes to task-lifecycle events and launches the two
// maintenance timers. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.stopCh = make(chan struct{})

	o.subIDs = append(o.subIDs, o.bus.Subscribe(string(eventbus.NodeCreated), func(e eventbus.Event) error {
		n := e.Payload.Node
		if n != nil && n.Type == node.TypeTask && n.Status == node.StatusPending {
			_, err := o.queue.Enqueue(n.ID, queue.EnqueueOptions{})
			return err
		}
		return nil
	}))
	o.subIDs = append(o.subIDs, o.bus.Subscribe(string(eventbus.NodeStatusChanged), func(e eventbus.Event) error {
		n := e.Payload.Node
		if n != nil && n.Type == node.TypeTask && n.Status == node.StatusPending {
			_, err := o.queue.Enqueue(n.ID, queue.EnqueueOptions{})
			return err
		}
		return nil
	}))

	o.wg.Add(2)
	go o.runTicker(o.opts.StaleCheckInterval, o.sweepStale)
	go o.runTicker(o.opts.ExpireCheckInterval, o.sweepExpired)
}

// Stop unsubscribes and halts the timers, waiting for in-flight
// sweeps to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	for _, id := range o.subIDs {
		o.bus.Unsubscribe(id)
	}
	o.subIDs = nil
	close(o.stopCh)
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) runTicker(interval time.Duration, sweep func()) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// sweepStale marks silent agents offline and returns their claims to
// the queue with reason timeout.
func (o *Orchestrator) sweepStale() {
	for _, agentID := range o.agents.CheckStale(o.opts.StaleThreshold) {
		o.queue.ReleaseAllFor(agentID, "timeout")
	}
}

func (o *Orchestrator) sweepExpired() {
	o.queue.CheckExpired()
}

// SweepNow runs both maintenance passes immediately, outside the
// timers. Embedders use this for deterministic shutdown or tests.
func (o *Orchestrator) SweepNow() {
	o.sweepStale()
	o.sweepExpired()
}

// DispatchOptions filters which pending tasks dispatch considers.
type DispatchOptions struct {
	NodeTypes []node.Type
	Tags      []string
	DryRun    bool
}

// Assignment pairs a task with the agent chosen for it.
type Assignment struct {
	TaskID  string
	AgentID string
}

// Dispatch queries pending tasks and assigns each to the best capable
// agent: enqueue if absent, then claim. Capability lookups for the
// candidate tasks run concurrently; claims serialize through the
// queue. In dry-run mode no state changes and the would-be
// assignments are returned.
func (o *Orchestrator) Dispatch(ctx context.Context, opts DispatchOptions) ([]Assignment, error) {
	types := opts.NodeTypes
	if len(types) == 0 {
		types = []node.Type{node.TypeTask}
	}
	pending, err := o.graph.Query(graph.QueryOptions{Filter: index.Filter{
		Types:    types,
		Statuses: []node.Status{node.StatusPending},
		TagsAny:  opts.Tags,
	}})
	if err != nil {
		return nil, err
	}

	candidates := make([][]agent.Agent, len(pending))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, task := range pending {
		i, task := i, task
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			candidates[i] = o.agents.FindCapable(agent.CapabilityQuery{
				NodeType: task.Type,
				Tags:     opts.Tags,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// Planned claims per agent so a dry run predicts capacity the same
	// way a real run would consume it.
	planned := map[string]int{}
	var assignments []Assignment
	for i, task := range pending {
		if err := ctx.Err(); err != nil {
			return assignments, err
		}
		var chosen *agent.Agent
		for j := range candidates[i] {
			candidate := candidates[i][j]
			capacity := candidate.Config.Capabilities.MaxConcurrent
			if len(candidate.State.ClaimedTasks)+planned[candidate.Config.ID] >= capacity {
				continue
			}
			chosen = &candidate
			break
		}
		if chosen == nil {
			continue
		}
		planned[chosen.Config.ID]++
		assignments = append(assignments, Assignment{TaskID: task.ID, AgentID: chosen.Config.ID})
		if opts.DryRun {
			continue
		}
		if _, err := o.queue.Enqueue(task.ID, queue.EnqueueOptions{}); err != nil {
			return assignments, err
		}
		if _, err := o.queue.Claim(queue.ClaimRequest{AgentID: chosen.Config.ID, TaskID: task.ID}); err != nil {
			return assignments, err
		}
	}
	return assignments, nil
}
